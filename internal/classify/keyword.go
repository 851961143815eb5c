// Package classify decides whether fetched page content infringes a brand.
// A cheap keyword pass runs first; the AI classifier is consulted only
// when the keyword pass is ambiguous, and its answers are cached upstream.
package classify

import (
	"strings"

	"github.com/copysentry/backend/internal/core"
)

// Result is the outcome of a classification.
type Result struct {
	IsViolation  bool                 `json:"is_violation"`
	Confidence   float64              `json:"confidence"`
	Method       core.DetectionMethod `json:"method"`
	RiskLevel    core.RiskLevel       `json:"risk_level"`
	Title        string               `json:"title,omitempty"`
	MatchedTerms []string             `json:"matched_terms,omitempty"`
	// Ambiguous marks a keyword hit too weak to act on alone; the caller
	// escalates to the AI classifier.
	Ambiguous bool `json:"ambiguous"`
}

// Keyword-pass confidence model: each safe-keyword hit adds a little, each
// dangerous-keyword hit adds a lot. Confidence saturates at 0.95 so the
// keyword pass alone never claims certainty.
const (
	safeHitWeight      = 0.15
	dangerousHitWeight = 0.35
	keywordCeiling     = 0.95

	// Hits scoring inside (ambiguousLow, ambiguousHigh) escalate to AI.
	ambiguousLow  = 0.30
	ambiguousHigh = 0.60
)

// KeywordMatcher runs the first-pass scan against a brand's keyword sets.
type KeywordMatcher struct{}

// NewKeywordMatcher returns the zero matcher; it is stateless.
func NewKeywordMatcher() *KeywordMatcher { return &KeywordMatcher{} }

// Match scores page text against the brand's safe and dangerous keyword
// sets. Text and keywords are compared case-insensitively.
func (m *KeywordMatcher) Match(text, title string, brand *core.BrandProfile) Result {
	lower := strings.ToLower(text)

	var matched []string
	confidence := 0.0
	dangerousHit := false

	for _, kw := range brand.SafeKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			matched = append(matched, kw)
			confidence += safeHitWeight
		}
	}
	for _, kw := range brand.DangerousKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			matched = append(matched, kw)
			confidence += dangerousHitWeight
			dangerousHit = true
		}
	}

	if confidence > keywordCeiling {
		confidence = keywordCeiling
	}

	res := Result{
		Confidence:   confidence,
		Method:       core.DetectKeyword,
		Title:        title,
		MatchedTerms: matched,
	}
	if len(matched) == 0 {
		return res
	}

	res.Ambiguous = confidence > ambiguousLow && confidence < ambiguousHigh
	res.IsViolation = confidence >= ambiguousHigh
	res.RiskLevel = core.RiskLevelFor(confidence, dangerousHit)
	return res
}
