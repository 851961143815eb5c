package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/copysentry/backend/internal/core"
)

func matcherBrand() *core.BrandProfile {
	return &core.BrandProfile{
		Name:              "Acme",
		SafeKeywords:      []string{"acme", "acme widgets"},
		DangerousKeywords: []string{"acme crack", "acme keygen", "free acme download"},
	}
}

func TestMatchScoresSafeAndDangerousHits(t *testing.T) {
	m := NewKeywordMatcher()

	// One safe hit: 0.15, below the ambiguous band, not a violation.
	res := m.Match("official acme store", "Acme", matcherBrand())
	assert.InDelta(t, 0.15, res.Confidence, 1e-9)
	assert.False(t, res.IsViolation)
	assert.False(t, res.Ambiguous)
	assert.Equal(t, []string{"acme"}, res.MatchedTerms)

	// Safe + dangerous: 0.15 + 0.35 = 0.50, ambiguous.
	res = m.Match("get the acme crack now", "", matcherBrand())
	assert.InDelta(t, 0.50, res.Confidence, 1e-9)
	assert.True(t, res.Ambiguous)
	assert.False(t, res.IsViolation)

	// Two dangerous hits clear the violation line.
	res = m.Match("acme crack and acme keygen bundle", "", matcherBrand())
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.True(t, res.IsViolation)
	assert.False(t, res.Ambiguous)
	assert.Equal(t, core.DetectKeyword, res.Method)
}

func TestMatchConfidenceSaturates(t *testing.T) {
	m := NewKeywordMatcher()

	// 2 safe + 3 dangerous hits would score 1.35 unclamped.
	text := "acme acme widgets acme crack acme keygen free acme download"
	res := m.Match(text, "", matcherBrand())
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	assert.True(t, res.IsViolation)
	assert.Equal(t, core.RiskCritical, res.RiskLevel)
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	m := NewKeywordMatcher()
	res := m.Match("ACME CRACK and Acme Keygen", "", matcherBrand())
	assert.True(t, res.IsViolation)
	assert.Contains(t, res.MatchedTerms, "acme crack")
	assert.Contains(t, res.MatchedTerms, "acme keygen")
}

func TestMatchNoHitsNoViolation(t *testing.T) {
	m := NewKeywordMatcher()
	res := m.Match("an unrelated page about gardening", "Gardening", matcherBrand())
	assert.Zero(t, res.Confidence)
	assert.False(t, res.IsViolation)
	assert.False(t, res.Ambiguous)
	assert.Empty(t, res.MatchedTerms)
	assert.Equal(t, "Gardening", res.Title)
}

func TestRiskGradesFollowConfidence(t *testing.T) {
	m := NewKeywordMatcher()

	// Dangerous hit at critical confidence.
	brand := &core.BrandProfile{DangerousKeywords: []string{"a", "b", "c"}}
	res := m.Match("a b c", "", brand)
	assert.True(t, res.IsViolation)
	assert.Equal(t, core.RiskCritical, res.RiskLevel)

	// Safe-only hits never reach critical.
	brand = &core.BrandProfile{SafeKeywords: []string{"a", "b", "c", "d", "e", "f", "g"}}
	res = m.Match("a b c d e f g", "", brand)
	assert.NotEqual(t, core.RiskCritical, res.RiskLevel)
}

func TestParseVerdictToleratesFencedOutput(t *testing.T) {
	raw := "Here is my answer:\n```json\n" +
		`{"is_violation": true, "confidence": 0.82, "risk_level": "high", "reason": "sells copies"}` +
		"\n```"
	v, err := parseVerdict(raw)
	assert.NoError(t, err)
	assert.True(t, v.IsViolation)
	assert.InDelta(t, 0.82, v.Confidence, 1e-9)
	assert.Equal(t, "high", strings.ToLower(v.RiskLevel))

	_, err = parseVerdict("no json here")
	assert.Error(t, err)
}
