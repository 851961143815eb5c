package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/copysentry/backend/internal/core"
)

// AIClassifier resolves ambiguous keyword hits with an LLM call. Results
// are cached in the violation cache by the caller, so each (url, keyword
// set) pair pays for at most one call per TTL.
type AIClassifier interface {
	Classify(ctx context.Context, pageText, title string, brand *core.BrandProfile) (Result, error)
}

// AnthropicClassifier calls the Anthropic Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClassifier reads credentials from the environment
// (ANTHROPIC_API_KEY). model falls back to the configured default.
func NewAnthropicClassifier(model string) *AnthropicClassifier {
	return &AnthropicClassifier{
		client: anthropic.NewClient(),
		model:  anthropic.Model(model),
	}
}

const maxPageExcerpt = 6000

type aiVerdict struct {
	IsViolation bool    `json:"is_violation"`
	Confidence  float64 `json:"confidence"`
	RiskLevel   string  `json:"risk_level"`
	Reason      string  `json:"reason"`
}

func (c *AnthropicClassifier) Classify(ctx context.Context, pageText, title string, brand *core.BrandProfile) (Result, error) {
	excerpt := pageText
	if len(excerpt) > maxPageExcerpt {
		excerpt = excerpt[:maxPageExcerpt]
	}

	prompt := fmt.Sprintf(`You are reviewing a web page for unauthorized use of the brand %q.
Brand description: %s
Brand terms to look for: %s

Page title: %s
Page text:
%s

Respond with only a JSON object: {"is_violation": bool, "confidence": number 0-1, "risk_level": "low"|"medium"|"high"|"critical", "reason": string}.`,
		brand.Name, brand.Description, strings.Join(brand.SafeKeywords, ", "), title, excerpt)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ai classify: %w", err)
	}

	var raw strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			raw.WriteString(block.Text)
		}
	}

	verdict, err := parseVerdict(raw.String())
	if err != nil {
		return Result{}, err
	}

	return Result{
		IsViolation: verdict.IsViolation,
		Confidence:  clamp01(verdict.Confidence),
		Method:      core.DetectAI,
		RiskLevel:   riskFromString(verdict.RiskLevel),
		Title:       title,
	}, nil
}

// parseVerdict tolerates fenced or prefixed model output by extracting the
// first JSON object.
func parseVerdict(s string) (aiVerdict, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return aiVerdict{}, fmt.Errorf("ai classify: no JSON in response")
	}
	var v aiVerdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return aiVerdict{}, fmt.Errorf("ai classify: parse verdict: %w", err)
	}
	return v, nil
}

func riskFromString(s string) core.RiskLevel {
	switch strings.ToLower(s) {
	case "critical":
		return core.RiskCritical
	case "high":
		return core.RiskHigh
	case "medium":
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ AIClassifier = (*AnthropicClassifier)(nil)
