package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanOptionsBounds(t *testing.T) {
	valid := ScanOptions{MaxConcurrency: 3, Timeout: 30 * time.Second}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name string
		opts ScanOptions
	}{
		{"concurrency too low", ScanOptions{MaxConcurrency: 0, Timeout: 30 * time.Second}},
		{"concurrency too high", ScanOptions{MaxConcurrency: 11, Timeout: 30 * time.Second}},
		{"timeout too short", ScanOptions{MaxConcurrency: 3, Timeout: time.Second}},
		{"timeout too long", ScanOptions{MaxConcurrency: 3, Timeout: 2 * time.Minute}},
		{"recent threshold too short", ScanOptions{
			MaxConcurrency: 3, Timeout: 30 * time.Second,
			SkipRecentlyScanned: true, RecentThreshold: time.Minute,
		}},
		{"recent threshold too long", ScanOptions{
			MaxConcurrency: 3, Timeout: 30 * time.Second,
			SkipRecentlyScanned: true, RecentThreshold: 200 * time.Hour,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			assert.Error(t, err)
			assert.True(t, IsCode(err, CodeInvalidOptions))
		})
	}

	// The threshold is only checked when skipping is requested.
	ignored := ScanOptions{MaxConcurrency: 3, Timeout: 30 * time.Second, RecentThreshold: time.Minute}
	assert.NoError(t, ignored.Validate())
}

func TestKeywordSetsMustBeDisjoint(t *testing.T) {
	ok := BrandProfile{
		SafeKeywords:      []string{"acme"},
		ModerateKeywords:  []string{"acme download"},
		DangerousKeywords: []string{"acme crack"},
	}
	assert.NoError(t, ok.ValidateKeywordSets())

	overlap := BrandProfile{
		SafeKeywords:      []string{"acme"},
		DangerousKeywords: []string{"acme"},
	}
	err := overlap.ValidateKeywordSets()
	assert.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidOptions))

	// Repeats inside one set are harmless.
	dup := BrandProfile{SafeKeywords: []string{"acme", "acme"}}
	assert.NoError(t, dup.ValidateKeywordSets())
}

func TestPlanCapsAndWeights(t *testing.T) {
	assert.Equal(t, 1, PlanFree.ConcurrencyCap())
	assert.Equal(t, 3, PlanBasic.ConcurrencyCap())
	assert.Equal(t, 10, PlanPremium.ConcurrencyCap())
	assert.Equal(t, 25, PlanEnterprise.ConcurrencyCap())
	assert.Equal(t, -1, PlanAdmin.ConcurrencyCap())

	assert.Equal(t, 1, PlanFree.Weight())
	assert.Equal(t, 2, PlanBasic.Weight())
	assert.Equal(t, 3, PlanPremium.Weight())
	assert.Equal(t, 5, PlanEnterprise.Weight())
	assert.Equal(t, 5, PlanAdmin.Weight())

	// Unknown tiers fall back to the most conservative cap.
	assert.Equal(t, 1, PlanTier("mystery").ConcurrencyCap())
}

func TestSessionStateTerminal(t *testing.T) {
	for _, s := range []SessionState{SessionCompleted, SessionFailed, SessionCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []SessionState{SessionIdle, SessionRunning, SessionPaused} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestRiskLevelFor(t *testing.T) {
	assert.Equal(t, RiskCritical, RiskLevelFor(0.95, true))
	assert.Equal(t, RiskHigh, RiskLevelFor(0.95, false))
	assert.Equal(t, RiskHigh, RiskLevelFor(0.86, true))
	assert.Equal(t, RiskMedium, RiskLevelFor(0.75, false))
	assert.Equal(t, RiskLow, RiskLevelFor(0.4, false))
}

func TestPercent(t *testing.T) {
	assert.Zero(t, SessionSnapshot{}.Percent())
	snap := SessionSnapshot{TotalSites: 8, SitesScanned: 2}
	assert.InDelta(t, 25.0, snap.Percent(), 1e-9)
}

func TestCodedErrorCarriesCode(t *testing.T) {
	err := NewCodedError(CodeTenantBlocked, "tenant %s is blocked", "T")
	assert.Equal(t, CodeTenantBlocked, CodeOf(err))
	assert.Contains(t, err.Error(), "tenant_blocked")

	wrapped := WrapCoded(CodeUnavailable, err)
	assert.Equal(t, CodeUnavailable, CodeOf(wrapped))

	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
}
