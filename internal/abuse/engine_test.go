package abuse

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/backend/internal/core"
)

func newTestEngine() (*Engine, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	return NewEngine(DefaultConfig(), clk), clk
}

func TestSeverities(t *testing.T) {
	assert.Equal(t, 0.7, EventFakeOwnership.Severity())
	assert.Equal(t, 0.3, EventExcessiveRequests.Severity())
	assert.Equal(t, 0.5, EventSpamKeywords.Severity())
	assert.Equal(t, 0.6, EventFalseTakedown.Severity())
}

func TestScoreAccumulatesAndClamps(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	snap := e.RecordEvent(ctx, "T", EventFakeOwnership) // 0.7
	assert.InDelta(t, 0.7, snap.Score, 1e-9)
	assert.Equal(t, core.AbuseHighRisk, snap.State)

	// 0.7 + 0.5 clamps at 1.0 and lands in the Blocked band.
	snap = e.RecordEvent(ctx, "T", EventSpamKeywords)
	assert.InDelta(t, 1.0, snap.Score, 1e-9)
	assert.Equal(t, core.AbuseBlocked, snap.State)
	assert.True(t, e.Blocked("T"))
}

func TestSingleEventCannotSkipBands(t *testing.T) {
	e, _ := newTestEngine()

	// 0.3 lands in Warning, never beyond.
	snap := e.RecordEvent(context.Background(), "T", EventExcessiveRequests)
	assert.Equal(t, core.AbuseWarning, snap.State)
}

func TestDecayOverTwentyFourHours(t *testing.T) {
	e, clk := newTestEngine()
	ctx := context.Background()

	e.RecordEvent(ctx, "T", EventFakeOwnership)
	e.RecordEvent(ctx, "T", EventSpamKeywords) // score 1.0, Blocked

	// After tau (24h), score = 1.0 * e^-1 ~ 0.37.
	clk.Add(24 * time.Hour)
	snap := e.Snapshot("T")
	assert.InDelta(t, math.Exp(-1), snap.Score, 0.01)
	// State does not move on reads.
	assert.Equal(t, core.AbuseBlocked, snap.State)

	// The sweep applies the decayed score: 0.37 < 0.60 releases Blocked,
	// one step down to HighRisk (dwell long since satisfied).
	e.Sweep()
	snap = e.Snapshot("T")
	assert.Equal(t, core.AbuseHighRisk, snap.State)

	// Still carries a demerit and is admissible again.
	assert.False(t, e.Blocked("T"))
	assert.Equal(t, DefaultConfig().HighRiskDemerit, e.Demerit("T"))
}

func TestDemotionRequiresDwell(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewMock()
	e := NewEngine(cfg, clk)

	e.RecordEvent(context.Background(), "T", EventExcessiveRequests) // Warning at 0.3

	// One sweep interval in, the score is still above the release band and
	// the dwell has not elapsed: no demotion.
	clk.Add(cfg.SweepInterval)
	e.Sweep()
	assert.Equal(t, core.AbuseWarning, e.Snapshot("T").State)

	// Past the dwell and with the score near zero the demotion applies.
	clk.Add(48 * time.Hour)
	e.Sweep()
	assert.Equal(t, core.AbuseClean, e.Snapshot("T").State)
}

func TestDemotionsAreSingleStep(t *testing.T) {
	e, clk := newTestEngine()
	e.RecordEvent(context.Background(), "T", EventFakeOwnership)
	e.RecordEvent(context.Background(), "T", EventSpamKeywords) // Blocked

	// A week of silence decays the score to ~0; each sweep still only
	// steps down one state.
	clk.Add(7 * 24 * time.Hour)
	e.Sweep()
	assert.Equal(t, core.AbuseHighRisk, e.Snapshot("T").State)
	clk.Add(2 * time.Hour)
	e.Sweep()
	assert.Equal(t, core.AbuseWarning, e.Snapshot("T").State)
	clk.Add(2 * time.Hour)
	e.Sweep()
	assert.Equal(t, core.AbuseClean, e.Snapshot("T").State)
}

func TestTransitionHookFires(t *testing.T) {
	e, _ := newTestEngine()

	type transition struct {
		from, to core.AbuseState
	}
	got := make(chan transition, 1)
	e.OnTransition(func(_ string, from, to core.AbuseState, _ float64) {
		got <- transition{from, to}
	})

	e.RecordEvent(context.Background(), "T", EventFalseTakedown) // 0.6 -> HighRisk

	select {
	case tr := <-got:
		assert.Equal(t, core.AbuseClean, tr.from)
		assert.Equal(t, core.AbuseHighRisk, tr.to)
	case <-time.After(time.Second):
		t.Fatal("transition hook never fired")
	}
}

func TestSeedRestoresStanding(t *testing.T) {
	e, clk := newTestEngine()
	e.Seed("T", 0.9, core.AbuseBlocked, clk.Now())

	require.True(t, e.Blocked("T"))
	assert.InDelta(t, 0.9, e.Snapshot("T").Score, 1e-9)
}

func TestSeededStandingSurvivesRestart(t *testing.T) {
	e1, clk := newTestEngine()
	ctx := context.Background()

	e1.RecordEvent(ctx, "T", EventFakeOwnership)
	snap := e1.RecordEvent(ctx, "T", EventSpamKeywords)
	require.Equal(t, core.AbuseBlocked, snap.State)

	// A fresh engine seeded from the persisted snapshot keeps the tenant
	// blocked and keeps decaying from the persisted instant.
	e2 := NewEngine(DefaultConfig(), clk)
	e2.Seed("T", snap.Score, snap.State, snap.LastEventAt)
	assert.True(t, e2.Blocked("T"))

	clk.Add(24 * time.Hour)
	assert.InDelta(t, snap.Score*math.Exp(-1), e2.Snapshot("T").Score, 0.01)
}

func TestUnknownTenantIsClean(t *testing.T) {
	e, _ := newTestEngine()
	snap := e.Snapshot("nobody")
	assert.Equal(t, core.AbuseClean, snap.State)
	assert.Zero(t, snap.Score)
	assert.Zero(t, e.Demerit("nobody"))
}
