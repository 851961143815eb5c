package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/backend/internal/core"
)

func namedSites(sites []*core.KnownSite) []string {
	out := make([]string, len(sites))
	for i, s := range sites {
		out[i] = s.ID
	}
	return out
}

func TestOrderSitesRevisitChasesRisk(t *testing.T) {
	old := time.Now().Add(-72 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	sites := []*core.KnownSite{
		{ID: "low", RiskScore: 0.1, LastChecked: recent},
		{ID: "high", RiskScore: 0.9, LastChecked: recent},
		{ID: "mid-old", RiskScore: 0.5, LastChecked: old},
		{ID: "mid-recent", RiskScore: 0.5, LastChecked: recent},
	}

	ordered := orderSites(sites, core.AgentRevisit)
	assert.Equal(t, []string{"high", "mid-old", "mid-recent", "low"}, namedSites(ordered))
	// The input order is untouched.
	assert.Equal(t, "low", sites[0].ID)
}

func TestOrderSitesDiscoveryPrefersNeverChecked(t *testing.T) {
	sites := []*core.KnownSite{
		{ID: "risky-known", RiskScore: 0.9, LastChecked: time.Now()},
		{ID: "fresh", RiskScore: 0.0},
		{ID: "fresh-risky", RiskScore: 0.4},
	}

	ordered := orderSites(sites, core.AgentDiscovery)
	assert.Equal(t, []string{"fresh-risky", "fresh", "risky-known"}, namedSites(ordered))
}

func TestHostGateSpacesFetches(t *testing.T) {
	gates := newHostGates()
	ctx := context.Background()

	gate := gates.gateFor("https://example.com/a")
	require.NoError(t, gate.acquire(ctx))
	gate.release(80 * time.Millisecond)

	// The same host waits out the delay.
	start := time.Now()
	same := gates.gateFor("https://example.com/b")
	require.Same(t, gate, same)
	require.NoError(t, same.acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	same.release(0)

	// A different host is gated independently.
	start = time.Now()
	other := gates.gateFor("https://other.example/")
	require.NoError(t, other.acquire(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	other.release(0)
}

func TestHostGateAcquireHonorsCancellation(t *testing.T) {
	gates := newHostGates()
	gate := gates.gateFor("https://example.com/")

	require.NoError(t, gate.acquire(context.Background()))
	gate.release(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := gate.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
