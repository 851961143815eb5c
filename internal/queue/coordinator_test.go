package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/kv"
)

type fakeTenants struct {
	plans map[string]core.PlanTier
}

func (f *fakeTenants) Get(_ context.Context, tenantID string) (*core.Tenant, error) {
	plan, ok := f.plans[tenantID]
	if !ok {
		return nil, core.NewCodedError(core.CodeNotFound, "tenant %s not found", tenantID)
	}
	return &core.Tenant{ID: tenantID, Plan: plan}, nil
}

type fakeActive struct{}

func (fakeActive) ActiveForPair(context.Context, string, string) (bool, error) { return false, nil }

// staleActive reports every pair as active in durable storage, the way
// orphaned session rows look after a crash.
type staleActive struct{}

func (staleActive) ActiveForPair(context.Context, string, string) (bool, error) { return true, nil }

type fakeAbuse struct {
	blocked  map[string]bool
	demerits map[string]float64
}

func (f *fakeAbuse) Blocked(tenantID string) bool    { return f.blocked[tenantID] }
func (f *fakeAbuse) Demerit(tenantID string) float64 { return f.demerits[tenantID] }

// fakeStarter records launches and hands out sequential session ids.
type fakeStarter struct {
	mu       sync.Mutex
	launched []core.ScanRequest
	n        int
}

func (f *fakeStarter) start(req core.ScanRequest, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.launched = append(f.launched, req)
	return fmt.Sprintf("session-%d", f.n), nil
}

func validOptions() core.ScanOptions {
	return core.ScanOptions{
		RespectRobots:  true,
		MaxConcurrency: 3,
		Timeout:        30 * time.Second,
	}
}

func request(tenant, brand string) core.ScanRequest {
	return core.ScanRequest{
		TenantID:       tenant,
		BrandProfileID: brand,
		SiteIDs:        []string{"site-1"},
		Options:        validOptions(),
		Kind:           core.AgentRevisit,
	}
}

func newTestCoordinator(t *testing.T, plans map[string]core.PlanTier, globalLimit int) (*Coordinator, *fakeStarter, *clock.Mock) {
	t.Helper()
	mockKV, _, err := kv.NewMockClient()
	require.NoError(t, err)
	t.Cleanup(func() { mockKV.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	starter := &fakeStarter{}
	c := New(Config{GlobalLimit: globalLimit, DedupeWindow: 30 * time.Second, EWMASamples: 20},
		&fakeTenants{plans: plans}, fakeActive{},
		&fakeAbuse{blocked: map[string]bool{}, demerits: map[string]float64{}},
		mockKV, nil, starter.start, clk)
	c.Start()
	t.Cleanup(c.Stop)
	return c, starter, clk
}

func TestFairQueueingAcrossPlans(t *testing.T) {
	plans := map[string]core.PlanTier{
		"F1": core.PlanFree,    // cap 1
		"P1": core.PlanPremium, // cap 10
	}
	c, starter, clk := newTestCoordinator(t, plans, 50)
	ctx := context.Background()

	// F1's first scan is admitted immediately.
	res1, err := c.Enqueue(ctx, request("F1", "brand-a"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res1.Status)
	assert.NotEmpty(t, res1.SessionID)

	// F1's second scan hits the per-tenant cap and waits at position 1.
	clk.Add(time.Second)
	res2, err := c.Enqueue(ctx, request("F1", "brand-b"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res2.Status)
	assert.Equal(t, 1, res2.Position)

	// P1 is not affected by F1's cap.
	res3, err := c.Enqueue(ctx, request("P1", "brand-c"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res3.Status)

	// Completing F1's first scan admits F1's second.
	c.Complete(res1.SessionID, false)
	st := c.StatusFor(ctx, "F1")
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 0, st.Queued)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Len(t, starter.launched, 3)
	assert.Equal(t, "brand-b", starter.launched[2].BrandProfileID)
}

func TestDuplicateResubmissionIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[string]core.PlanTier{"T": core.PlanFree}, 50)
	ctx := context.Background()

	// Fill the tenant's single slot so the brand under test has to queue.
	first, err := c.Enqueue(ctx, request("T", "brand-base"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, first.Status)

	res1, err := c.Enqueue(ctx, request("T", "brand-x"))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res1.Status)

	// Same (tenant, brand, options) inside the dedupe window: same queueId,
	// no second entry.
	res2, err := c.Enqueue(ctx, request("T", "brand-x"))
	require.NoError(t, err)
	assert.Equal(t, res1.QueueID, res2.QueueID)

	st := c.StatusFor(ctx, "T")
	assert.Equal(t, 1, st.Queued)
}

func TestDuplicatePairWithDifferentOptionsConflicts(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[string]core.PlanTier{"T": core.PlanFree}, 50)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, request("T", "brand-x"))
	require.NoError(t, err)

	// Different options hash: not idempotent, rejected as a duplicate pair.
	other := request("T", "brand-x")
	other.Options.MaxConcurrency = 5
	_, err = c.Enqueue(ctx, other)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeDuplicateActive))
}

func TestBlockedTenantIsRefused(t *testing.T) {
	mockKV, _, err := kv.NewMockClient()
	require.NoError(t, err)
	defer mockKV.Close()

	clk := clock.NewMock()
	starter := &fakeStarter{}
	c := New(Config{GlobalLimit: 50},
		&fakeTenants{plans: map[string]core.PlanTier{"T": core.PlanBasic}}, fakeActive{},
		&fakeAbuse{blocked: map[string]bool{"T": true}, demerits: map[string]float64{}},
		mockKV, nil, starter.start, clk)
	c.Start()
	defer c.Stop()

	_, err = c.Enqueue(context.Background(), request("T", "brand-x"))
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeTenantBlocked))
}

func TestInvalidOptionsRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[string]core.PlanTier{"T": core.PlanBasic}, 50)

	req := request("T", "brand-x")
	req.Options.MaxConcurrency = 99
	_, err := c.Enqueue(context.Background(), req)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeInvalidOptions))
}

func TestGlobalCapHolds(t *testing.T) {
	plans := map[string]core.PlanTier{"E": core.PlanEnterprise} // cap 25
	c, _, _ := newTestCoordinator(t, plans, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.Enqueue(ctx, request("E", fmt.Sprintf("brand-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, res.Status)
	}
	res, err := c.Enqueue(ctx, request("E", "brand-over"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	stats := c.GlobalStats(ctx)
	assert.Equal(t, 3, stats.Running)
	assert.Equal(t, 1, stats.Waiting)
	assert.InDelta(t, 1.0, stats.Utilization, 1e-9)
}

func TestHigherPlanWaiterWinsTheFreedSlot(t *testing.T) {
	plans := map[string]core.PlanTier{
		"F": core.PlanFree,
		"P": core.PlanPremium,
	}
	c, starter, clk := newTestCoordinator(t, plans, 1)
	ctx := context.Background()

	first, err := c.Enqueue(ctx, request("F", "brand-running"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, first.Status)

	// Free waiter arrives before the premium waiter, but the premium plan
	// weight dominates the age difference.
	clk.Add(time.Second)
	_, err = c.Enqueue(ctx, request("F", "brand-free"))
	require.NoError(t, err)
	clk.Add(time.Second)
	_, err = c.Enqueue(ctx, request("P", "brand-premium"))
	require.NoError(t, err)

	c.Complete(first.SessionID, false)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	require.Len(t, starter.launched, 2)
	assert.Equal(t, "P", starter.launched[1].TenantID)
}

func TestCancelQueuedEntry(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[string]core.PlanTier{"F": core.PlanFree}, 50)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, request("F", "brand-a"))
	require.NoError(t, err)
	queued, err := c.Enqueue(ctx, request("F", "brand-b"))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, queued.Status)

	assert.True(t, c.Cancel(ctx, "F", queued.QueueID))
	assert.False(t, c.Cancel(ctx, "F", queued.QueueID), "second cancel finds nothing")

	// The pair is free again after cancellation.
	res, err := c.Enqueue(ctx, request("F", "brand-b2"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
}

func TestStaleStoreSessionDoesNotBlockPair(t *testing.T) {
	mockKV, _, err := kv.NewMockClient()
	require.NoError(t, err)
	defer mockKV.Close()

	clk := clock.NewMock()
	starter := &fakeStarter{}
	c := New(Config{GlobalLimit: 50},
		&fakeTenants{plans: map[string]core.PlanTier{"T": core.PlanBasic}}, staleActive{},
		&fakeAbuse{blocked: map[string]bool{}, demerits: map[string]float64{}},
		mockKV, nil, starter.start, clk)
	c.Start()
	defer c.Stop()

	// The store still carries a running row for the pair from a previous
	// process, but nothing in memory tracks it: the tenant can scan again.
	res, err := c.Enqueue(context.Background(), request("T", "brand-x"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)

	// A pair genuinely live in this process is still refused.
	other := request("T", "brand-x")
	other.Options.MaxConcurrency = 5
	_, err = c.Enqueue(context.Background(), other)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeDuplicateActive))
}

func TestRecoverRebuildsWaiters(t *testing.T) {
	mockKV, _, err := kv.NewMockClient()
	require.NoError(t, err)
	defer mockKV.Close()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	plans := map[string]core.PlanTier{"F": core.PlanFree}
	tenants := &fakeTenants{plans: plans}
	gate := &fakeAbuse{blocked: map[string]bool{}, demerits: map[string]float64{}}

	starter1 := &fakeStarter{}
	c1 := New(Config{GlobalLimit: 50}, tenants, fakeActive{}, gate, mockKV, nil, starter1.start, clk)
	c1.Start()

	ctx := context.Background()
	_, err = c1.Enqueue(ctx, request("F", "brand-a"))
	require.NoError(t, err)
	queued, err := c1.Enqueue(ctx, request("F", "brand-b"))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, queued.Status)
	c1.Stop()

	// A fresh coordinator over the same KV store picks the waiter back up
	// and, with the running slot gone, admits it.
	starter2 := &fakeStarter{}
	c2 := New(Config{GlobalLimit: 50}, tenants, fakeActive{}, gate, mockKV, nil, starter2.start, clk)
	c2.Start()
	defer c2.Stop()

	require.NoError(t, c2.Recover(ctx))
	starter2.mu.Lock()
	defer starter2.mu.Unlock()
	require.Len(t, starter2.launched, 1)
	assert.Equal(t, "brand-b", starter2.launched[0].BrandProfileID)
}
