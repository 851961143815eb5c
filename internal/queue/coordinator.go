// Package queue is the admission coordinator: the single arbiter of which
// scan requests run now and which wait. A lone goroutine consumes a command
// channel, so enqueue, cancel and completion observe a total order. Waiters
// sit in a priority heap; the in-memory picture is mirrored to the
// key-value store on every transition so a restart can rebuild the line.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
	"github.com/copysentry/backend/internal/kv"
)

// Status of an Enqueue decision.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusQueued     Status = "queued"
)

// mirrorKey is where the waiter line is checkpointed in the KV store.
const mirrorKey = "queue:mirror"

// EnqueueResult is the immediate admission decision.
type EnqueueResult struct {
	Status           Status    `json:"status"`
	QueueID          string    `json:"queue_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Position         int       `json:"position,omitempty"`
	EstimatedStartAt time.Time `json:"estimated_start_at,omitempty"`
}

// TenantStatus is the per-tenant snapshot served by StatusFor.
type TenantStatus struct {
	Active          int   `json:"active"`
	Queued          int   `json:"queued"`
	Position        int   `json:"position,omitempty"`
	EstimatedWaitMs int64 `json:"estimated_wait_ms,omitempty"`
}

// Stats are the global queue counters.
type Stats struct {
	GlobalLimit   int     `json:"global_limit"`
	Running       int     `json:"running"`
	Waiting       int     `json:"waiting"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AdmittedTotal int64   `json:"admitted_total"`
	AvgWaitMs     int64   `json:"avg_wait_ms"`
	Utilization   float64 `json:"utilization"`
}

// TenantSource resolves tenants at admission time.
type TenantSource interface {
	Get(ctx context.Context, tenantID string) (*core.Tenant, error)
}

// ActiveChecker answers whether a (tenant, brand) pair already has a live
// session in durable storage. Backstops the in-memory pair table across
// restarts.
type ActiveChecker interface {
	ActiveForPair(ctx context.Context, tenantID, brandID string) (bool, error)
}

// AbuseGate is the admission-time view of tenant standing.
type AbuseGate interface {
	Blocked(tenantID string) bool
	Demerit(tenantID string) float64
}

// Starter launches an admitted request and returns its session id.
type Starter func(req core.ScanRequest, queueID string) (string, error)

// Canceller stops a running session. Installed by the agent manager.
type Canceller func(sessionID string) bool

// Config bounds the coordinator.
type Config struct {
	GlobalLimit  int
	DedupeWindow time.Duration
	EWMASamples  int
}

// Coordinator is the admission arbiter. All mutable state below cmds is
// owned by the run loop.
type Coordinator struct {
	cfg     Config
	tenants TenantSource
	active  ActiveChecker
	abuse   AbuseGate
	kv      kv.Client
	bus     *fabric.Broker
	start   Starter
	cancel  Canceller
	clk     clock.Clock
	logger  *log.Logger

	cmds   chan func()
	stopCh chan struct{}
	done   chan struct{}

	waiters   waiterHeap
	running   map[string]*entry  // queueID -> admitted entry
	bySession map[string]string  // sessionID -> queueID
	byPair    map[string]string  // tenant|brand -> queueID (queued or running)
	recent    map[string]dedupe  // tenant|brand|optionsHash -> prior decision
	perTenant map[string]int     // running count per tenant

	seq            uint64
	completed      int
	failed         int
	admittedTotal  int64
	avgWaitMs      float64
	durationByTier map[core.PlanTier]float64 // EWMA scan wall-clock, ms
}

type dedupe struct {
	queueID string
	at      time.Time
}

// New builds a coordinator. Start must be called before use.
func New(cfg Config, tenants TenantSource, active ActiveChecker, abuse AbuseGate, kvc kv.Client, bus *fabric.Broker, start Starter, clk clock.Clock) *Coordinator {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 50
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 30 * time.Second
	}
	if cfg.EWMASamples <= 0 {
		cfg.EWMASamples = 20
	}
	return &Coordinator{
		cfg:            cfg,
		tenants:        tenants,
		active:         active,
		abuse:          abuse,
		kv:             kvc,
		bus:            bus,
		start:          start,
		clk:            clk,
		logger:         log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		cmds:           make(chan func(), 64),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		running:        make(map[string]*entry),
		bySession:      make(map[string]string),
		byPair:         make(map[string]string),
		recent:         make(map[string]dedupe),
		perTenant:      make(map[string]int),
		durationByTier: make(map[core.PlanTier]float64),
	}
}

// OnCancelRunning installs the hook used to stop admitted sessions.
func (c *Coordinator) OnCancelRunning(fn Canceller) { c.cancel = fn }

// Start launches the command loop.
func (c *Coordinator) Start() { go c.run() }

// Stop drains the loop. Pending waiters stay mirrored in the KV store.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// exec runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) exec(fn func()) {
	doneCh := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(doneCh) }:
		<-doneCh
	case <-c.stopCh:
	}
}

// Enqueue decides immediately: admit or wait. Rejections carry stable codes
// (tenant_blocked, duplicate_active, invalid_options). Within the dedupe
// window, a byte-identical resubmission returns the original decision.
func (c *Coordinator) Enqueue(ctx context.Context, req core.ScanRequest) (*EnqueueResult, error) {
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	if c.abuse.Blocked(req.TenantID) {
		return nil, core.NewCodedError(core.CodeTenantBlocked, "tenant %s is blocked", req.TenantID)
	}
	tenant, err := c.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	// Durable duplicate check happens before entering the loop; the loop
	// itself only touches memory. A pair the store calls active but this
	// process is not tracking is an orphan row from a previous run, not a
	// live duplicate; startup reconciliation fails those rows, so the
	// admission decision here rests on the in-memory pair table.
	if busy, err := c.active.ActiveForPair(ctx, req.TenantID, req.BrandProfileID); err != nil {
		return nil, err
	} else if busy {
		if _, ok := c.pairEntry(req.TenantID, req.BrandProfileID); !ok {
			c.logger.Printf("stale active session row for %s|%s, proceeding",
				req.TenantID, req.BrandProfileID)
		}
	}

	optionsHash, err := hashstructure.Hash(req.Options, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, core.WrapCoded(core.CodeInternal, err)
	}
	dedupeKey := fmt.Sprintf("%s|%s|%d", req.TenantID, req.BrandProfileID, optionsHash)

	var res *EnqueueResult
	var cerr error
	c.exec(func() {
		res, cerr = c.admit(req, tenant.Plan, dedupeKey)
	})
	if cerr != nil {
		return nil, cerr
	}
	if res == nil {
		return nil, core.NewCodedError(core.CodeUnavailable, "coordinator stopped")
	}
	return res, nil
}

// admit runs on the loop goroutine.
func (c *Coordinator) admit(req core.ScanRequest, plan core.PlanTier, dedupeKey string) (*EnqueueResult, error) {
	now := c.clk.Now()

	if prior, ok := c.recent[dedupeKey]; ok && now.Sub(prior.at) <= c.cfg.DedupeWindow {
		return c.describe(prior.queueID), nil
	}

	pair := req.TenantID + "|" + req.BrandProfileID
	if _, busy := c.byPair[pair]; busy {
		return nil, core.NewCodedError(core.CodeDuplicateActive,
			"scan already active for brand %s", req.BrandProfileID)
	}

	c.seq++
	e := &entry{
		QueueID:    uuid.NewString(),
		Request:    req,
		Plan:       plan,
		Rank:       rankFor(plan, now, c.abuse.Demerit(req.TenantID)),
		EnqueuedAt: now,
		seq:        c.seq,
	}
	c.byPair[pair] = e.QueueID
	c.recent[dedupeKey] = dedupe{queueID: e.QueueID, at: now}
	c.pruneRecent(now)

	if c.hasSlot(e) {
		if err := c.launch(e); err != nil {
			delete(c.byPair, pair)
			delete(c.recent, dedupeKey)
			return nil, err
		}
		c.mirror()
		c.broadcast()
		return &EnqueueResult{Status: StatusProcessing, QueueID: e.QueueID, SessionID: e.SessionID}, nil
	}

	c.waiters.push(e)
	c.mirror()
	c.broadcast()
	pos := c.position(e)
	return &EnqueueResult{
		Status:           StatusQueued,
		QueueID:          e.QueueID,
		Position:         pos,
		EstimatedStartAt: now.Add(c.estimateWait(plan, pos)),
	}, nil
}

// describe rebuilds the original decision for an idempotent resubmission.
func (c *Coordinator) describe(queueID string) *EnqueueResult {
	if e, ok := c.running[queueID]; ok {
		return &EnqueueResult{Status: StatusProcessing, QueueID: queueID, SessionID: e.SessionID}
	}
	for _, e := range c.waiters {
		if e.QueueID == queueID {
			pos := c.position(e)
			return &EnqueueResult{
				Status:           StatusQueued,
				QueueID:          queueID,
				Position:         pos,
				EstimatedStartAt: c.clk.Now().Add(c.estimateWait(e.Plan, pos)),
			}
		}
	}
	return &EnqueueResult{Status: StatusProcessing, QueueID: queueID}
}

// hasSlot reports whether e can run right now under both caps.
func (c *Coordinator) hasSlot(e *entry) bool {
	if len(c.running) >= c.cfg.GlobalLimit {
		return false
	}
	limit := e.Plan.ConcurrencyCap()
	return limit < 0 || c.perTenant[e.Request.TenantID] < limit
}

// launch hands an entry to the agent runtime and books the slot.
func (c *Coordinator) launch(e *entry) error {
	sessionID, err := c.start(e.Request, e.QueueID)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	e.SessionID = sessionID
	e.StartedAt = now
	c.running[e.QueueID] = e
	c.bySession[sessionID] = e.QueueID
	c.perTenant[e.Request.TenantID]++
	c.admittedTotal++

	waited := float64(now.Sub(e.EnqueuedAt).Milliseconds())
	alpha := 2.0 / (float64(c.cfg.EWMASamples) + 1)
	c.avgWaitMs = c.avgWaitMs*(1-alpha) + waited*alpha
	return nil
}

// Complete releases the slot held by sessionID and promotes waiters.
func (c *Coordinator) Complete(sessionID string, failed bool) {
	c.exec(func() {
		queueID, ok := c.bySession[sessionID]
		if !ok {
			return
		}
		e := c.running[queueID]
		delete(c.running, queueID)
		delete(c.bySession, sessionID)
		delete(c.byPair, e.Request.TenantID+"|"+e.Request.BrandProfileID)
		c.perTenant[e.Request.TenantID]--
		if c.perTenant[e.Request.TenantID] <= 0 {
			delete(c.perTenant, e.Request.TenantID)
		}
		if failed {
			c.failed++
		} else {
			c.completed++
		}
		if !e.StartedAt.IsZero() {
			elapsed := float64(c.clk.Now().Sub(e.StartedAt).Milliseconds())
			alpha := 2.0 / (float64(c.cfg.EWMASamples) + 1)
			prev, seen := c.durationByTier[e.Plan]
			if !seen {
				prev = elapsed
			}
			c.durationByTier[e.Plan] = prev*(1-alpha) + elapsed*alpha
		}
		c.admitWaiters()
		c.mirror()
		c.broadcast()
	})
}

// admitWaiters drains eligible waiters into free slots.
func (c *Coordinator) admitWaiters() {
	for len(c.running) < c.cfg.GlobalLimit {
		e := c.waiters.popEligible(func(e *entry) bool {
			return c.hasSlot(e) && !c.abuse.Blocked(e.Request.TenantID)
		})
		if e == nil {
			return
		}
		if err := c.launch(e); err != nil {
			c.logger.Printf("launch %s failed: %v", e.QueueID, err)
			delete(c.byPair, e.Request.TenantID+"|"+e.Request.BrandProfileID)
			c.failed++
		}
	}
}

// Cancel removes a queued entry or stops the running session it became.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, queueID string) bool {
	var found bool
	var sessionID string
	c.exec(func() {
		for _, e := range c.waiters {
			if e.QueueID == queueID && e.Request.TenantID == tenantID {
				c.waiters.remove(e)
				delete(c.byPair, e.Request.TenantID+"|"+e.Request.BrandProfileID)
				found = true
				c.mirror()
				c.broadcast()
				return
			}
		}
		if e, ok := c.running[queueID]; ok && e.Request.TenantID == tenantID {
			sessionID = e.SessionID
		}
	})
	if found {
		return true
	}
	if sessionID != "" && c.cancel != nil {
		return c.cancel(sessionID)
	}
	return false
}

// StatusFor snapshots a tenant's position in the system.
func (c *Coordinator) StatusFor(ctx context.Context, tenantID string) TenantStatus {
	var st TenantStatus
	c.exec(func() {
		st.Active = c.perTenant[tenantID]
		best := 0
		var bestPlan core.PlanTier
		for _, e := range c.waiters {
			if e.Request.TenantID != tenantID {
				continue
			}
			st.Queued++
			if pos := c.position(e); best == 0 || pos < best {
				best = pos
				bestPlan = e.Plan
			}
		}
		if best > 0 {
			st.Position = best
			st.EstimatedWaitMs = c.estimateWait(bestPlan, best).Milliseconds()
		}
	})
	return st
}

// GlobalStats snapshots the global counters.
func (c *Coordinator) GlobalStats(ctx context.Context) Stats {
	var st Stats
	c.exec(func() { st = c.statsLocked() })
	return st
}

func (c *Coordinator) statsLocked() Stats {
	return Stats{
		GlobalLimit:   c.cfg.GlobalLimit,
		Running:       len(c.running),
		Waiting:       c.waiters.Len(),
		Completed:     c.completed,
		Failed:        c.failed,
		AdmittedTotal: c.admittedTotal,
		AvgWaitMs:     int64(c.avgWaitMs),
		Utilization:   float64(len(c.running)) / float64(c.cfg.GlobalLimit),
	}
}

// position is 1-based among waiters, best rank first.
func (c *Coordinator) position(target *entry) int {
	pos := 1
	for _, e := range c.waiters {
		if e == target {
			continue
		}
		if e.Rank > target.Rank || (e.Rank == target.Rank && e.seq < target.seq) {
			pos++
		}
	}
	return pos
}

// estimateWait projects time-to-admission from the per-tier duration EWMA.
func (c *Coordinator) estimateWait(plan core.PlanTier, position int) time.Duration {
	avg, ok := c.durationByTier[plan]
	if !ok {
		avg = 30_000 // no samples yet; assume the default scan timeout
	}
	parallelism := c.cfg.GlobalLimit
	if parallelism < 1 {
		parallelism = 1
	}
	waitMs := avg * float64(position) / float64(parallelism)
	return time.Duration(waitMs) * time.Millisecond
}

func (c *Coordinator) pruneRecent(now time.Time) {
	for k, d := range c.recent {
		if now.Sub(d.at) > c.cfg.DedupeWindow {
			delete(c.recent, k)
		}
	}
}

func (c *Coordinator) pairEntry(tenantID, brandID string) (string, bool) {
	var id string
	var ok bool
	c.exec(func() { id, ok = c.byPair[tenantID+"|"+brandID] })
	return id, ok
}

// broadcast pushes the queue counters onto the monitoring fabric.
func (c *Coordinator) broadcast() {
	if c.bus == nil {
		return
	}
	st := c.statsLocked()
	c.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomBroadcast, fabric.EventQueueUpdate,
		fabric.QueueUpdatePayload{
			Pending:    st.Waiting,
			Processing: st.Running,
			Completed:  st.Completed,
			Failed:     st.Failed,
		})
	c.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomBroadcast, fabric.EventQueueStats,
		fabric.QueueStatsPayload{
			GlobalLimit:   st.GlobalLimit,
			Running:       st.Running,
			Waiting:       st.Waiting,
			AvgWaitMs:     st.AvgWaitMs,
			AdmittedTotal: st.AdmittedTotal,
			Utilization:   st.Utilization,
		})
}

// mirrorState is the KV checkpoint of the waiter line.
type mirrorState struct {
	Waiters []*entry `json:"waiters"`
}

// mirror checkpoints waiters to the KV store. Mirror failures are logged,
// never fatal; the KV store is a recovery aid, not the source of truth.
func (c *Coordinator) mirror() {
	if c.kv == nil {
		return
	}
	snapshot := make([]*entry, len(c.waiters))
	copy(snapshot, c.waiters)
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	raw, err := json.Marshal(mirrorState{Waiters: snapshot})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.kv.Set(ctx, mirrorKey, string(raw), 0); err != nil {
		c.logger.Printf("queue mirror write failed: %v", err)
	}
}

// Recover rebuilds the waiter line from the KV mirror after a restart.
// Entries keep their original enqueue timestamps, so accumulated age
// survives the restart.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	raw, err := c.kv.Get(ctx, mirrorKey)
	if err == kv.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var st mirrorState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return fmt.Errorf("decode queue mirror: %w", err)
	}
	c.exec(func() {
		for _, e := range st.Waiters {
			c.seq++
			e.seq = c.seq
			c.waiters.push(e)
			c.byPair[e.Request.TenantID+"|"+e.Request.BrandProfileID] = e.QueueID
		}
		c.admitWaiters()
		c.mirror()
		c.broadcast()
	})
	c.logger.Printf("recovered %d queued scan(s) from mirror", len(st.Waiters))
	return nil
}
