// Package abuse scores tenants on a continuously decaying abuse metric and
// walks them through the Clean/Warning/HighRisk/Blocked ladder. The engine
// is the only writer of tenant abuse fields; admission reads snapshots and
// tolerates sub-second staleness.
package abuse

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/copysentry/backend/internal/core"
)

// EventType names an observed abuse signal.
type EventType string

const (
	EventFakeOwnership     EventType = "fake-ownership"
	EventExcessiveRequests EventType = "excessive-requests"
	EventSpamKeywords      EventType = "spam-keyword-inflation"
	EventFalseTakedown     EventType = "repeat-false-takedown"
)

// Severity returns the score contribution of an event type.
func (e EventType) Severity() float64 {
	switch e {
	case EventFakeOwnership:
		return 0.7
	case EventExcessiveRequests:
		return 0.3
	case EventSpamKeywords:
		return 0.5
	case EventFalseTakedown:
		return 0.6
	default:
		return 0.3
	}
}

// Promotion thresholds: Clean < 0.25 <= Warning < 0.55 <= HighRisk < 0.80 <= Blocked.
const (
	warningAt  = 0.25
	highRiskAt = 0.55
	blockedAt  = 0.80
)

// Demotion hysteresis bands. Demotions step down one state at a time and
// require the minimum dwell since the last transition.
const (
	blockedReleaseBelow  = 0.60
	highRiskReleaseBelow = 0.45
	warningReleaseBelow  = 0.15
)

// Violation is one recorded abuse event.
type Violation struct {
	Type     EventType `json:"type"`
	Severity float64   `json:"severity"`
	At       time.Time `json:"at"`
}

// Snapshot is a read-only view of a tenant's abuse standing.
type Snapshot struct {
	TenantID    string
	Score       float64
	State       core.AbuseState
	LastEventAt time.Time
}

// Config tunes decay and admission demerits.
type Config struct {
	DecayTau        time.Duration // default 24h
	SweepInterval   time.Duration // default 15m
	MinDwell        time.Duration // default 1h
	HighRiskDemerit float64       // default 2000
	WarningDemerit  float64       // default 500
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DecayTau:        24 * time.Hour,
		SweepInterval:   15 * time.Minute,
		MinDwell:        time.Hour,
		HighRiskDemerit: 2000,
		WarningDemerit:  500,
	}
}

// TransitionHook observes state transitions (persistence, fabric events).
type TransitionHook func(tenantID string, from, to core.AbuseState, score float64)

type record struct {
	score        float64
	state        core.AbuseState
	lastEventAt  time.Time
	transitionAt time.Time
	history      []Violation
}

// Engine holds per-tenant abuse records under a single RWMutex; all score
// math happens inside the lock so scores never regress concurrently.
type Engine struct {
	mu      sync.RWMutex
	tenants map[string]*record

	cfg    Config
	clk    clock.Clock
	hook   TransitionHook
	stopCh chan struct{}
	logger *log.Logger
}

// NewEngine builds the engine. A nil clk uses wall time.
func NewEngine(cfg Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DecayTau <= 0 {
		cfg.DecayTau = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = time.Hour
	}
	return &Engine{
		tenants: make(map[string]*record),
		cfg:     cfg,
		clk:     clk,
		stopCh:  make(chan struct{}),
		logger:  log.New(log.Writer(), "[ABUSE] ", log.LstdFlags),
	}
}

// OnTransition registers the transition hook. Call before Start.
func (e *Engine) OnTransition(hook TransitionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

// Seed installs a tenant's persisted standing at startup.
func (e *Engine) Seed(tenantID string, score float64, state core.AbuseState, lastEventAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants[tenantID] = &record{
		score:        clamp01(score),
		state:        state,
		lastEventAt:  lastEventAt,
		transitionAt: lastEventAt,
	}
}

// RecordEvent applies score <- clamp(score*decay(dt) + severity, 0, 1) and
// promotes the tenant to the band its new score lands in.
func (e *Engine) RecordEvent(_ context.Context, tenantID string, evType EventType) Snapshot {
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.record(tenantID)
	e.decayLocked(rec, now)

	sev := evType.Severity()
	rec.score = clamp01(rec.score + sev)
	rec.lastEventAt = now
	rec.history = append(rec.history, Violation{Type: evType, Severity: sev, At: now})

	if target := bandFor(rec.score); rank(target) > rank(rec.state) {
		e.transitionLocked(tenantID, rec, target, now)
	}

	e.logger.Printf("event tenant=%s type=%s severity=%.2f score=%.3f state=%s",
		tenantID, evType, sev, rec.score, rec.state)

	return Snapshot{TenantID: tenantID, Score: rec.score, State: rec.state, LastEventAt: rec.lastEventAt}
}

// Snapshot returns the tenant's standing with decay applied for reads but
// not persisted; tenants never seen are Clean.
func (e *Engine) Snapshot(tenantID string) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.tenants[tenantID]
	if !ok {
		return Snapshot{TenantID: tenantID, State: core.AbuseClean}
	}
	score := rec.score * e.decayFactor(e.clk.Now().Sub(rec.lastEventAt))
	return Snapshot{TenantID: tenantID, Score: score, State: rec.state, LastEventAt: rec.lastEventAt}
}

// Blocked reports whether admission must refuse the tenant.
func (e *Engine) Blocked(tenantID string) bool {
	return e.Snapshot(tenantID).State == core.AbuseBlocked
}

// Demerit returns the priority demerit admission applies for the tenant's
// current abuse state.
func (e *Engine) Demerit(tenantID string) float64 {
	switch e.Snapshot(tenantID).State {
	case core.AbuseHighRisk:
		return e.cfg.HighRiskDemerit
	case core.AbuseWarning:
		return e.cfg.WarningDemerit
	default:
		return 0
	}
}

// History returns a copy of a tenant's recorded events.
func (e *Engine) History(tenantID string) []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.tenants[tenantID]
	if !ok {
		return nil
	}
	out := make([]Violation, len(rec.history))
	copy(out, rec.history)
	return out
}

// Start launches the periodic decay sweep. Stop with Stop.
func (e *Engine) Start() {
	go e.run()
}

// Stop terminates the sweep loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) run() {
	ticker := e.clk.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Printf("decay sweep started (interval=%s tau=%s)", e.cfg.SweepInterval, e.cfg.DecayTau)
	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-e.stopCh:
			e.logger.Println("decay sweep stopped")
			return
		}
	}
}

// Sweep recomputes scores of tenants whose last event is older than the
// sweep interval and applies demotions. Exported for tests and manual runs.
func (e *Engine) Sweep() {
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, rec := range e.tenants {
		if now.Sub(rec.lastEventAt) < e.cfg.SweepInterval {
			continue
		}
		e.decayLocked(rec, now)
		e.maybeDemoteLocked(id, rec, now)
	}
}

// record returns or creates the tenant record. Caller holds e.mu.
func (e *Engine) record(tenantID string) *record {
	rec, ok := e.tenants[tenantID]
	if !ok {
		rec = &record{state: core.AbuseClean}
		e.tenants[tenantID] = rec
	}
	return rec
}

func (e *Engine) decayFactor(dt time.Duration) float64 {
	if dt <= 0 {
		return 1
	}
	return math.Exp(-dt.Seconds() / e.cfg.DecayTau.Seconds())
}

// decayLocked folds elapsed decay into the stored score and advances the
// accounting timestamp, so the same interval is never decayed twice.
// Caller holds e.mu.
func (e *Engine) decayLocked(rec *record, now time.Time) {
	if !rec.lastEventAt.IsZero() {
		rec.score = clamp01(rec.score * e.decayFactor(now.Sub(rec.lastEventAt)))
	}
	rec.lastEventAt = now
}

// maybeDemoteLocked steps the tenant down one state when the score has
// fallen below the release band and the dwell time has elapsed. One step
// per sweep keeps demotions gradual.
func (e *Engine) maybeDemoteLocked(tenantID string, rec *record, now time.Time) {
	if now.Sub(rec.transitionAt) < e.cfg.MinDwell {
		return
	}
	var next core.AbuseState
	switch rec.state {
	case core.AbuseBlocked:
		if rec.score >= blockedReleaseBelow {
			return
		}
		next = core.AbuseHighRisk
	case core.AbuseHighRisk:
		if rec.score >= highRiskReleaseBelow {
			return
		}
		next = core.AbuseWarning
	case core.AbuseWarning:
		if rec.score >= warningReleaseBelow {
			return
		}
		next = core.AbuseClean
	default:
		return
	}
	e.transitionLocked(tenantID, rec, next, now)
}

func (e *Engine) transitionLocked(tenantID string, rec *record, to core.AbuseState, now time.Time) {
	from := rec.state
	rec.state = to
	rec.transitionAt = now
	e.logger.Printf("transition tenant=%s %s -> %s score=%.3f", tenantID, from, to, rec.score)
	if e.hook != nil {
		score := rec.score
		go e.hook(tenantID, from, to, score)
	}
}

func bandFor(score float64) core.AbuseState {
	switch {
	case score >= blockedAt:
		return core.AbuseBlocked
	case score >= highRiskAt:
		return core.AbuseHighRisk
	case score >= warningAt:
		return core.AbuseWarning
	default:
		return core.AbuseClean
	}
}

func rank(s core.AbuseState) int {
	switch s {
	case core.AbuseWarning:
		return 1
	case core.AbuseHighRisk:
		return 2
	case core.AbuseBlocked:
		return 3
	default:
		return 0
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
