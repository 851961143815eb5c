// Package agent is the scan runtime: it executes admitted scan requests,
// produces violation records and streams lifecycle events to the progress
// fabric. Each session's counters are owned by a single goroutine; workers
// submit mutations through a channel, so counters only move forward.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
)

// SessionSink persists session snapshots. Implemented by store.SessionRepo.
type SessionSink interface {
	Create(ctx context.Context, snap core.SessionSnapshot) error
	Save(ctx context.Context, snap core.SessionSnapshot) error
}

// Session tracks one admitted scan. The owner goroutine started by newSession
// is the only writer of snap; everyone else reads copies via Snapshot.
type Session struct {
	id      string
	req     core.ScanRequest
	queueID string

	mut    chan func(*core.SessionSnapshot)
	closed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	pauseMu sync.Mutex
	resumed chan struct{} // closed while running; replaced when paused

	sink SessionSink
	bus  *fabric.Broker

	// per-site wall clock EWMA, drives estimatedCompletion
	siteMs float64
}

func newSession(id string, req core.ScanRequest, queueID string, totalSites int, sink SessionSink, bus *fabric.Broker) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	resumed := make(chan struct{})
	close(resumed)

	s := &Session{
		id:      id,
		req:     req,
		queueID: queueID,
		mut:     make(chan func(*core.SessionSnapshot), 32),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		resumed: resumed,
		sink:    sink,
		bus:     bus,
	}

	snap := core.SessionSnapshot{
		ID:             id,
		TenantID:       req.TenantID,
		BrandProfileID: req.BrandProfileID,
		State:          core.SessionIdle,
		TotalSites:     totalSites,
	}
	go s.own(snap)
	return s
}

// own applies mutations in arrival order, persists the snapshot and emits
// progress. Runs until the mutation channel closes.
func (s *Session) own(snap core.SessionSnapshot) {
	defer close(s.closed)
	for fn := range s.mut {
		before := snap.State
		fn(&snap)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.sink.Save(ctx, snap)
		cancel()

		if s.bus != nil {
			if snap.State != before {
				s.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomSession(s.id),
					fabric.EventSessionState, fabric.SessionStatePayload{
						SessionID: s.id,
						State:     string(snap.State),
						Code:      terminalCode(snap),
					})
			}
			s.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomSession(s.id),
				fabric.EventSessionProgress, fabric.SessionProgressPayload{
					SessionID:       s.id,
					SitesScanned:    snap.SitesScanned,
					TotalSites:      snap.TotalSites,
					ViolationsFound: snap.ViolationsFound,
					CurrentSite:     snap.CurrentSite,
					Percent:         snap.Percent(),
				})
		}
	}
}

func terminalCode(snap core.SessionSnapshot) string {
	if snap.State == core.SessionFailed || snap.State == core.SessionCancelled {
		return snap.LastError
	}
	return ""
}

// apply submits a mutation to the owner goroutine and waits for it.
func (s *Session) apply(fn func(*core.SessionSnapshot)) {
	done := make(chan struct{})
	select {
	case s.mut <- func(snap *core.SessionSnapshot) { fn(snap); close(done) }:
		<-done
	case <-s.closed:
	}
}

// Snapshot returns a copy of the current counters.
func (s *Session) Snapshot() core.SessionSnapshot {
	var out core.SessionSnapshot
	s.apply(func(snap *core.SessionSnapshot) { out = *snap })
	return out
}

// transition moves the lifecycle forward. Terminal states are write-once;
// a transition against a terminal snapshot is ignored.
func (s *Session) transition(to core.SessionState, reason string) {
	s.apply(func(snap *core.SessionSnapshot) {
		if snap.State.Terminal() {
			return
		}
		snap.State = to
		switch {
		case to == core.SessionRunning && snap.StartedAt.IsZero():
			snap.StartedAt = time.Now()
		case to.Terminal():
			snap.CompletedAt = time.Now()
			snap.CurrentSite = ""
			if reason != "" {
				snap.LastError = reason
			}
		}
	})
}

// Pause suspends workers before their next site. No-op unless Running.
func (s *Session) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.resumed:
		s.resumed = make(chan struct{})
	default:
		return // already paused
	}
	s.apply(func(snap *core.SessionSnapshot) {
		if snap.State == core.SessionRunning {
			snap.State = core.SessionPaused
		}
	})
}

// Resume releases paused workers.
func (s *Session) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.resumed:
		return // not paused
	default:
		close(s.resumed)
	}
	s.apply(func(snap *core.SessionSnapshot) {
		if snap.State == core.SessionPaused {
			snap.State = core.SessionRunning
		}
	})
}

// Cancel stops the session. Workers observe the context at their next
// suspension point.
func (s *Session) Cancel() {
	s.transition(core.SessionCancelled, string(core.CodeCancelled))
	s.cancel()
}

// waitIfPaused blocks while the session is paused.
func (s *Session) waitIfPaused(ctx context.Context) error {
	for {
		s.pauseMu.Lock()
		ch := s.resumed
		s.pauseMu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish closes the owner goroutine after the final transition is applied.
func (s *Session) finish() {
	close(s.mut)
	<-s.closed
	s.cancel()
}

// recordSite folds one completed site into the counters. violations and
// errored describe this site only; counters never decrease.
func (s *Session) recordSite(violations int, errored bool, errMsg string, elapsed time.Duration) {
	s.apply(func(snap *core.SessionSnapshot) {
		snap.SitesScanned++
		snap.ViolationsFound += violations
		if errored {
			snap.ErrorCount++
			snap.LastError = errMsg
		}

		const alpha = 0.3
		ms := float64(elapsed.Milliseconds())
		if s.siteMs == 0 {
			s.siteMs = ms
		} else {
			s.siteMs = s.siteMs*(1-alpha) + ms*alpha
		}
		remaining := snap.TotalSites - snap.SitesScanned
		if remaining > 0 && s.req.Options.MaxConcurrency > 0 {
			perSlot := s.siteMs * float64(remaining) / float64(s.req.Options.MaxConcurrency)
			snap.EstimatedCompletion = time.Now().Add(time.Duration(perSlot) * time.Millisecond)
		} else {
			snap.EstimatedCompletion = time.Time{}
		}
	})
}

// setCurrentSite publishes which site a worker is on.
func (s *Session) setCurrentSite(siteID string) {
	s.apply(func(snap *core.SessionSnapshot) {
		if !snap.State.Terminal() {
			snap.CurrentSite = siteID
		}
	})
}

// excessiveErrors applies the 20% failure cutoff.
func (s *Session) excessiveErrors() bool {
	var bad bool
	s.apply(func(snap *core.SessionSnapshot) {
		bad = snap.SitesScanned > 0 && float64(snap.ErrorCount) > 0.2*float64(snap.SitesScanned)
	})
	return bad
}
