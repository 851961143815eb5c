package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
)

// memSink records persisted snapshots in memory.
type memSink struct {
	mu      sync.Mutex
	created int
	saves   int
	last    core.SessionSnapshot
}

func (m *memSink) Create(_ context.Context, snap core.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	m.last = snap
	return nil
}

func (m *memSink) Save(_ context.Context, snap core.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = snap
	return nil
}

func (m *memSink) lastSnapshot() core.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func testRequest() core.ScanRequest {
	return core.ScanRequest{
		TenantID:       "tenant-1",
		BrandProfileID: "brand-1",
		Kind:           core.AgentRevisit,
		Options: core.ScanOptions{
			MaxConcurrency: 2,
			Timeout:        5 * time.Second,
		},
	}
}

func TestSessionCountersAreMonotonic(t *testing.T) {
	sink := &memSink{}
	sess := newSession("sess-1", testRequest(), "q-1", 4, sink, nil)
	defer sess.finish()

	sess.transition(core.SessionRunning, "")
	sess.recordSite(1, false, "", 100*time.Millisecond)
	sess.recordSite(0, true, "connection refused", 50*time.Millisecond)
	sess.recordSite(2, false, "", 80*time.Millisecond)

	snap := sess.Snapshot()
	assert.Equal(t, 3, snap.SitesScanned)
	assert.Equal(t, 3, snap.ViolationsFound)
	assert.Equal(t, 1, snap.ErrorCount)
	assert.Equal(t, "connection refused", snap.LastError)
	assert.InDelta(t, 75.0, snap.Percent(), 1e-9)
}

func TestRecordSiteDrivesCompletionEstimate(t *testing.T) {
	sess := newSession("sess-1", testRequest(), "q-1", 4, &memSink{}, nil)
	defer sess.finish()
	sess.transition(core.SessionRunning, "")

	sess.recordSite(0, false, "", 200*time.Millisecond)
	assert.False(t, sess.Snapshot().EstimatedCompletion.IsZero(),
		"sites remaining, estimate expected")

	for i := 0; i < 3; i++ {
		sess.recordSite(0, false, "", 200*time.Millisecond)
	}
	assert.True(t, sess.Snapshot().EstimatedCompletion.IsZero(),
		"no sites remaining, estimate cleared")
}

func TestTerminalStateIsSticky(t *testing.T) {
	sess := newSession("sess-1", testRequest(), "q-1", 1, &memSink{}, nil)
	defer sess.finish()

	sess.transition(core.SessionRunning, "")
	sess.transition(core.SessionCompleted, "")
	require.Equal(t, core.SessionCompleted, sess.Snapshot().State)

	// Later transitions cannot move a terminal session.
	sess.transition(core.SessionFailed, string(core.CodeExcessiveErrors))
	assert.Equal(t, core.SessionCompleted, sess.Snapshot().State)
	sess.Cancel()
	assert.Equal(t, core.SessionCompleted, sess.Snapshot().State)
}

func TestPauseBlocksWorkersUntilResume(t *testing.T) {
	sess := newSession("sess-1", testRequest(), "q-1", 2, &memSink{}, nil)
	defer sess.finish()
	sess.transition(core.SessionRunning, "")

	sess.Pause()
	assert.Equal(t, core.SessionPaused, sess.Snapshot().State)

	released := make(chan error, 1)
	go func() { released <- sess.waitIfPaused(sess.ctx) }()

	select {
	case <-released:
		t.Fatal("worker ran through a paused session")
	case <-time.After(100 * time.Millisecond):
	}

	sess.Resume()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker never resumed")
	}
	assert.Equal(t, core.SessionRunning, sess.Snapshot().State)
}

func TestCancelReleasesPausedWorker(t *testing.T) {
	sess := newSession("sess-1", testRequest(), "q-1", 2, &memSink{}, nil)
	defer sess.finish()
	sess.transition(core.SessionRunning, "")
	sess.Pause()

	released := make(chan error, 1)
	go func() { released <- sess.waitIfPaused(sess.ctx) }()

	sess.Cancel()
	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the paused worker")
	}
	assert.Equal(t, core.SessionCancelled, sess.Snapshot().State)
}

func TestExcessiveErrorsCutoff(t *testing.T) {
	sess := newSession("sess-1", testRequest(), "q-1", 10, &memSink{}, nil)
	defer sess.finish()
	sess.transition(core.SessionRunning, "")

	// 1 error in 5 scans is exactly 20%: inside the budget.
	sess.recordSite(0, true, "boom", time.Millisecond)
	for i := 0; i < 4; i++ {
		sess.recordSite(0, false, "", time.Millisecond)
	}
	assert.False(t, sess.excessiveErrors())

	// A second error tips 2/6 = 33% over the line.
	sess.recordSite(0, true, "boom", time.Millisecond)
	assert.True(t, sess.excessiveErrors())
}

func TestTerminalStateEventCarriesCode(t *testing.T) {
	bus := fabric.NewBroker(0)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, fabric.NamespaceMonitoring, fabric.RoomSession("sess-1"), "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sess := newSession("sess-1", testRequest(), "q-1", 1, &memSink{}, bus)
	sess.transition(core.SessionRunning, "")
	sess.transition(core.SessionFailed, string(core.CodeExcessiveErrors))
	sess.finish()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		ev, ok := sub.Next(waitCtx)
		require.True(t, ok, "state event never arrived")
		if ev.Name != fabric.EventSessionState {
			continue
		}
		payload := ev.Payload.(fabric.SessionStatePayload)
		if payload.State == string(core.SessionFailed) {
			assert.Equal(t, string(core.CodeExcessiveErrors), payload.Code)
			return
		}
	}
}

func TestSnapshotsArePersistedPerMutation(t *testing.T) {
	sink := &memSink{}
	sess := newSession("sess-1", testRequest(), "q-1", 2, sink, nil)

	sess.transition(core.SessionRunning, "")
	sess.recordSite(1, false, "", time.Millisecond)
	sess.transition(core.SessionCompleted, "")
	sess.finish()

	last := sink.lastSnapshot()
	assert.Equal(t, core.SessionCompleted, last.State)
	assert.Equal(t, 1, last.SitesScanned)
	assert.Equal(t, 1, last.ViolationsFound)
	assert.False(t, last.CompletedAt.IsZero())

	sink.mu.Lock()
	saves := sink.saves
	sink.mu.Unlock()
	assert.GreaterOrEqual(t, saves, 3)
}
