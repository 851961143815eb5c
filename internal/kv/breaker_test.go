package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient fails on demand and can inject latency.
type flakyClient struct {
	failing bool
	latency time.Duration
	clk     *clock.Mock
	calls   int
}

var errBackend = errors.New("backend down")

func (f *flakyClient) do() error {
	f.calls++
	if f.latency > 0 {
		f.clk.Add(f.latency)
	}
	if f.failing {
		return errBackend
	}
	return nil
}

func (f *flakyClient) Get(context.Context, string) (string, error) { return "v", f.do() }
func (f *flakyClient) Set(context.Context, string, string, time.Duration) error {
	return f.do()
}
func (f *flakyClient) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return true, f.do()
}
func (f *flakyClient) Incr(context.Context, string) (int64, error) { return 1, f.do() }
func (f *flakyClient) Expire(context.Context, string, time.Duration) error {
	return f.do()
}
func (f *flakyClient) TTL(context.Context, string) (time.Duration, error) { return 0, f.do() }
func (f *flakyClient) Del(context.Context, ...string) error               { return f.do() }
func (f *flakyClient) Keys(context.Context, string) ([]string, error)     { return nil, f.do() }
func (f *flakyClient) Close() error                                       { return nil }

func newBrokenBreaker(t *testing.T) (*BreakerClient, *flakyClient, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	inner := &flakyClient{failing: true, clk: clk}
	return NewBreakerClient(inner, clk), inner, clk
}

func tripOpen(t *testing.T, b *BreakerClient) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestOpensAfterFiveConsecutiveFailures(t *testing.T) {
	b, inner, _ := newBrokenBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, StateClosed, b.State())
	}
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())

	// While open, calls are refused without touching the backend.
	before := inner.calls
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, inner.calls)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, inner, _ := newBrokenBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Get(ctx, "k")
	}
	inner.failing = false
	_, err := b.Get(ctx, "k")
	require.NoError(t, err)

	// The streak restarted; four more failures stay closed.
	inner.failing = true
	for i := 0; i < 4; i++ {
		_, _ = b.Get(ctx, "k")
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeAndClose(t *testing.T) {
	b, inner, clk := newBrokenBreaker(t)
	tripOpen(t, b)

	clk.Add(60 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Three consecutive probe successes close the circuit.
	inner.failing = false
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Get(ctx, "k")
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, _, clk := newBrokenBreaker(t)
	tripOpen(t, b)

	clk.Add(60 * time.Second)
	_, err := b.Get(context.Background(), "k")
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())

	// The reopen restarts the probe window.
	clk.Add(30 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clk.Add(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestNotFoundIsNotAFailure(t *testing.T) {
	clk := clock.NewMock()
	mock, _, err := NewMockClient()
	require.NoError(t, err)
	defer mock.Close()
	b := NewBreakerClient(mock, clk)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := b.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestSlowCallMarksDegradedWithoutOpening(t *testing.T) {
	clk := clock.NewMock()
	inner := &flakyClient{clk: clk, latency: 2 * time.Second}
	b := NewBreakerClient(inner, clk)

	_, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, b.Degraded())
	assert.Equal(t, StateClosed, b.State())

	// A fast call clears the flag.
	inner.latency = 0
	_, err = b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, b.Degraded())
}

func TestStateChangeHook(t *testing.T) {
	b, _, _ := newBrokenBreaker(t)

	transitions := make(chan [2]BreakerState, 4)
	b.OnStateChange(func(from, to BreakerState) {
		transitions <- [2]BreakerState{from, to}
	})

	tripOpen(t, b)

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("state change hook never fired")
	}
}
