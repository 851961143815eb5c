package kv

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the circuit state of the key-value service wrapper.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker refuses calls. Rate limiters
// treat it as fail-open; caches treat it as a miss.
var ErrCircuitOpen = errors.New("kv: circuit breaker open")

const (
	openAfterFailures = 5
	closeAfterSuccess = 3
	halfOpenAfter     = 60 * time.Second
	degradedLatency   = 1 * time.Second
)

// BreakerClient wraps a Client with a circuit breaker. The breaker opens
// after 5 consecutive failures, probes half-open after 60 s, and closes
// after 3 consecutive half-open successes. Calls slower than 1 s mark the
// service degraded without opening the circuit.
type BreakerClient struct {
	inner Client
	clk   clock.Clock

	mu           sync.Mutex
	state        BreakerState
	consecFails  int
	consecOK     int
	openedAt     time.Time
	halfOpenBusy bool

	degraded atomic.Bool

	onStateChange func(from, to BreakerState)
	logger        *log.Logger
}

// NewBreakerClient wraps inner. A nil clk uses the wall clock.
func NewBreakerClient(inner Client, clk clock.Clock) *BreakerClient {
	if clk == nil {
		clk = clock.New()
	}
	return &BreakerClient{
		inner:  inner,
		clk:    clk,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[KV-BREAKER] ", log.LstdFlags),
	}
}

// OnStateChange registers a hook invoked on every transition.
func (b *BreakerClient) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State returns the current circuit state.
func (b *BreakerClient) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Degraded reports whether the backing service exceeded the latency budget
// on a recent call.
func (b *BreakerClient) Degraded() bool {
	return b.degraded.Load()
}

// currentState promotes Open to HalfOpen once the probe window elapses.
// Caller holds b.mu.
func (b *BreakerClient) currentState() BreakerState {
	if b.state == StateOpen && b.clk.Since(b.openedAt) >= halfOpenAfter {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *BreakerClient) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.consecFails = 0
	b.consecOK = 0
	b.halfOpenBusy = false
	if to == StateOpen {
		b.openedAt = b.clk.Now()
	}
	b.logger.Printf("state change: %s -> %s", from, to)
	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// before gates a call. In half-open, a single probe is admitted at a time.
func (b *BreakerClient) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenBusy {
			return ErrCircuitOpen
		}
		b.halfOpenBusy = true
	}
	return nil
}

func (b *BreakerClient) after(err error, elapsed time.Duration) {
	b.degraded.Store(elapsed > degradedLatency)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenBusy = false

	// Context cancellation is the caller's doing, not a service failure.
	if errors.Is(err, context.Canceled) {
		return
	}

	failed := err != nil && !errors.Is(err, ErrNotFound)
	switch b.state {
	case StateClosed:
		if failed {
			b.consecFails++
			if b.consecFails >= openAfterFailures {
				b.setState(StateOpen)
			}
		} else {
			b.consecFails = 0
		}
	case StateHalfOpen:
		if failed {
			b.setState(StateOpen)
		} else {
			b.consecOK++
			if b.consecOK >= closeAfterSuccess {
				b.setState(StateClosed)
			}
		}
	}
}

func (b *BreakerClient) call(op func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	start := b.clk.Now()
	err := op()
	b.after(err, b.clk.Since(start))
	return err
}

func (b *BreakerClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := b.call(func() error {
		var err error
		val, err = b.inner.Get(ctx, key)
		return err
	})
	return val, err
}

func (b *BreakerClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.call(func() error { return b.inner.Set(ctx, key, value, ttl) })
}

func (b *BreakerClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := b.call(func() error {
		var err error
		ok, err = b.inner.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *BreakerClient) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.call(func() error {
		var err error
		n, err = b.inner.Incr(ctx, key)
		return err
	})
	return n, err
}

func (b *BreakerClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.call(func() error { return b.inner.Expire(ctx, key, ttl) })
}

func (b *BreakerClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := b.call(func() error {
		var err error
		d, err = b.inner.TTL(ctx, key)
		return err
	})
	return d, err
}

func (b *BreakerClient) Del(ctx context.Context, keys ...string) error {
	return b.call(func() error { return b.inner.Del(ctx, keys...) })
}

func (b *BreakerClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := b.call(func() error {
		var err error
		out, err = b.inner.Keys(ctx, pattern)
		return err
	})
	return out, err
}

func (b *BreakerClient) Close() error {
	return b.inner.Close()
}

var _ Client = (*BreakerClient)(nil)
