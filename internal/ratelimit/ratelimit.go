// Package ratelimit implements fixed-window and sliding-window limiters on
// top of the key-value service. When the KV circuit breaker is open the
// limiters fail open: requests are admitted and a diagnostic is recorded.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/copysentry/backend/internal/kv"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// FailOpen is set when the decision was forced by a KV outage.
	FailOpen bool
}

// Limiter is implemented by both window strategies.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// FixedWindow counts requests with an INCR+EXPIRE protocol. The first
// request in a window creates the key with TTL=window.
type FixedWindow struct {
	kv       kv.Client
	clk      clock.Clock
	failOpen atomic.Int64
	logger   *log.Logger
}

// NewFixedWindow builds a fixed-window limiter. A nil clk uses wall time.
func NewFixedWindow(client kv.Client, clk clock.Clock) *FixedWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &FixedWindow{
		kv:     client,
		clk:    clk,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// FailOpenCount returns how many decisions were forced open by KV outages.
func (f *FixedWindow) FailOpenCount() int64 { return f.failOpen.Load() }

func (f *FixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	count, err := f.kv.Incr(ctx, "rl:fw:"+key)
	if err != nil {
		return f.open(key, err)
	}
	if count == 1 {
		if err := f.kv.Expire(ctx, "rl:fw:"+key, window); err != nil {
			return f.open(key, err)
		}
	}

	ttl, terr := f.kv.TTL(ctx, "rl:fw:"+key)
	if terr != nil {
		ttl = window
	} else if ttl <= 0 {
		// The key survived without a TTL, so the window would never reset;
		// re-arm the expiry.
		if eerr := f.kv.Expire(ctx, "rl:fw:"+key, window); eerr != nil {
			return f.open(key, eerr)
		}
		ttl = window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   f.clk.Now().Add(ttl),
	}, nil
}

func (f *FixedWindow) open(key string, err error) (Decision, error) {
	if errors.Is(err, kv.ErrCircuitOpen) {
		f.failOpen.Add(1)
		f.logger.Printf("kv unavailable, failing open: key=%s", key)
		return Decision{Allowed: true, FailOpen: true}, nil
	}
	return Decision{Allowed: true, FailOpen: true}, err
}

// SlidingWindow stores a JSON-encoded list of request timestamps per key,
// trimmed to [now-window, now] on every check.
type SlidingWindow struct {
	kv       kv.Client
	clk      clock.Clock
	failOpen atomic.Int64
	logger   *log.Logger
}

// NewSlidingWindow builds a sliding-window limiter.
func NewSlidingWindow(client kv.Client, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &SlidingWindow{
		kv:     client,
		clk:    clk,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// FailOpenCount returns how many decisions were forced open by KV outages.
func (s *SlidingWindow) FailOpenCount() int64 { return s.failOpen.Load() }

func (s *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	kvKey := "rl:sw:" + key
	now := s.clk.Now()
	cutoff := now.Add(-window)

	var stamps []int64
	raw, err := s.kv.Get(ctx, kvKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// first request in this window
	case err != nil:
		return s.open(key, err)
	default:
		if uerr := json.Unmarshal([]byte(raw), &stamps); uerr != nil {
			// Corrupt value: drop it and start over rather than lock the
			// key out forever.
			stamps = nil
		}
	}

	trimmed := stamps[:0]
	for _, ms := range stamps {
		if time.UnixMilli(ms).After(cutoff) {
			trimmed = append(trimmed, ms)
		}
	}

	allowed := len(trimmed) < limit
	if allowed {
		trimmed = append(trimmed, now.UnixMilli())
	}

	encoded, _ := json.Marshal(trimmed)
	if err := s.kv.Set(ctx, kvKey, string(encoded), window); err != nil {
		return s.open(key, err)
	}

	resetAt := now.Add(window)
	if len(trimmed) > 0 {
		resetAt = time.UnixMilli(trimmed[0]).Add(window)
	}
	return Decision{
		Allowed:   allowed,
		Remaining: max(0, limit-len(trimmed)),
		ResetAt:   resetAt,
	}, nil
}

func (s *SlidingWindow) open(key string, err error) (Decision, error) {
	if errors.Is(err, kv.ErrCircuitOpen) {
		s.failOpen.Add(1)
		s.logger.Printf("kv unavailable, failing open: key=%s", key)
		return Decision{Allowed: true, FailOpen: true}, nil
	}
	return Decision{Allowed: true, FailOpen: true}, err
}
