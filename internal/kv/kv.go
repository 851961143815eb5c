// Package kv provides the key-value service client used by the rate
// limiters, the scan caches and the queue mirror. The protocol is the
// minimal text subset the platform needs: GET, SET EX, INCR, EXPIRE, TTL,
// DEL and KEYS. A go-redis adapter serves production; an in-process
// miniredis instance serves dev and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Client is the minimal key-value protocol. Values are opaque text.
type Client interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if absent, returning whether the write won.
	// Used for single-flight lock leases.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key, returning the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key; negative when absent or
	// persistent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Keys returns keys matching a glob pattern. Used only on recovery
	// paths, never in hot loops.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}
