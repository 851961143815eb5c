package kv

import (
	"fmt"
	"log/slog"

	"github.com/alicebob/miniredis/v2"
)

// NewMockClient starts an in-process miniredis instance and returns a
// Client backed by it. Used when KV_URL is absent outside production, and
// throughout the test suite.
func NewMockClient() (*RedisClient, *miniredis.Miniredis, error) {
	srv, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start in-process kv: %w", err)
	}

	client, err := NewRedisClient(srv.Addr(), "")
	if err != nil {
		srv.Close()
		return nil, nil, err
	}

	slog.Info("in-process key-value mock started", "addr", srv.Addr())
	return client, srv, nil
}
