package scancache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/backend/internal/classify"
	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/kv"
)

func newTestCache(t *testing.T) (*Cache, kv.Client) {
	t.Helper()
	client, _, err := kv.NewMockClient()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return New(client, nil), client
}

func TestKeyFormats(t *testing.T) {
	day := time.Date(2026, 8, 25, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "content:site-1:20260825", ContentKey("site-1", day))

	// URL fingerprints normalize case and trailing slash.
	assert.Equal(t, URLFingerprint("https://Example.com/Page/"), URLFingerprint("https://example.com/page"))

	// Keyword fingerprints ignore ordering and case.
	assert.Equal(t,
		KeywordSetFingerprint([]string{"Acme", "widget"}),
		KeywordSetFingerprint([]string{"WIDGET", "acme"}))
	assert.NotEqual(t,
		KeywordSetFingerprint([]string{"acme"}),
		KeywordSetFingerprint([]string{"acme", "widget"}))
}

func TestFetchContentSingleFlight(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	var fetches atomic.Int64
	fetch := func(context.Context) (*ContentEntry, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the flight open
		return &ContentEntry{Body: "<html>page</html>", FetchedAt: time.Now()}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := cache.FetchContent(ctx, "site-1", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "<html>page</html>", entry.Body)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load(), "one outgoing fetch per content key")
}

func TestFetchContentServesCacheWithoutFetching(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, err := cache.FetchContent(ctx, "site-1", func(context.Context) (*ContentEntry, error) {
		return &ContentEntry{Body: "first", FetchedAt: time.Now()}, nil
	})
	require.NoError(t, err)

	entry, err := cache.FetchContent(ctx, "site-1", func(context.Context) (*ContentEntry, error) {
		t.Fatal("fetch must not run on a warm cache")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "first", entry.Body)

	got, ok := cache.GetContent(ctx, "site-1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Body)
}

func TestLoserWaitsForLeaseHolder(t *testing.T) {
	// Two cache instances over one KV store stand in for two processes.
	client, _, err := kv.NewMockClient()
	require.NoError(t, err)
	defer client.Close()
	loserSide := New(client, nil)

	ctx := context.Background()
	key := ContentKey("site-1", time.Now())

	// The "winner" process holds the lease.
	won, err := client.SetNX(ctx, "lock:"+key, "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, won)

	done := make(chan *ContentEntry, 1)
	go func() {
		entry, err := loserSide.FetchContent(ctx, "site-1", func(context.Context) (*ContentEntry, error) {
			t.Error("loser must not fetch while the lease holder works")
			return nil, nil
		})
		assert.NoError(t, err)
		done <- entry
	}()

	// The winner publishes its result and releases the lease.
	time.Sleep(300 * time.Millisecond)
	raw, err := json.Marshal(&ContentEntry{Body: "winner", FetchedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, key, string(raw), ContentTTL))
	require.NoError(t, client.Del(ctx, "lock:"+key))

	select {
	case entry := <-done:
		assert.Equal(t, "winner", entry.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("loser never observed the winner's result")
	}
}

func TestClassificationRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	keywords := []string{"acme", "acme widget"}
	res := &classify.Result{
		IsViolation: true,
		Confidence:  0.85,
		Method:      core.DetectKeyword,
		RiskLevel:   core.RiskHigh,
	}
	cache.PutClassification(ctx, "https://pirate.example/page", keywords, res)

	// Keyword order must not fragment the cache.
	got, ok := cache.GetClassification(ctx, "https://pirate.example/page", []string{"acme widget", "acme"})
	require.True(t, ok)
	assert.True(t, got.IsViolation)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)

	_, ok = cache.GetClassification(ctx, "https://other.example", keywords)
	assert.False(t, ok)
}

func TestFingerprintIsStable(t *testing.T) {
	a := &ContentEntry{Body: "same body"}
	b := &ContentEntry{Body: "same body"}
	c := &ContentEntry{Body: "different"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
