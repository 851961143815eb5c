// Package scancache memoizes fetched page content and violation
// classifications. Both key-spaces live in the key-value service with a
// local hot layer, and write through to the persistent store for
// durability. Content fetches are single-flight: one outgoing fetch per
// key, enforced in-process and across processes via a KV lock lease.
package scancache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/copysentry/backend/internal/classify"
	"github.com/copysentry/backend/internal/kv"
)

const (
	ContentTTL   = 24 * time.Hour
	ViolationTTL = 7 * 24 * time.Hour

	// lockLease bounds how long a crashed fetcher can hold the
	// single-flight lock; readers poll up to this long before retrying.
	lockLease    = 30 * time.Second
	lockPollStep = 250 * time.Millisecond
)

// ContentEntry is a cached fetched page.
type ContentEntry struct {
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Fingerprint returns the canonical content fingerprint of the body.
func (e *ContentEntry) Fingerprint() string {
	sum := sha256.Sum256([]byte(e.Body))
	return hex.EncodeToString(sum[:])
}

// URLFingerprint hashes a normalized URL for violation cache keys.
func URLFingerprint(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(strings.ToLower(rawURL), "/")))
	return hex.EncodeToString(sum[:])
}

// KeywordSetFingerprint hashes the sorted keyword set, so ordering and
// duplicates do not fragment the cache.
func KeywordSetFingerprint(keywords []string) string {
	sorted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		sorted = append(sorted, strings.ToLower(kw))
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// ContentKey is content:{siteId}:{yyyymmdd}.
func ContentKey(siteID string, day time.Time) string {
	return fmt.Sprintf("content:%s:%s", siteID, day.UTC().Format("20060102"))
}

// ViolationKey is viol:{sha256(url)}:{sha256(sortedKeywords)}.
func ViolationKey(rawURL string, keywords []string) string {
	return fmt.Sprintf("viol:%s:%s", URLFingerprint(rawURL), KeywordSetFingerprint(keywords))
}

// DurableStore receives write-through copies. Implementations must be
// idempotent per key.
type DurableStore interface {
	SaveCachedContent(ctx context.Context, key string, entry *ContentEntry) error
	SaveCachedClassification(ctx context.Context, key string, result *classify.Result) error
}

// Cache is the combined content + violation cache.
type Cache struct {
	kv      kv.Client
	local   *gocache.Cache
	store   DurableStore // optional
	inproc  singleflight.Group
	nowFunc func() time.Time
}

// New builds the cache. store may be nil (no write-through).
func New(client kv.Client, store DurableStore) *Cache {
	return &Cache{
		kv:      client,
		local:   gocache.New(5*time.Minute, 10*time.Minute),
		store:   store,
		nowFunc: time.Now,
	}
}

// GetContent returns today's cached content for a site, if present.
// Stale local entries are evicted lazily by the local layer's TTL.
func (c *Cache) GetContent(ctx context.Context, siteID string) (*ContentEntry, bool) {
	key := ContentKey(siteID, c.nowFunc())

	if v, ok := c.local.Get(key); ok {
		return v.(*ContentEntry), true
	}

	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var entry ContentEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Corrupt cache entry: evict rather than serve garbage.
		_ = c.kv.Del(ctx, key)
		return nil, false
	}
	c.local.Set(key, &entry, gocache.DefaultExpiration)
	return &entry, true
}

// FetchContent returns the cached entry or runs fetch exactly once per key
// across processes. Concurrent callers for the same key block until the
// winner populates the cache, up to the lock lease, then retry.
func (c *Cache) FetchContent(ctx context.Context, siteID string, fetch func(context.Context) (*ContentEntry, error)) (*ContentEntry, error) {
	key := ContentKey(siteID, c.nowFunc())

	v, err, _ := c.inproc.Do(key, func() (interface{}, error) {
		return c.fetchDistributed(ctx, key, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ContentEntry), nil
}

func (c *Cache) fetchDistributed(ctx context.Context, key string, fetch func(context.Context) (*ContentEntry, error)) (*ContentEntry, error) {
	for {
		if entry, ok := c.getByKey(ctx, key); ok {
			return entry, nil
		}

		won, err := c.kv.SetNX(ctx, "lock:"+key, "1", lockLease)
		if err != nil && !errors.Is(err, kv.ErrCircuitOpen) {
			return nil, err
		}
		// With the KV circuit open there is no cross-process lock; fall
		// through and fetch rather than stall the scan.
		if won || errors.Is(err, kv.ErrCircuitOpen) {
			entry, ferr := fetch(ctx)
			_ = c.kv.Del(ctx, "lock:"+key)
			if ferr != nil {
				return nil, ferr
			}
			c.putContent(ctx, key, entry)
			return entry, nil
		}

		// Another worker holds the lease: poll for its result.
		entry, ok, werr := c.waitForContent(ctx, key)
		if werr != nil {
			return nil, werr
		}
		if ok {
			return entry, nil
		}
		// Lease expired without a result (fetcher died); loop and race for
		// the lock again.
	}
}

func (c *Cache) waitForContent(ctx context.Context, key string) (*ContentEntry, bool, error) {
	deadline := c.nowFunc().Add(lockLease)
	for c.nowFunc().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(lockPollStep):
		}
		if entry, ok := c.getByKey(ctx, key); ok {
			return entry, true, nil
		}
		// Lease released early means the fetch finished or failed.
		if _, err := c.kv.Get(ctx, "lock:"+key); errors.Is(err, kv.ErrNotFound) {
			entry, ok := c.getByKey(ctx, key)
			return entry, ok, nil
		}
	}
	return nil, false, nil
}

func (c *Cache) getByKey(ctx context.Context, key string) (*ContentEntry, bool) {
	if v, ok := c.local.Get(key); ok {
		return v.(*ContentEntry), true
	}
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var entry ContentEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false
	}
	c.local.Set(key, &entry, gocache.DefaultExpiration)
	return &entry, true
}

func (c *Cache) putContent(ctx context.Context, key string, entry *ContentEntry) {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, key, string(encoded), ContentTTL)
	c.local.Set(key, entry, gocache.DefaultExpiration)
	if c.store != nil {
		_ = c.store.SaveCachedContent(ctx, key, entry)
	}
}

// GetClassification returns a cached classification for (url, keywords).
func (c *Cache) GetClassification(ctx context.Context, rawURL string, keywords []string) (*classify.Result, bool) {
	key := ViolationKey(rawURL, keywords)

	if v, ok := c.local.Get(key); ok {
		return v.(*classify.Result), true
	}
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var res classify.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		_ = c.kv.Del(ctx, key)
		return nil, false
	}
	c.local.Set(key, &res, gocache.DefaultExpiration)
	return &res, true
}

// PutClassification stores a classification with the 7-day TTL and writes
// through to the durable store.
func (c *Cache) PutClassification(ctx context.Context, rawURL string, keywords []string, res *classify.Result) {
	key := ViolationKey(rawURL, keywords)
	encoded, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, key, string(encoded), ViolationTTL)
	c.local.Set(key, res, gocache.DefaultExpiration)
	if c.store != nil {
		_ = c.store.SaveCachedClassification(ctx, key, res)
	}
}
