package fetch

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsCache fetches and caches robots.txt per host. A session creates
// one cache so each host is consulted at most once per scan.
type RobotsCache struct {
	fetcher *Fetcher

	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData // nil entry: robots unavailable, allow all
}

// NewRobotsCache builds a per-session robots cache.
func NewRobotsCache(fetcher *Fetcher) *RobotsCache {
	return &RobotsCache{
		fetcher: fetcher,
		hosts:   make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether the scanner may fetch rawURL. Missing or
// unreachable robots.txt allows everything, per convention.
func (rc *RobotsCache) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	data := rc.robotsFor(ctx, u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, userAgent)
}

func (rc *RobotsCache) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	host := u.Scheme + "://" + u.Host

	rc.mu.Lock()
	data, seen := rc.hosts[host]
	rc.mu.Unlock()
	if seen {
		return data
	}

	data = rc.fetchRobots(ctx, host)

	rc.mu.Lock()
	rc.hosts[host] = data
	rc.mu.Unlock()
	return data
}

func (rc *RobotsCache) fetchRobots(ctx context.Context, host string) *robotstxt.RobotsData {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", rc.fetcher.nextUserAgent())

	resp, err := rc.fetcher.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data
}
