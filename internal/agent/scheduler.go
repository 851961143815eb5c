package agent

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/copysentry/backend/internal/core"
)

// orderSites sorts the session's targets by the agent kind's preference.
// Revisit agents chase historically risky sites; discovery agents put
// never-checked sites first. Ties break on oldest lastChecked.
func orderSites(sites []*core.KnownSite, kind core.AgentKind) []*core.KnownSite {
	ordered := make([]*core.KnownSite, len(sites))
	copy(ordered, sites)

	less := func(a, b *core.KnownSite) bool {
		if kind == core.AgentDiscovery {
			aNew, bNew := a.LastChecked.IsZero(), b.LastChecked.IsZero()
			if aNew != bNew {
				return aNew
			}
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.LastChecked.Before(b.LastChecked)
	}

	// Insertion sort keeps this dependency-free; target lists are small.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && less(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

// hostGates serializes fetches per host and spaces them by the site's crawl
// delay. A worker holds the host's slot for the duration of its fetch.
type hostGates struct {
	mu    sync.Mutex
	gates map[string]*hostGate
}

type hostGate struct {
	mu       sync.Mutex
	nextFree time.Time
}

func newHostGates() *hostGates {
	return &hostGates{gates: make(map[string]*hostGate)}
}

func (g *hostGates) gateFor(rawURL string) *hostGate {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	gate, ok := g.gates[host]
	if !ok {
		gate = &hostGate{}
		g.gates[host] = gate
	}
	return gate
}

// acquire blocks until the host's delay has elapsed, then holds the host.
// Callers must release with the crawl delay to apply before the next fetch.
func (gate *hostGate) acquire(ctx context.Context) error {
	gate.mu.Lock()
	wait := time.Until(gate.nextFree)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		gate.mu.Unlock()
		return ctx.Err()
	}
}

// release stamps the earliest next fetch against this host and frees it.
func (gate *hostGate) release(delay time.Duration) {
	gate.nextFree = time.Now().Add(delay)
	gate.mu.Unlock()
}
