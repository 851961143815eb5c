// Command loadtest hammers the scan admission endpoint and reports latency
// percentiles. Intended against a staging deploy with a seeded database;
// distinct brand ids per request keep the duplicate-pair guard out of the
// way so the queue itself is what gets measured. The "load-brand-%d" ids
// must be seeded under the submitting tenant, since the edge refuses
// brands the tenant does not own.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type loadConfig struct {
	BaseURL     string
	TenantID    string
	Submissions int
	Concurrency int
	SiteID      string
}

type loadStats struct {
	submitted  atomic.Uint64
	processing atomic.Uint64
	queued     atomic.Uint64
	rejected   atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	tenant := flag.String("tenant", "loadtest-tenant", "tenant id to submit as")
	submissions := flag.Int("scans", 200, "number of scan submissions")
	concurrency := flag.Int("concurrency", 10, "concurrent submitters")
	siteID := flag.String("site", "site-1", "known site id to target")
	flag.Parse()

	cfg := loadConfig{
		BaseURL:     *baseURL,
		TenantID:    *tenant,
		Submissions: *submissions,
		Concurrency: *concurrency,
		SiteID:      *siteID,
	}

	slog.Info("starting scan admission load test",
		"url", cfg.BaseURL, "submissions", cfg.Submissions, "concurrency", cfg.Concurrency)

	report(run(cfg))
}

func run(cfg loadConfig) *loadStats {
	stats := &loadStats{}
	jobs := make(chan int)
	client := &http.Client{Timeout: 30 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				submit(client, cfg, n, stats)
			}
		}()
	}
	for n := 0; n < cfg.Submissions; n++ {
		jobs <- n
	}
	close(jobs)
	wg.Wait()
	return stats
}

func submit(client *http.Client, cfg loadConfig, n int, stats *loadStats) {
	body, _ := json.Marshal(map[string]interface{}{
		"brandProfileId": fmt.Sprintf("load-brand-%d", n),
		"siteIds":        []string{cfg.SiteID},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.BaseURL+"/agents/known-sites/scan", bytes.NewReader(body))
	if err != nil {
		stats.rejected.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", cfg.TenantID)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		stats.rejected.Add(1)
		slog.Warn("submission failed", "n", n, "err", err)
		return
	}
	defer resp.Body.Close()

	stats.submitted.Add(1)
	stats.mu.Lock()
	stats.latencies = append(stats.latencies, elapsed)
	stats.mu.Unlock()

	var decision struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&decision)
	switch {
	case resp.StatusCode != http.StatusOK:
		stats.rejected.Add(1)
	case decision.Status == "processing":
		stats.processing.Add(1)
	default:
		stats.queued.Add(1)
	}
}

func report(stats *loadStats) {
	stats.mu.Lock()
	latencies := append([]time.Duration{}, stats.latencies...)
	stats.mu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	percentile := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	slog.Info("load test complete",
		"submitted", stats.submitted.Load(),
		"processing", stats.processing.Load(),
		"queued", stats.queued.Load(),
		"rejected", stats.rejected.Load())
	if len(latencies) > 0 {
		slog.Info("admission latency",
			"p50", percentile(0.50),
			"p95", percentile(0.95),
			"p99", percentile(0.99),
			"max", latencies[len(latencies)-1])
	}
}
