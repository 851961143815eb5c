// Command server runs the scan orchestration backend: admission queue,
// scan agents, abuse engine, ownership validation, realtime fabric and the
// HTTP edge, all in one process.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/copysentry/backend/internal/abuse"
	"github.com/copysentry/backend/internal/agent"
	"github.com/copysentry/backend/internal/api"
	"github.com/copysentry/backend/internal/classify"
	"github.com/copysentry/backend/internal/config"
	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
	"github.com/copysentry/backend/internal/fetch"
	"github.com/copysentry/backend/internal/gateway"
	"github.com/copysentry/backend/internal/kv"
	"github.com/copysentry/backend/internal/metrics"
	"github.com/copysentry/backend/internal/ownership"
	"github.com/copysentry/backend/internal/queue"
	"github.com/copysentry/backend/internal/ratelimit"
	"github.com/copysentry/backend/internal/scancache"
	"github.com/copysentry/backend/internal/store"
)

const platformPrefix = "copysentry"

// fsScreenshot is the filesystem evidence capture: it writes a manifest per
// violating URL and returns its path as the artifact reference. A headless
// renderer can replace it without touching the agent runtime.
func fsScreenshot(dir string) agent.ScreenshotFunc {
	return func(ctx context.Context, url string) (string, error) {
		path := filepath.Join(dir, uuid.NewString()+".txt")
		body := fmt.Sprintf("url: %s\ncaptured_at: %s\n", url, time.Now().UTC().Format(time.RFC3339))
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
}

func main() {
	log.Println("starting copysentry backend...")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Persistent store
	if cfg.Store.DSN == "" {
		log.Fatal("DATABASE_URL is required")
	}
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	if !cfg.Production() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema: %v", err)
		}
		cancel()
	}

	// Key-value service behind the circuit breaker
	var inner kv.Client
	if cfg.KV.URL != "" {
		inner, err = kv.NewRedisClient(cfg.KV.URL, cfg.KV.Token)
		if err != nil {
			log.Fatalf("kv: %v", err)
		}
	} else {
		mock, _, merr := kv.NewMockClient()
		if merr != nil {
			log.Fatalf("kv mock: %v", merr)
		}
		inner = mock
	}
	clk := clock.New()
	kvc := kv.NewBreakerClient(inner, clk)
	defer kvc.Close()

	mset := metrics.New()
	kvc.OnStateChange(func(from, to kv.BreakerState) {
		slog.Warn("kv breaker transition", "from", from.String(), "to", to.String())
		mset.KVBreakerState.Set(float64(to))
	})

	// Abuse engine, persisted through the tenant repo
	engine := abuse.NewEngine(abuse.Config{
		DecayTau:        cfg.Abuse.DecayTau,
		SweepInterval:   cfg.Abuse.SweepInterval,
		MinDwell:        cfg.Abuse.MinDwell,
		HighRiskDemerit: cfg.Abuse.HighRiskDemerit,
		WarningDemerit:  cfg.Abuse.WarningDemerit,
	}, clk)
	engine.OnTransition(func(tenantID string, from, to core.AbuseState, score float64) {
		slog.Info("abuse transition", "tenant", tenantID, "from", from, "to", to, "score", score)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Tenants.UpdateAbuse(ctx, tenantID, score, to); err != nil {
			slog.Error("persist abuse standing", "tenant", tenantID, "err", err)
		}
	})
	{
		// Restore persisted standings so blocked tenants stay blocked across
		// restarts.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		flagged, err := st.Tenants.ListFlagged(ctx)
		cancel()
		if err != nil {
			log.Fatalf("load abuse standings: %v", err)
		}
		for _, t := range flagged {
			at := t.AbuseUpdatedAt
			if at.IsZero() {
				at = clk.Now()
			}
			engine.Seed(t.ID, t.AbuseScore, t.AbuseState, at)
		}
		if len(flagged) > 0 {
			slog.Info("seeded abuse standings", "tenants", len(flagged))
		}
	}
	engine.Start()
	defer engine.Stop()

	// Ownership validation
	owner := ownership.NewService(platformPrefix, st.Ownership,
		ownership.NewMiekgResolver(""), ownership.NewHTTPMetaFetcher(nil), engine)

	// Realtime fabric and socket.io gateway
	broker := fabric.NewBroker(cfg.Fabric.SubscriberBuffer)
	defer broker.Close()
	gw := gateway.New(broker)
	gw.Start()
	defer gw.Close()

	// Fetch + cache + classification
	fetcher := fetch.New(cfg.Scan.UserAgents)
	cache := scancache.New(kvc, st.CacheSink)
	var ai classify.AIClassifier
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		ai = classify.NewAnthropicClassifier(cfg.AI.Model)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set; ambiguous pages resolve by keyword pass only")
	}

	// Agent runtime
	manager := agent.NewManager(agent.Config{
		DefaultTimeout:      cfg.Scan.DefaultTimeout,
		DefaultCrawlDelay:   cfg.Scan.DefaultCrawlDelay,
		ConfidenceThreshold: cfg.AI.ConfidenceThreshold,
		UserAgent:           platformPrefix + "-scanner/1.0",
	}, st.Brands, st.Sites, st.Sessions, st.Violations, cache, fetcher, ai, broker)
	if dir := cfg.Scan.ScreenshotDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("screenshot dir: %v", err)
		}
		manager.OnScreenshot(fsScreenshot(dir))
	}

	// Admission coordinator
	coord := queue.New(queue.Config{
		GlobalLimit:  cfg.Queue.GlobalScanLimit,
		DedupeWindow: cfg.Queue.DedupeWindow,
		EWMASamples:  cfg.Queue.EWMASamples,
	}, st.Tenants, st.Sessions, engine, kvc, broker, manager.Start, clk)
	coord.OnCancelRunning(manager.Cancel)
	manager.OnDone(func(sessionID string, failed bool) {
		state := "completed"
		if failed {
			state = "failed"
		}
		mset.ScansCompleted.WithLabelValues(state).Inc()
		coord.Complete(sessionID, failed)
	})
	manager.OnFetchError(mset.FetchErrors.Inc)
	manager.OnDetect(func(risk core.RiskLevel) {
		mset.Violations.WithLabelValues(string(risk)).Inc()
	})
	coord.Start()
	defer coord.Stop()

	// Queue gauges track the broker's stats stream.
	gaugeCtx, gaugeStop := context.WithCancel(context.Background())
	defer gaugeStop()
	go func() {
		sub, err := broker.Subscribe(gaugeCtx, fabric.NamespaceMonitoring, fabric.RoomBroadcast, "")
		if err != nil {
			return
		}
		defer sub.Unsubscribe()
		for {
			ev, ok := sub.Next(gaugeCtx)
			if !ok {
				return
			}
			if p, ok := ev.Payload.(fabric.QueueStatsPayload); ok {
				mset.QueueWaiting.Set(float64(p.Waiting))
				mset.QueueRunning.Set(float64(p.Running))
			}
		}
	}()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		// Sessions the previous process left open will never finish; fail
		// them before rebuilding the waiter line.
		if n, err := st.Sessions.FailOrphans(ctx); err != nil {
			slog.Warn("session reconciliation", "err", err)
		} else if n > 0 {
			slog.Info("failed orphaned sessions", "count", n)
		}
		if err := coord.Recover(ctx); err != nil {
			slog.Warn("queue recovery", "err", err)
		}
		cancel()
	}

	// HTTP edge
	perAPI := ratelimit.NewSlidingWindow(kvc, clk)
	perScan := ratelimit.NewFixedWindow(kvc, clk)
	server := api.New(coord, manager, st.Sessions, st.Sites, st.Brands, owner,
		perAPI, perScan, broker, mset, cfg.Scan.DefaultTimeout)
	server.Mount("/socket.io/", gw.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.ListenAndServe(ctx, cfg.Server.Port); err != nil {
		log.Fatalf("http server: %v", err)
	}
	log.Println("shutdown complete")
}
