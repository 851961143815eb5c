package agent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copysentry/backend/internal/classify"
	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
	"github.com/copysentry/backend/internal/fetch"
	"github.com/copysentry/backend/internal/scancache"
)

// BrandSource resolves brand profiles.
type BrandSource interface {
	Get(ctx context.Context, brandID string) (*core.BrandProfile, error)
}

// SiteSource resolves targets and folds scan outcomes back into their
// reputation.
type SiteSource interface {
	GetByIDs(ctx context.Context, siteIDs []string) ([]*core.KnownSite, error)
	RecordScan(ctx context.Context, siteID string, violations int, observedRisk float64, at time.Time) error
	MarkBlockedByRobots(ctx context.Context, siteID string, blocked bool) error
}

// ViolationSink persists violation records.
type ViolationSink interface {
	Insert(ctx context.Context, v *core.ViolationRecord) error
}

// ScreenshotFunc captures evidence for a violating URL and returns a
// reference to the stored artifact. Optional.
type ScreenshotFunc func(ctx context.Context, url string) (string, error)

// Config bounds the agent runtime.
type Config struct {
	DefaultTimeout      time.Duration
	DefaultCrawlDelay   time.Duration
	ConfidenceThreshold float64
	UserAgent           string
}

// Manager runs scan sessions. It implements the queue's Starter and
// Canceller hooks.
type Manager struct {
	cfg        Config
	brands     BrandSource
	sites      SiteSource
	sink       SessionSink
	violations ViolationSink
	cache      *scancache.Cache
	fetcher    *fetch.Fetcher
	matcher    *classify.KeywordMatcher
	ai         classify.AIClassifier // optional
	bus        *fabric.Broker
	screenshot ScreenshotFunc // optional
	onDone     func(sessionID string, failed bool)
	onFetchErr func()
	onDetect   func(risk core.RiskLevel)
	logger     *log.Logger

	mu   sync.Mutex
	live map[string]*Session
}

// NewManager wires the runtime. ai and screenshot may be nil.
func NewManager(cfg Config, brands BrandSource, sites SiteSource, sink SessionSink, violations ViolationSink, cache *scancache.Cache, fetcher *fetch.Fetcher, ai classify.AIClassifier, bus *fabric.Broker) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DefaultCrawlDelay <= 0 {
		cfg.DefaultCrawlDelay = time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "copysentry-scanner/1.0"
	}
	return &Manager{
		cfg:        cfg,
		brands:     brands,
		sites:      sites,
		sink:       sink,
		violations: violations,
		cache:      cache,
		fetcher:    fetcher,
		matcher:    classify.NewKeywordMatcher(),
		ai:         ai,
		bus:        bus,
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
		live:       make(map[string]*Session),
	}
}

// OnDone installs the completion callback (the queue's slot release).
func (m *Manager) OnDone(fn func(sessionID string, failed bool)) { m.onDone = fn }

// OnScreenshot installs the evidence capture hook.
func (m *Manager) OnScreenshot(fn ScreenshotFunc) { m.screenshot = fn }

// OnFetchError and OnDetect feed the process metrics.
func (m *Manager) OnFetchError(fn func()) { m.onFetchErr = fn }

func (m *Manager) OnDetect(fn func(risk core.RiskLevel)) { m.onDetect = fn }

// Start launches a session for an admitted request and returns its id.
func (m *Manager) Start(req core.ScanRequest, queueID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brand, err := m.brands.Get(ctx, req.BrandProfileID)
	if err != nil {
		return "", err
	}
	if brand.TenantID != req.TenantID {
		return "", core.NewCodedError(core.CodeNotFound, "brand profile %s not found", req.BrandProfileID)
	}
	sites, err := m.sites.GetByIDs(ctx, req.SiteIDs)
	if err != nil {
		return "", err
	}
	if len(sites) == 0 {
		return "", core.NewCodedError(core.CodeInvalidOptions, "no scannable sites in request")
	}

	sess := newSession(uuid.NewString(), req, queueID, len(sites), m.sink, m.bus)
	if err := m.sink.Create(ctx, sess.Snapshot()); err != nil {
		sess.finish()
		return "", err
	}

	m.mu.Lock()
	m.live[sess.id] = sess
	m.mu.Unlock()

	go m.run(sess, brand, sites)
	return sess.id, nil
}

// Cancel stops a live session. Returns false when the session is unknown
// or already finished.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.Cancel()
	return true
}

// Pause suspends a live session before its next site.
func (m *Manager) Pause(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok {
		sess.Pause()
	}
	return ok
}

// Resume releases a paused session.
func (m *Manager) Resume(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok {
		sess.Resume()
	}
	return ok
}

// Snapshot returns the live counters for a session, if it is still running
// in this process.
func (m *Manager) Snapshot(sessionID string) (core.SessionSnapshot, bool) {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		return core.SessionSnapshot{}, false
	}
	return sess.Snapshot(), true
}

func (m *Manager) run(sess *Session, brand *core.BrandProfile, sites []*core.KnownSite) {
	m.bus.Publish(fabric.NamespaceAgents, fabric.RoomAgent(sess.id), fabric.EventAgentStarted,
		fabric.AgentLifecyclePayload{SessionID: sess.id, TenantID: sess.req.TenantID})
	sess.transition(core.SessionRunning, "")

	robots := fetch.NewRobotsCache(m.fetcher)
	gates := newHostGates()
	ordered := orderSites(sites, sess.req.Kind)

	workers := sess.req.Options.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan *core.KnownSite)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for site := range jobs {
				if sess.ctx.Err() != nil {
					continue // drain
				}
				if err := sess.waitIfPaused(sess.ctx); err != nil {
					continue
				}
				m.scanSite(sess, brand, site, gates, robots)
			}
		}()
	}
	for _, site := range ordered {
		jobs <- site
	}
	close(jobs)
	wg.Wait()

	snap := sess.Snapshot()
	switch {
	case snap.State.Terminal():
		// cancelled or failed mid-flight; nothing to do
	case sess.excessiveErrors():
		sess.transition(core.SessionFailed, string(core.CodeExcessiveErrors))
	default:
		sess.transition(core.SessionCompleted, "")
	}

	final := sess.Snapshot()
	event := fabric.EventAgentCompleted
	reason := ""
	if final.State == core.SessionFailed {
		event = fabric.EventAgentError
		reason = final.LastError
	}
	m.bus.Publish(fabric.NamespaceAgents, fabric.RoomAgent(sess.id), event,
		fabric.AgentLifecyclePayload{SessionID: sess.id, TenantID: sess.req.TenantID, Reason: reason})

	m.mu.Lock()
	delete(m.live, sess.id)
	m.mu.Unlock()
	sess.finish()

	if m.onDone != nil {
		m.onDone(sess.id, final.State == core.SessionFailed)
	}
}

// scanSite runs the per-site pipeline: cache, robots, fetch, classify,
// record. A site always advances the scanned counter exactly once.
func (m *Manager) scanSite(sess *Session, brand *core.BrandProfile, site *core.KnownSite, gates *hostGates, robots *fetch.RobotsCache) {
	started := time.Now()
	ctx := sess.ctx
	opts := sess.req.Options
	sess.setCurrentSite(site.ID)

	if opts.SkipRecentlyScanned && !site.LastChecked.IsZero() &&
		time.Since(site.LastChecked) < opts.RecentThreshold {
		m.skip(sess, site, "skipped-recent")
		sess.recordSite(0, false, "", time.Since(started))
		return
	}

	entry, hit := m.cache.GetContent(ctx, site.ID)
	if !hit {
		if opts.RespectRobots && !robots.Allowed(ctx, site.BaseURL, m.cfg.UserAgent) {
			if err := m.sites.MarkBlockedByRobots(ctx, site.ID, true); err != nil {
				m.logger.Printf("mark robots-blocked %s: %v", site.ID, err)
			}
			m.skip(sess, site, "robots")
			sess.recordSite(0, false, "", time.Since(started))
			return
		}

		var err error
		entry, err = m.fetchSite(ctx, sess, site, gates)
		if err != nil {
			if ctx.Err() != nil {
				return // cancellation, not a site failure
			}
			if m.onFetchErr != nil {
				m.onFetchErr()
			}
			sess.recordSite(0, true, err.Error(), time.Since(started))
			m.checkErrorBudget(sess)
			return
		}
	}

	res := m.classify(ctx, brand, site, entry)

	violations := 0
	if res.IsViolation && res.Confidence >= m.cfg.ConfidenceThreshold {
		violations = 1
		m.recordViolation(ctx, sess, brand, site, entry, res)
	}
	if err := m.sites.RecordScan(ctx, site.ID, violations, res.Confidence, time.Now()); err != nil {
		m.logger.Printf("record scan %s: %v", site.ID, err)
	}
	sess.recordSite(violations, false, "", time.Since(started))
}

// fetchSite serializes on the host gate, fetches through the single-flight
// content cache, then arms the gate with the site's jittered crawl delay.
func (m *Manager) fetchSite(ctx context.Context, sess *Session, site *core.KnownSite, gates *hostGates) (*scancache.ContentEntry, error) {
	timeout := sess.req.Options.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	delay := m.cfg.DefaultCrawlDelay
	if site.CrawlDelayMs > 0 {
		delay = time.Duration(site.CrawlDelayMs) * time.Millisecond
	}

	gate := gates.gateFor(site.BaseURL)
	if err := gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer gate.release(fetch.Jitter(delay, 0.3))

	return m.cache.FetchContent(ctx, site.ID, func(ctx context.Context) (*scancache.ContentEntry, error) {
		page, err := m.fetcher.Get(ctx, site.BaseURL, timeout)
		if err != nil {
			return nil, err
		}
		return &scancache.ContentEntry{
			Body: page.Body,
			Metadata: map[string]string{
				"final_url":    page.FinalURL,
				"content_type": page.ContentType,
			},
			FetchedAt: page.FetchedAt,
		}, nil
	})
}

// classify runs the keyword pass and escalates ambiguity to the AI
// classifier. Results are memoized per (url, keyword set).
func (m *Manager) classify(ctx context.Context, brand *core.BrandProfile, site *core.KnownSite, entry *scancache.ContentEntry) classify.Result {
	keywords := append(append([]string{}, brand.SafeKeywords...), brand.DangerousKeywords...)
	if cached, ok := m.cache.GetClassification(ctx, site.BaseURL, keywords); ok {
		return *cached
	}

	text, title := fetch.ExtractText(entry.Body)
	res := m.matcher.Match(text, title, brand)

	if res.Ambiguous && m.ai != nil {
		aiRes, err := m.ai.Classify(ctx, text, title, brand)
		if err != nil {
			m.logger.Printf("ai classify %s: %v", site.BaseURL, err)
		} else {
			aiRes.Method = core.DetectHybrid
			aiRes.MatchedTerms = res.MatchedTerms
			res = aiRes
		}
	}

	m.cache.PutClassification(ctx, site.BaseURL, keywords, &res)
	return res
}

func (m *Manager) recordViolation(ctx context.Context, sess *Session, brand *core.BrandProfile, site *core.KnownSite, entry *scancache.ContentEntry, res classify.Result) {
	record := &core.ViolationRecord{
		ID:                 uuid.NewString(),
		SessionID:          sess.id,
		SiteID:             site.ID,
		URL:                site.BaseURL,
		Title:              res.Title,
		Method:             res.Method,
		RiskLevel:          res.RiskLevel,
		Confidence:         res.Confidence,
		ContentFingerprint: entry.Fingerprint(),
		Evidence: map[string]string{
			"matched_terms": strings.Join(res.MatchedTerms, ","),
			"brand":         brand.Name,
		},
		DetectedAt: time.Now(),
	}

	if sess.req.Options.ScreenshotOnViolation && m.screenshot != nil {
		if ref, err := m.screenshot(ctx, site.BaseURL); err != nil {
			m.logger.Printf("screenshot %s: %v", site.BaseURL, err)
		} else {
			record.Evidence["screenshot"] = ref
		}
	}

	if err := m.violations.Insert(ctx, record); err != nil {
		m.logger.Printf("persist violation %s: %v", record.ID, err)
	}
	if m.onDetect != nil {
		m.onDetect(res.RiskLevel)
	}

	m.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomSession(sess.id),
		fabric.EventViolationDetected, fabric.ViolationPayload{
			SessionID:  sess.id,
			URL:        site.BaseURL,
			RiskLevel:  string(res.RiskLevel),
			Confidence: res.Confidence,
		})
}

func (m *Manager) skip(sess *Session, site *core.KnownSite, reason string) {
	m.bus.Publish(fabric.NamespaceMonitoring, fabric.RoomSession(sess.id),
		fabric.EventSiteSkipped, fabric.SiteSkippedPayload{
			SessionID: sess.id,
			SiteID:    site.ID,
			Reason:    reason,
		})
}

// checkErrorBudget fails the session once errors exceed 20% of scanned
// sites. The failure is sticky; in-flight workers drain on the cancelled
// context.
func (m *Manager) checkErrorBudget(sess *Session) {
	if sess.excessiveErrors() {
		sess.transition(core.SessionFailed, string(core.CodeExcessiveErrors))
		sess.cancel()
	}
}
