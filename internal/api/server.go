// Package api is the HTTP edge: admission, session control, queue
// introspection and the realtime upgrade endpoints. Handlers translate
// stable error codes into status codes; no business rules live here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/copysentry/backend/internal/agent"
	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/fabric"
	"github.com/copysentry/backend/internal/metrics"
	"github.com/copysentry/backend/internal/ownership"
	"github.com/copysentry/backend/internal/queue"
	"github.com/copysentry/backend/internal/ratelimit"
)

// Per-tenant request budgets.
const (
	apiWindowLimit  = 120 // all endpoints, per minute, sliding
	scanWindowLimit = 10  // scan submissions, per minute, fixed
)

// SessionReader serves snapshots of sessions no longer live in memory.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*core.SessionSnapshot, error)
}

// SiteLister enumerates known sites for requests without explicit targets.
type SiteLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// BrandReader resolves brand profiles for tenancy checks at the edge.
type BrandReader interface {
	Get(ctx context.Context, brandID string) (*core.BrandProfile, error)
}

// Server holds the HTTP dependencies and the router.
type Server struct {
	router *mux.Router

	coord     *queue.Coordinator
	agents    *agent.Manager
	sessions  SessionReader
	sites     SiteLister
	brands    BrandReader
	ownership *ownership.Service
	perAPI    *ratelimit.SlidingWindow
	perScan   *ratelimit.FixedWindow
	broker    *fabric.Broker
	metrics   *metrics.Set

	defaultTimeout time.Duration
}

// New wires the router. metrics may be nil.
func New(coord *queue.Coordinator, agents *agent.Manager, sessions SessionReader, sites SiteLister, brands BrandReader, owner *ownership.Service, perAPI *ratelimit.SlidingWindow, perScan *ratelimit.FixedWindow, broker *fabric.Broker, m *metrics.Set, defaultTimeout time.Duration) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		coord:          coord,
		agents:         agents,
		sessions:       sessions,
		sites:          sites,
		brands:         brands,
		ownership:      owner,
		perAPI:         perAPI,
		perScan:        perScan,
		broker:         broker,
		metrics:        m,
		defaultTimeout: defaultTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.broker.HandleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	authed := s.router.NewRoute().Subrouter()
	authed.Use(s.tenantAuth, s.rateLimit)
	authed.HandleFunc("/agents/known-sites/scan", s.handleScan).Methods(http.MethodPost)
	authed.HandleFunc("/agents/discovery/{sessionId}", s.handleSessionGet).Methods(http.MethodGet)
	authed.HandleFunc("/agents/discovery/{sessionId}", s.handleSessionControl).Methods(http.MethodPost)
	authed.HandleFunc("/queue/status", s.handleQueueStatus).Methods(http.MethodGet)
	authed.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	authed.HandleFunc("/queue/cancel", s.handleQueueCancel).Methods(http.MethodPost)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Mount attaches an external handler under a path prefix (the socket.io
// gateway).
func (s *Server) Mount(prefix string, h http.Handler) {
	s.router.PathPrefix(prefix).Handler(h)
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

type ctxKey int

const tenantKey ctxKey = 0

// tenantAuth requires the authenticated tenant id injected by the edge
// proxy. Requests without it are unauthenticated.
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing X-Tenant-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenantID)))
	})
}

func tenantFrom(r *http.Request) string {
	id, _ := r.Context().Value(tenantKey).(string)
	return id
}

// rateLimit applies the per-tenant sliding-window budget to every
// authenticated endpoint.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, err := s.perAPI.Allow(r.Context(), "api:"+tenantFrom(r), apiWindowLimit, time.Minute)
		if err != nil {
			writeCoded(w, core.WrapCoded(core.CodeInternal, err))
			return
		}
		if dec.FailOpen && s.metrics != nil {
			s.metrics.LimiterFailOpen.Inc()
		}
		if !dec.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(dec.ResetAt).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, string(core.CodeRateLimited), "request budget exhausted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeCoded maps stable error codes onto HTTP statuses.
func writeCoded(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case core.CodeInvalidOptions:
		status = http.StatusBadRequest
	case core.CodeTenantBlocked, core.CodeOwnershipInsufficient:
		status = http.StatusForbidden
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeDuplicateActive, core.CodeConflict:
		status = http.StatusConflict
	case core.CodeRateLimited:
		status = http.StatusTooManyRequests
	case core.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	var ce *core.CodedError
	msg := err.Error()
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	writeError(w, status, string(code), msg)
}
