package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scanOptionsDTO struct {
	RespectRobots         *bool `json:"respectRobots,omitempty"`
	MaxConcurrency        int   `json:"maxConcurrency,omitempty"`
	TimeoutMs             int   `json:"timeoutMs,omitempty"`
	ScreenshotOnViolation bool  `json:"screenshotOnViolation,omitempty"`
	SkipRecentlyScanned   bool  `json:"skipRecentlyScanned,omitempty"`
	RecentThresholdHours  int   `json:"recentThresholdHours,omitempty"`
}

type scanRequestDTO struct {
	BrandProfileID string          `json:"brandProfileId"`
	SiteIDs        []string        `json:"siteIds,omitempty"`
	Kind           string          `json:"kind,omitempty"` // discovery|revisit
	Options        *scanOptionsDTO `json:"options,omitempty"`
}

// options converts the DTO to domain options, filling defaults so bounds
// validation sees complete values.
func (dto *scanRequestDTO) options(defaultTimeout time.Duration) core.ScanOptions {
	opts := core.ScanOptions{
		RespectRobots:   true,
		MaxConcurrency:  3,
		Timeout:         defaultTimeout,
		RecentThreshold: 24 * time.Hour,
	}
	in := dto.Options
	if in == nil {
		return opts
	}
	if in.RespectRobots != nil {
		opts.RespectRobots = *in.RespectRobots
	}
	if in.MaxConcurrency != 0 {
		opts.MaxConcurrency = in.MaxConcurrency
	}
	if in.TimeoutMs != 0 {
		opts.Timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	opts.ScreenshotOnViolation = in.ScreenshotOnViolation
	opts.SkipRecentlyScanned = in.SkipRecentlyScanned
	if in.RecentThresholdHours != 0 {
		opts.RecentThreshold = time.Duration(in.RecentThresholdHours) * time.Hour
	}
	return opts
}

// handleScan admits or enqueues a known-sites scan for the caller's tenant.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)

	dec, err := s.perScan.Allow(r.Context(), "scan:"+tenantID, scanWindowLimit, time.Minute)
	if err != nil {
		writeCoded(w, core.WrapCoded(core.CodeInternal, err))
		return
	}
	if dec.FailOpen && s.metrics != nil {
		s.metrics.LimiterFailOpen.Inc()
	}
	if !dec.Allowed {
		writeError(w, http.StatusTooManyRequests, string(core.CodeRateLimited), "scan submission budget exhausted")
		return
	}

	var dto scanRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, string(core.CodeInvalidOptions), "malformed request body")
		return
	}
	if dto.BrandProfileID == "" {
		writeError(w, http.StatusBadRequest, string(core.CodeInvalidOptions), "brandProfileId is required")
		return
	}

	brand, err := s.brands.Get(r.Context(), dto.BrandProfileID)
	if err != nil {
		writeCoded(w, err)
		return
	}
	if brand.TenantID != tenantID {
		// Other tenants' brands are invisible, not forbidden.
		writeError(w, http.StatusNotFound, string(core.CodeNotFound), "brand profile not found")
		return
	}

	if err := s.ownership.RequireScanScore(r.Context(), dto.BrandProfileID); err != nil {
		writeCoded(w, err)
		return
	}

	siteIDs := dto.SiteIDs
	if len(siteIDs) == 0 {
		siteIDs, err = s.sites.ListIDs(r.Context())
		if err != nil {
			writeCoded(w, err)
			return
		}
	}

	kind := core.AgentRevisit
	if dto.Kind == string(core.AgentDiscovery) {
		kind = core.AgentDiscovery
	}

	req := core.ScanRequest{
		TenantID:       tenantID,
		BrandProfileID: dto.BrandProfileID,
		SiteIDs:        siteIDs,
		Options:        dto.options(s.defaultTimeout),
		Kind:           kind,
	}

	res, err := s.coord.Enqueue(r.Context(), req)
	if err != nil {
		writeCoded(w, err)
		return
	}
	if s.metrics != nil && res.Status == queue.StatusProcessing {
		s.metrics.ScansAdmitted.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSessionGet serves the session snapshot, preferring live counters.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	if snap, ok := s.agents.Snapshot(sessionID); ok {
		s.writeOwnedSnapshot(w, r, snap)
		return
	}
	snap, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeCoded(w, err)
		return
	}
	s.writeOwnedSnapshot(w, r, *snap)
}

func (s *Server) writeOwnedSnapshot(w http.ResponseWriter, r *http.Request, snap core.SessionSnapshot) {
	if snap.TenantID != tenantFrom(r) {
		// Hide other tenants' sessions entirely.
		writeError(w, http.StatusNotFound, string(core.CodeNotFound), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type sessionControlDTO struct {
	Action string `json:"action"` // pause|resume|cancel
}

func (s *Server) handleSessionControl(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	snap, ok := s.agents.Snapshot(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, string(core.CodeNotFound), "session not live")
		return
	}
	if snap.TenantID != tenantFrom(r) {
		writeError(w, http.StatusNotFound, string(core.CodeNotFound), "session not found")
		return
	}

	var dto sessionControlDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, string(core.CodeInvalidOptions), "malformed request body")
		return
	}

	var applied bool
	switch dto.Action {
	case "pause":
		applied = s.agents.Pause(sessionID)
	case "resume":
		applied = s.agents.Resume(sessionID)
	case "cancel":
		applied = s.agents.Cancel(sessionID)
	default:
		writeError(w, http.StatusBadRequest, string(core.CodeInvalidOptions), "action must be pause, resume or cancel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied, "action": dto.Action})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.StatusFor(r.Context(), tenantFrom(r)))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GlobalStats(r.Context()))
}

type queueCancelDTO struct {
	QueueID string `json:"queueId"`
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	var dto queueCancelDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil || dto.QueueID == "" {
		writeError(w, http.StatusBadRequest, string(core.CodeInvalidOptions), "queueId is required")
		return
	}
	cancelled := s.coord.Cancel(r.Context(), tenantFrom(r), dto.QueueID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
