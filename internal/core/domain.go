// Package core holds the shared domain model for the scan orchestration
// platform: tenants, brand profiles, scan requests/sessions, known sites
// and violation records. Components communicate in these types; persistence
// lives in internal/store.
package core

import (
	"time"
)

// PlanTier is a tenant's service tier. It drives the per-tenant concurrency
// cap and the queue priority weight.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanBasic      PlanTier = "basic"
	PlanPremium    PlanTier = "premium"
	PlanEnterprise PlanTier = "enterprise"
	PlanAdmin      PlanTier = "admin"
)

// ConcurrencyCap returns the per-tenant concurrent scan cap for a tier.
// Admin is uncapped (returns -1).
func (p PlanTier) ConcurrencyCap() int {
	switch p {
	case PlanFree:
		return 1
	case PlanBasic:
		return 3
	case PlanPremium:
		return 10
	case PlanEnterprise:
		return 25
	case PlanAdmin:
		return -1
	default:
		return 1
	}
}

// Weight returns the plan weight used in the queue priority formula.
func (p PlanTier) Weight() int {
	switch p {
	case PlanBasic:
		return 2
	case PlanPremium:
		return 3
	case PlanEnterprise, PlanAdmin:
		return 5
	default:
		return 1
	}
}

// AbuseState classifies a tenant on the abuse ladder. Only the abuse engine
// writes this; everyone else reads a snapshot.
type AbuseState string

const (
	AbuseClean    AbuseState = "clean"
	AbuseWarning  AbuseState = "warning"
	AbuseHighRisk AbuseState = "high_risk"
	AbuseBlocked  AbuseState = "blocked"
)

// Tenant owns brands and scans.
type Tenant struct {
	ID           string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Plan         PlanTier   `json:"plan"`
	AbuseScore   float64    `json:"abuse_score"`
	AbuseState   AbuseState `json:"abuse_state"`
	// AbuseUpdatedAt anchors score decay when the standing is reloaded
	// after a restart.
	AbuseUpdatedAt time.Time `json:"abuse_updated_at"`
	LastActivity   time.Time `json:"last_activity"`
	CreatedAt      time.Time `json:"created_at"`
}

// BrandProfile is a monitored identity belonging to a tenant.
//
// The three keyword sets are pairwise disjoint; only SafeKeywords may be
// submitted to external search.
type BrandProfile struct {
	ID                string   `json:"brand_profile_id"`
	TenantID          string   `json:"tenant_id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	OfficialURLs      []string `json:"official_urls"`
	SafeKeywords      []string `json:"safe_keywords"`
	ModerateKeywords  []string `json:"moderate_keywords"`
	DangerousKeywords []string `json:"dangerous_keywords"`
}

// ValidateKeywordSets enforces pairwise disjointness of the three sets.
func (b *BrandProfile) ValidateKeywordSets() error {
	seen := make(map[string]string)
	check := func(set []string, name string) error {
		for _, kw := range set {
			if prev, ok := seen[kw]; ok && prev != name {
				return NewCodedError(CodeInvalidOptions,
					"keyword %q appears in both %s and %s sets", kw, prev, name)
			}
			seen[kw] = name
		}
		return nil
	}
	if err := check(b.SafeKeywords, "safe"); err != nil {
		return err
	}
	if err := check(b.ModerateKeywords, "moderate"); err != nil {
		return err
	}
	return check(b.DangerousKeywords, "dangerous")
}

// ScanOptions bounds are enforced at admission.
type ScanOptions struct {
	RespectRobots         bool          `json:"respect_robots"`
	MaxConcurrency        int           `json:"max_concurrency"` // [1,10]
	Timeout               time.Duration `json:"timeout"`         // [5s,60s]
	ScreenshotOnViolation bool          `json:"screenshot_on_violation"`
	SkipRecentlyScanned   bool          `json:"skip_recently_scanned"`
	RecentThreshold       time.Duration `json:"recent_threshold"` // [1h,168h]
}

// Validate checks option bounds. Callers fill zero values with defaults
// before validating.
func (o ScanOptions) Validate() error {
	if o.MaxConcurrency < 1 || o.MaxConcurrency > 10 {
		return NewCodedError(CodeInvalidOptions, "max_concurrency must be in [1,10]")
	}
	if o.Timeout < 5*time.Second || o.Timeout > 60*time.Second {
		return NewCodedError(CodeInvalidOptions, "timeout must be in [5s,60s]")
	}
	if o.SkipRecentlyScanned && (o.RecentThreshold < time.Hour || o.RecentThreshold > 168*time.Hour) {
		return NewCodedError(CodeInvalidOptions, "recent_threshold must be in [1h,168h]")
	}
	return nil
}

// AgentKind selects the site-ordering policy inside a session. Discovery
// prefers never-checked sites; revisit prefers historically risky ones.
type AgentKind string

const (
	AgentDiscovery AgentKind = "discovery"
	AgentRevisit   AgentKind = "revisit"
)

// ScanRequest is an intent to scan, produced by the admission edge.
type ScanRequest struct {
	TenantID       string      `json:"tenant_id"`
	BrandProfileID string      `json:"brand_profile_id"`
	SiteIDs        []string    `json:"site_ids"`
	Options        ScanOptions `json:"options"`
	Kind           AgentKind   `json:"kind"`
}

// SessionState is the scan session lifecycle. Terminal states are sticky.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether the state is sticky.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// SessionSnapshot is a read-only copy of a session's counters, safe to hand
// across component boundaries.
type SessionSnapshot struct {
	ID                  string       `json:"session_id"`
	TenantID            string       `json:"tenant_id"`
	BrandProfileID      string       `json:"brand_profile_id"`
	State               SessionState `json:"state"`
	TotalSites          int          `json:"total_sites"`
	SitesScanned        int          `json:"sites_scanned"`
	ViolationsFound     int          `json:"violations_found"`
	ErrorCount          int          `json:"error_count"`
	CurrentSite         string       `json:"current_site,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	StartedAt           time.Time    `json:"started_at,omitempty"`
	CompletedAt         time.Time    `json:"completed_at,omitempty"`
	EstimatedCompletion time.Time    `json:"estimated_completion,omitempty"`
}

// Percent returns scan progress in [0,100].
func (s SessionSnapshot) Percent() float64 {
	if s.TotalSites == 0 {
		return 0
	}
	return 100 * float64(s.SitesScanned) / float64(s.TotalSites)
}

// KnownSite is a crawl target with accumulated reputation.
type KnownSite struct {
	ID              string    `json:"site_id"`
	BaseURL         string    `json:"base_url"`
	Domain          string    `json:"domain"`
	Category        string    `json:"category"`
	TotalViolations int       `json:"total_violations"`
	RiskScore       float64   `json:"risk_score"`
	LastChecked     time.Time `json:"last_checked"`
	CrawlDelayMs    int       `json:"crawl_delay_ms"`
	BlockedByRobots bool      `json:"blocked_by_robots"`
}

// RiskLevel grades a detected violation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a classification confidence to a risk grade.
func RiskLevelFor(confidence float64, dangerousHit bool) RiskLevel {
	switch {
	case dangerousHit && confidence >= 0.9:
		return RiskCritical
	case confidence >= 0.85:
		return RiskHigh
	case confidence >= 0.7:
		return RiskMedium
	default:
		return RiskLow
	}
}

// DetectionMethod records how a violation was found.
type DetectionMethod string

const (
	DetectKeyword DetectionMethod = "keyword-match"
	DetectAI      DetectionMethod = "ai-classification"
	DetectHybrid  DetectionMethod = "hybrid"
)

// ViolationRecord is immutable once written.
type ViolationRecord struct {
	ID                 string            `json:"violation_id"`
	SessionID          string            `json:"session_id"`
	SiteID             string            `json:"site_id"`
	URL                string            `json:"url"`
	Title              string            `json:"title"`
	Method             DetectionMethod   `json:"method"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	Confidence         float64           `json:"confidence"`
	ContentFingerprint string            `json:"content_fingerprint"`
	Evidence           map[string]string `json:"evidence,omitempty"`
	DetectedAt         time.Time         `json:"detected_at"`
}

// OwnershipMethod enumerates proof-of-ownership methods.
type OwnershipMethod string

const (
	OwnershipDNSTXT  OwnershipMethod = "dns-txt"
	OwnershipMetaTag OwnershipMethod = "meta-tag"
	OwnershipSocial  OwnershipMethod = "social-media"
	OwnershipManual  OwnershipMethod = "manual"
)

// OwnershipStatus is the per-method validation status.
type OwnershipStatus string

const (
	OwnershipPending      OwnershipStatus = "pending"
	OwnershipVerified     OwnershipStatus = "verified"
	OwnershipFailed       OwnershipStatus = "failed"
	OwnershipManualReview OwnershipStatus = "manual_review_required"
)

// OwnershipValidation is the per-(brand, method) validation record.
type OwnershipValidation struct {
	BrandProfileID    string          `json:"brand_profile_id"`
	Method            OwnershipMethod `json:"method"`
	Status            OwnershipStatus `json:"status"`
	VerificationToken string          `json:"verification_token"`
	Score             float64         `json:"score"`
	VerifiedAt        time.Time       `json:"verified_at,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at,omitempty"`
}
