// Package fabric is the real-time progress layer: a single-process broker
// with namespaces and rooms, bounded per-subscriber buffers, and a
// websocket edge. Events are transient; a reconnecting subscriber starts
// fresh.
package fabric

import "time"

// Namespaces used by the platform.
const (
	NamespaceMonitoring = "/monitoring"
	NamespaceAgents     = "/agents"
)

// RoomSession addresses a scan session's room.
func RoomSession(sessionID string) string { return "session:" + sessionID }

// RoomAgent addresses an agent's lifecycle room.
func RoomAgent(agentID string) string { return "agent:" + agentID }

// RoomBroadcast is the room every namespace subscriber implicitly shares.
const RoomBroadcast = ""

// Event names (core catalog).
const (
	EventQueueUpdate       = "queue:update"
	EventQueueStats        = "queue:stats"
	EventSessionProgress   = "session:progress"
	EventSessionState      = "session:state"
	EventViolationDetected = "violation:detected"
	EventAgentStarted      = "agent:started"
	EventAgentCompleted    = "agent:completed"
	EventAgentError        = "agent:error"
	EventSiteSkipped       = "site:skipped"
	EventOverflow          = "overflow"
)

// Event is one fabric message. Payload is one of the typed payload structs
// below; untyped payloads are rejected at the boundary.
type Event struct {
	Namespace string      `json:"namespace"`
	Room      string      `json:"room,omitempty"`
	Name      string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// QueueUpdatePayload mirrors the queue's aggregate counters.
type QueueUpdatePayload struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// QueueStatsPayload carries global queue counters.
type QueueStatsPayload struct {
	GlobalLimit   int     `json:"global_limit"`
	Running       int     `json:"running"`
	Waiting       int     `json:"waiting"`
	AvgWaitMs     int64   `json:"avg_wait_ms"`
	AdmittedTotal int64   `json:"admitted_total"`
	Utilization   float64 `json:"utilization"`
}

// SessionProgressPayload streams per-session counter updates.
type SessionProgressPayload struct {
	SessionID       string  `json:"session_id"`
	SitesScanned    int     `json:"sites_scanned"`
	TotalSites      int     `json:"total_sites"`
	ViolationsFound int     `json:"violations_found"`
	CurrentSite     string  `json:"current_site,omitempty"`
	Percent         float64 `json:"percent"`
}

// SessionStatePayload reports a lifecycle transition. Code is set on
// terminal error states.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Code      string `json:"code,omitempty"`
}

// ViolationPayload announces a detection.
type ViolationPayload struct {
	SessionID  string  `json:"session_id"`
	URL        string  `json:"url"`
	RiskLevel  string  `json:"risk_level"`
	Confidence float64 `json:"confidence"`
}

// AgentLifecyclePayload covers agent:started/completed/error.
type AgentLifecyclePayload struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	Reason    string `json:"reason,omitempty"`
}

// SiteSkippedPayload reports a site the agent declined to fetch.
type SiteSkippedPayload struct {
	SessionID string `json:"session_id"`
	SiteID    string `json:"site_id"`
	Reason    string `json:"reason"` // "skipped-recent" or "robots"
}

// OverflowPayload is the subscriber-local diagnostic emitted after drops.
type OverflowPayload struct {
	Dropped int `json:"dropped"`
}
