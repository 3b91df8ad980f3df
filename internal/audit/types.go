// Package audit provides the append-only, hash-chained audit log. Events are
// written by a single writer, indexed in a TTL-bounded hot store, and drained
// in batches to an optional external sink.
package audit

import (
	"time"
)

// EventType categorizes audit events. The strings are stable and part of the
// external contract.
type EventType string

const (
	EventLoginSuccess   EventType = "auth.login.success"
	EventLoginFailure   EventType = "auth.login.failure"
	EventLogout         EventType = "auth.logout"
	EventSessionCreated EventType = "auth.session.created"
	EventSessionExpired EventType = "auth.session.expired"

	EventDataRead      EventType = "data.read"
	EventDataWrite     EventType = "data.write"
	EventDataDelete    EventType = "data.delete"
	EventQueryExecuted EventType = "data.query.executed"

	EventConfigChanged  EventType = "system.config.changed"
	EventServiceStarted EventType = "system.service.started"
	EventServiceStopped EventType = "system.service.stopped"
	EventSystemError    EventType = "system.error"
	EventSecurityAlert  EventType = "system.security.alert"

	EventConsentGiven     EventType = "compliance.gdpr.consent.given"
	EventConsentWithdrawn EventType = "compliance.gdpr.consent.withdrawn"
	EventDataRequested    EventType = "compliance.gdpr.data.requested"
	EventDataDeleted      EventType = "compliance.gdpr.data.deleted"
	EventAuditAccessed    EventType = "compliance.audit.accessed"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Actor identifies who performed the action.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Subject identifies what the action touched.
type Subject struct {
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
}

// Event is a single audit record. PrevHash names the predecessor's hash and
// Hash covers the event fields plus PrevHash, forming the chain link.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Actor     *Actor         `json:"actor,omitempty"`
	Subject   *Subject       `json:"subject,omitempty"`
	Action    string         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// Entry is the caller-supplied part of an event.
type Entry struct {
	Type     EventType
	Action   string
	Severity Severity
	Outcome  Outcome
	Actor    *Actor
	Subject  *Subject
	Details  map[string]any
}

// Filter narrows a Query call. Zero values mean "any".
type Filter struct {
	Start    time.Time
	End      time.Time
	Type     EventType
	UserID   string
	Severity Severity
	Limit    int
	Offset   int
}

// Report is a compliance summary over a window.
type Report struct {
	Standard          string            `json:"standard"`
	WindowStart       time.Time         `json:"window_start"`
	WindowEnd         time.Time         `json:"window_end"`
	GeneratedAt       time.Time         `json:"generated_at"`
	TotalEvents       int               `json:"total_events"`
	EventsByType      map[string]int    `json:"events_by_type"`
	EventsBySeverity  map[string]int    `json:"events_by_severity"`
	FailureCount      int               `json:"failure_count"`
	SecurityAlerts    int               `json:"security_alerts"`
	IntegrityVerified bool              `json:"integrity_verified"`
	Sections          map[string]string `json:"sections,omitempty"`
}

// Config tunes the audit service.
type Config struct {
	RetentionDays int
	BatchSize     int
	FlushInterval time.Duration
	SinkURL       string
	SinkKey       string
	FallbackPath  string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 2555,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		FallbackPath:  "audit_fallback.log",
	}
}
