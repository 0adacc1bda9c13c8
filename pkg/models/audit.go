package models

import "time"

// EventCategory classifies audit entries.
type EventCategory string

const (
	CategorySecurity    EventCategory = "security"
	CategoryQuery       EventCategory = "query"
	CategorySystem      EventCategory = "system"
	CategoryPerformance EventCategory = "performance"
	CategoryError       EventCategory = "error"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is an immutable security/operational event. Entries are
// never updated or deleted by the application; retention is external.
type AuditEntry struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Category  EventCategory  `json:"category"`
	Severity  Severity       `json:"severity"`
	Principal Principal      `json:"principal"`
	SessionID string         `json:"session_id,omitempty"`
	QueryID   string         `json:"query_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
