// Package db provides GORM-based persistence for querypilot.
package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/querypilot/querypilot/pkg/models"
)

// Session is the persisted conversational context for one
// (principal, channel) pair. Uniqueness among active rows is enforced
// by a partial index created in migration 002.
type Session struct {
	ID           string         `gorm:"primaryKey;size:36"`
	Principal    string         `gorm:"size:64;not null;index:idx_sessions_principal"`
	ChannelID    string         `gorm:"size:64;not null"`
	Context      models.JSONMap `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"not null"`
	LastActivity time.Time      `gorm:"not null;index:idx_sessions_activity"`
	Active       bool           `gorm:"not null;default:true;index:idx_sessions_active"`
	ExpiresAt    *time.Time
}

func (Session) TableName() string { return "sessions" }

// QueryRecord is one persisted attempt to answer a question.
type QueryRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:36;not null;index:idx_query_records_session"`
	Principal string `gorm:"size:64;not null;index:idx_query_records_principal"`
	ChannelID string `gorm:"size:64;not null"`
	Question  string `gorm:"type:text;not null"`
	SQL       string `gorm:"column:sql;type:text"`
	Status    string `gorm:"size:16;not null;check:status IN ('pending','running','succeeded','failed','timed_out','cancelled');index:idx_query_records_status"`

	Result      *models.JSONResultSet `gorm:"type:text"`
	RowCount    int                   `gorm:"default:0"`
	DurationMs  int64                 `gorm:"default:0"`
	ErrorReason string                `gorm:"type:text"`

	TableRefs      models.JSONTableRefs      `gorm:"type:text"`
	SimilarQueries models.JSONSimilarQueries `gorm:"type:text"`

	CreatedAt   time.Time `gorm:"not null;index:idx_query_records_created,sort:desc"`
	ExecutedAt  *time.Time
	CompletedAt *time.Time
}

func (QueryRecord) TableName() string { return "query_records" }

// BeforeCreate hook to ensure defaults are set.
func (r *QueryRecord) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = string(models.QueryStatusPending)
	}
	return nil
}

// CacheEntry is a cached query outcome. Invalidation keeps the row and
// flips Valid so hit and latency history survives for diagnostics.
type CacheEntry struct {
	Key               string                `gorm:"primaryKey;size:64"`
	SQL               string                `gorm:"column:sql;type:text;not null"`
	Result            *models.JSONResultSet `gorm:"type:text"`
	RowCount          int                   `gorm:"default:0"`
	DurationMs        int64                 `gorm:"default:0"`
	HitCount          int64                 `gorm:"not null;default:0"`
	CreatedAt         time.Time             `gorm:"not null"`
	ExpiresAt         time.Time             `gorm:"not null;index:idx_cache_entries_expires"`
	LastHit           *time.Time
	Valid             bool   `gorm:"not null;default:true"`
	InvalidatedReason string `gorm:"type:text"`
}

func (CacheEntry) TableName() string { return "cache_entries" }

// AuditEntry is append-only; the application never updates or deletes
// rows here.
type AuditEntry struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	EventType string         `gorm:"size:64;not null;index:idx_audit_entries_type"`
	Category  string         `gorm:"size:16;not null;check:category IN ('security','query','system','performance','error');index:idx_audit_entries_category"`
	Severity  string         `gorm:"size:16;not null;default:'info'"`
	Principal string         `gorm:"size:64;not null;index:idx_audit_entries_principal"`
	SessionID string         `gorm:"size:36"`
	QueryID   string         `gorm:"size:36"`
	Payload   models.JSONMap `gorm:"type:text"`
	CreatedAt time.Time      `gorm:"not null;index:idx_audit_entries_created,sort:desc"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

// UserMapping maps a chat-platform principal to roles. Consumed by the
// local identity resolver.
type UserMapping struct {
	Principal   string           `gorm:"primaryKey;size:64"`
	Email       string           `gorm:"size:255"`
	FullName    string           `gorm:"size:255"`
	DirectoryID string           `gorm:"size:128;index:idx_user_mappings_directory"`
	Roles       models.JSONRoles `gorm:"type:text"`
	// No default tag: gorm drops a zero-value bool from the INSERT when
	// one is present, which would make deactivation unpersistable.
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserMapping) TableName() string { return "user_mappings" }
