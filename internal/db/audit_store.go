package db

import (
	"context"
	"time"

	"github.com/querypilot/querypilot/pkg/models"
)

// AuditStore provides append and query access to the audit trail.
// Rows are append-only; there is deliberately no update or delete.
type AuditStore struct {
	store *Store
	now   func() time.Time
}

// NewAuditStore creates a new audit store.
func NewAuditStore(store *Store) *AuditStore {
	return &AuditStore{store: store, now: time.Now}
}

// Append persists one audit entry.
func (s *AuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	row := &AuditEntry{
		EventType: entry.EventType,
		Category:  string(entry.Category),
		Severity:  string(entry.Severity),
		Principal: string(entry.Principal),
		SessionID: entry.SessionID,
		QueryID:   entry.QueryID,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	if row.Severity == "" {
		row.Severity = string(models.SeverityInfo)
	}
	if err := s.store.DB.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	entry.ID = row.ID
	entry.CreatedAt = row.CreatedAt
	return nil
}

// Filter narrows an audit query. Zero-valued fields are ignored.
type AuditFilter struct {
	Principal models.Principal
	Category  models.EventCategory
	EventType string
	Since     time.Time
	Limit     int
}

// Query returns matching entries newest first.
func (s *AuditStore) Query(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	q := s.store.DB.WithContext(ctx).Model(&AuditEntry{})
	if filter.Principal != "" {
		q = q.Where("principal = ?", string(filter.Principal))
	}
	if filter.Category != "" {
		q = q.Where("category = ?", string(filter.Category))
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []AuditEntry
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]*models.AuditEntry, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		entries = append(entries, &models.AuditEntry{
			ID:        row.ID,
			EventType: row.EventType,
			Category:  models.EventCategory(row.Category),
			Severity:  models.Severity(row.Severity),
			Principal: models.Principal(row.Principal),
			SessionID: row.SessionID,
			QueryID:   row.QueryID,
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt,
		})
	}
	return entries, nil
}
