// Package audit records security and operational events. Writes are
// durable in the primary store, but a failed write never fails the
// operation being audited: the entry is emitted to the structured log
// instead and a metric is bumped so operators notice the gap.
package audit

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/pkg/models"
)

// Logger writes audit entries.
type Logger struct {
	store *db.AuditStore
}

// NewLogger creates an audit logger over the store.
func NewLogger(store *db.AuditStore) *Logger {
	return &Logger{store: store}
}

// Record persists an entry. On storage failure it degrades to the
// application log and returns nil so the audited operation proceeds.
func (l *Logger) Record(ctx context.Context, entry *models.AuditEntry) error {
	if err := l.store.Append(ctx, entry); err != nil {
		metrics.RecordAuditWriteFailure(ctx)
		log.Error().
			Err(err).
			Str("event_type", entry.EventType).
			Str("category", string(entry.Category)).
			Str("severity", string(entry.Severity)).
			Str("principal", string(entry.Principal)).
			Str("query_id", entry.QueryID).
			Interface("payload", entry.Payload).
			Msg("audit_degraded: entry not persisted")
	}
	return nil
}

// Security records a security-category event.
func (l *Logger) Security(ctx context.Context, eventType string, principal models.Principal, severity models.Severity, payload map[string]any) {
	_ = l.Record(ctx, &models.AuditEntry{
		EventType: eventType,
		Category:  models.CategorySecurity,
		Severity:  severity,
		Principal: principal,
		Payload:   payload,
	})
}

// Query records a query-lifecycle event tied to a query record.
func (l *Logger) Query(ctx context.Context, eventType string, principal models.Principal, sessionID, queryID string, payload map[string]any) {
	_ = l.Record(ctx, &models.AuditEntry{
		EventType: eventType,
		Category:  models.CategoryQuery,
		Severity:  models.SeverityInfo,
		Principal: principal,
		SessionID: sessionID,
		QueryID:   queryID,
		Payload:   payload,
	})
}

// System records an operator or lifecycle event.
func (l *Logger) System(ctx context.Context, eventType string, principal models.Principal, payload map[string]any) {
	_ = l.Record(ctx, &models.AuditEntry{
		EventType: eventType,
		Category:  models.CategorySystem,
		Severity:  models.SeverityInfo,
		Principal: principal,
		Payload:   payload,
	})
}

// Search exposes the audit trail to the operator surface.
func (l *Logger) Search(ctx context.Context, filter db.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.Query(ctx, filter)
}
