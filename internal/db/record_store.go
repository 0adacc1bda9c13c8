package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/querypilot/querypilot/pkg/models"
)

// ErrInvalidTransition is returned when a status update would move a
// query record backwards through its state graph.
var ErrInvalidTransition = errors.New("invalid query status transition")

// RecordStore provides query-record database operations.
type RecordStore struct {
	store *Store
	now   func() time.Time
}

// NewRecordStore creates a new query record store.
func NewRecordStore(store *Store) *RecordStore {
	return &RecordStore{store: store, now: time.Now}
}

// Create persists a new query record in pending status.
func (s *RecordStore) Create(ctx context.Context, rec *models.QueryRecord) error {
	row := &QueryRecord{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Principal: string(rec.Principal),
		ChannelID: rec.ChannelID,
		Question:  rec.Question,
		Status:    string(models.QueryStatusPending),
		CreatedAt: rec.CreatedAt,
	}
	return s.store.DB.WithContext(ctx).Create(row).Error
}

// Update mutates non-status fields of a record (generated SQL,
// discovery metadata, result payload).
func (s *RecordStore) Update(ctx context.Context, id string, fields map[string]any) error {
	return s.store.DB.WithContext(ctx).
		Model(&QueryRecord{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// Transition moves a record to the next status, enforcing the
// monotonic state graph. The update is guarded by the current status
// so a concurrent transition loses cleanly instead of regressing.
func (s *RecordStore) Transition(ctx context.Context, id string, next models.QueryStatus, fields map[string]any) error {
	var row QueryRecord
	if err := s.store.DB.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return err
	}

	current := models.QueryStatus(row.Status)
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	updates := map[string]any{"status": string(next)}
	now := s.now().UTC()
	if next == models.QueryStatusRunning {
		updates["executed_at"] = now
	}
	if next.IsTerminal() {
		updates["completed_at"] = now
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.store.DB.WithContext(ctx).
		Model(&QueryRecord{}).
		Where("id = ? AND status = ?", id, row.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: record %s moved concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// Get retrieves a query record by id. Returns nil, nil when absent.
func (s *RecordStore) Get(ctx context.Context, id string) (*models.QueryRecord, error) {
	var row QueryRecord
	err := s.store.DB.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelRecord(&row), nil
}

// History returns the most recent records for a principal, newest
// first.
func (s *RecordStore) History(ctx context.Context, principal models.Principal, limit int) ([]*models.QueryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []QueryRecord
	err := s.store.DB.WithContext(ctx).
		Where("principal = ?", string(principal)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]*models.QueryRecord, 0, len(rows))
	for i := range rows {
		records = append(records, toModelRecord(&rows[i]))
	}
	return records, nil
}

// LatestSucceededSQL returns the SQL of the principal's most recent
// succeeded record for the exact question text, or "" when none
// exists. Used by the cache fast path to re-derive a cache key without
// calling the generation service.
func (s *RecordStore) LatestSucceededSQL(ctx context.Context, principal models.Principal, question string) (string, error) {
	var row QueryRecord
	err := s.store.DB.WithContext(ctx).
		Where("principal = ? AND question = ? AND status = ? AND sql <> ''",
			string(principal), question, string(models.QueryStatusSucceeded)).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.SQL, nil
}

func toModelRecord(row *QueryRecord) *models.QueryRecord {
	rec := &models.QueryRecord{
		ID:             row.ID,
		SessionID:      row.SessionID,
		Principal:      models.Principal(row.Principal),
		ChannelID:      row.ChannelID,
		Question:       row.Question,
		SQL:            row.SQL,
		Status:         models.QueryStatus(row.Status),
		RowCount:       row.RowCount,
		DurationMs:     row.DurationMs,
		ErrorReason:    row.ErrorReason,
		TableRefs:      row.TableRefs,
		SimilarQueries: row.SimilarQueries,
		CreatedAt:      row.CreatedAt,
		ExecutedAt:     row.ExecutedAt,
		CompletedAt:    row.CompletedAt,
	}
	if row.Result != nil {
		result := models.ResultSet(*row.Result)
		rec.Result = &result
	}
	return rec
}
