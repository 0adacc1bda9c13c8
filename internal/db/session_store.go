package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/querypilot/querypilot/pkg/models"
)

// SessionStore provides session-related database operations.
type SessionStore struct {
	store *Store
	now   func() time.Time
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store, now: time.Now}
}

// GetOrCreate returns the active session for (principal, channel),
// creating one if none exists. The insert is ON CONFLICT DO NOTHING
// against the partial unique index on active pairs, so concurrent
// first-contact from the same pair yields exactly one row.
func (s *SessionStore) GetOrCreate(ctx context.Context, principal models.Principal, channelID string) (*models.Session, error) {
	now := s.now().UTC()
	candidate := &Session{
		ID:           uuid.NewString(),
		Principal:    string(principal),
		ChannelID:    channelID,
		Context:      models.JSONMap{},
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}

	err := s.store.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(candidate).Error
	if err != nil {
		return nil, err
	}

	var row Session
	err = s.store.DB.WithContext(ctx).
		Where("principal = ? AND channel_id = ? AND active", string(principal), channelID).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return toModelSession(&row), nil
}

// Get retrieves a session by id. Returns nil, nil when absent.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var row Session
	err := s.store.DB.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelSession(&row), nil
}

// Touch refreshes last_activity and merges the context patch.
// Last-writer-wins: session context is advisory, not authoritative,
// so concurrent touches for the same session are not serialized.
func (s *SessionStore) Touch(ctx context.Context, sessionID string, patch map[string]any) error {
	now := s.now().UTC()
	updates := map[string]any{"last_activity": now}

	if len(patch) > 0 {
		var row Session
		if err := s.store.DB.WithContext(ctx).First(&row, "id = ?", sessionID).Error; err != nil {
			return err
		}
		merged := models.JSONMap{}
		for k, v := range row.Context {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		updates["context"] = merged
	}

	return s.store.DB.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

// ExpireIdle flips active=false for sessions idle longer than the
// threshold, and for sessions past their explicit expiry. Rows are
// never deleted here. Returns the number of sessions expired.
func (s *SessionStore) ExpireIdle(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-threshold)

	res := s.store.DB.WithContext(ctx).
		Model(&Session{}).
		Where("active AND (last_activity < ? OR (expires_at IS NOT NULL AND expires_at < ?))", cutoff, now).
		Update("active", false)
	return res.RowsAffected, res.Error
}

func toModelSession(row *Session) *models.Session {
	return &models.Session{
		ID:           row.ID,
		Principal:    models.Principal(row.Principal),
		ChannelID:    row.ChannelID,
		Context:      map[string]any(row.Context),
		CreatedAt:    row.CreatedAt,
		LastActivity: row.LastActivity,
		Active:       row.Active,
		ExpiresAt:    row.ExpiresAt,
	}
}
