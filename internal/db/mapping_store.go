package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/querypilot/querypilot/pkg/models"
)

// MappingStore provides user-mapping database operations for the local
// identity resolver.
type MappingStore struct {
	store *Store
	now   func() time.Time
}

// NewMappingStore creates a new mapping store.
func NewMappingStore(store *Store) *MappingStore {
	return &MappingStore{store: store, now: time.Now}
}

// Get returns the identity mapped to a principal, or nil, nil when no
// mapping exists.
func (s *MappingStore) Get(ctx context.Context, principal models.Principal) (*models.Identity, error) {
	var row UserMapping
	err := s.store.DB.WithContext(ctx).First(&row, "principal = ?", string(principal)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.Identity{
		Principal:   models.Principal(row.Principal),
		Email:       row.Email,
		FullName:    row.FullName,
		DirectoryID: row.DirectoryID,
		Roles:       row.Roles,
		Active:      row.Active,
	}, nil
}

// Upsert creates or replaces a principal's mapping.
func (s *MappingStore) Upsert(ctx context.Context, identity *models.Identity) error {
	now := s.now().UTC()
	row := &UserMapping{
		Principal:   string(identity.Principal),
		Email:       identity.Email,
		FullName:    identity.FullName,
		DirectoryID: identity.DirectoryID,
		Roles:       models.JSONRoles(identity.Roles),
		Active:      identity.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.store.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "principal"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"email", "full_name", "directory_id", "roles", "active", "updated_at",
			}),
		}).
		Create(row).Error
}
