package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/pkg/models"
)

// Cache is the durable result cache. Entries live in the relational
// store so cached results survive restarts and invalidation keeps hit
// history around for diagnostics.
type Cache struct {
	store *db.Store
	now   func() time.Time
}

// New creates a cache over the given store.
func New(store *db.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Lookup returns the live entry for a key, or nil when the key is
// absent, expired, or invalidated. Expiry is re-checked at read time
// rather than trusting the sweeper, so a stale row between sweeps is
// still a miss. A hit bumps the hit counter and last-hit timestamp
// without extending the TTL.
func (c *Cache) Lookup(ctx context.Context, key string) (*models.CacheEntry, error) {
	var row db.CacheEntry
	err := c.store.DB.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := toModelEntry(&row)
	if !entry.Live(c.now().UTC()) {
		return nil, nil
	}

	// Counter update goes through the database so concurrent hits on
	// the same key never lose increments.
	hitAt := c.now().UTC()
	err = c.store.DB.WithContext(ctx).
		Model(&db.CacheEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"hit_count": gorm.Expr("hit_count + 1"),
			"last_hit":  hitAt,
		}).Error
	if err != nil {
		return nil, err
	}

	entry.HitCount++
	entry.LastHit = &hitAt
	return entry, nil
}

// Store upserts a result under a key with the given TTL. Concurrent
// stores of the same key are last-writer-wins; the accumulated hit
// count is preserved across overwrites.
func (c *Cache) Store(ctx context.Context, key, sql string, result *models.ResultSet, ttl time.Duration) error {
	now := c.now().UTC()
	row := &db.CacheEntry{
		Key:        key,
		SQL:        sql,
		RowCount:   result.RowCount,
		DurationMs: result.DurationMs,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Valid:      true,
	}
	payload := models.JSONResultSet(*result)
	row.Result = &payload

	return c.store.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"sql", "result", "row_count", "duration_ms",
				"created_at", "expires_at", "valid", "invalidated_reason",
			}),
		}).
		Create(row).Error
}

// Invalidate flips an entry to invalid. The row stays so dashboards
// can still see what was cached and why it stopped being served.
// Invalidating an absent key is a no-op.
func (c *Cache) Invalidate(ctx context.Context, key, reason string) error {
	res := c.store.DB.WithContext(ctx).
		Model(&db.CacheEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"valid":              false,
			"invalidated_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Info().
			Str("cache_key", key).
			Str("reason", reason).
			Msg("Cache entry invalidated")
	}
	return nil
}

// Sweep deletes entries whose TTL has lapsed, including invalidated
// ones once they age out. Returns the number of rows removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	res := c.store.DB.WithContext(ctx).
		Where("expires_at < ?", c.now().UTC()).
		Delete(&db.CacheEntry{})
	return res.RowsAffected, res.Error
}

func toModelEntry(row *db.CacheEntry) *models.CacheEntry {
	entry := &models.CacheEntry{
		Key:               row.Key,
		RowCount:          row.RowCount,
		DurationMs:        row.DurationMs,
		HitCount:          row.HitCount,
		CreatedAt:         row.CreatedAt,
		ExpiresAt:         row.ExpiresAt,
		LastHit:           row.LastHit,
		Valid:             row.Valid,
		InvalidatedReason: row.InvalidatedReason,
	}
	if row.Result != nil {
		result := models.ResultSet(*row.Result)
		entry.Result = &result
	}
	return entry
}
