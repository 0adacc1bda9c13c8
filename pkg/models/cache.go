package models

import "time"

// CacheEntry is a prior query outcome keyed by a stable hash of
// normalized SQL plus execution context. Invalidation flips the valid
// flag rather than deleting the row so hit history survives for
// diagnostics.
type CacheEntry struct {
	Key               string     `json:"key"`
	Result            *ResultSet `json:"result,omitempty"`
	RowCount          int        `json:"row_count"`
	DurationMs        int64      `json:"duration_ms"`
	HitCount          int64      `json:"hit_count"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastHit           *time.Time `json:"last_hit,omitempty"`
	Valid             bool       `json:"valid"`
	InvalidatedReason string     `json:"invalidated_reason,omitempty"`
}

// Live reports whether the entry may be returned at the given instant.
func (e *CacheEntry) Live(now time.Time) bool {
	return e.Valid && now.Before(e.ExpiresAt)
}
