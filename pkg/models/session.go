package models

import "time"

// Session is the conversational context for one (principal, channel)
// pair. At most one active session exists per pair; idle sessions are
// flagged inactive by the reaper, never deleted inline.
type Session struct {
	ID           string         `json:"id"`
	Principal    Principal      `json:"principal"`
	ChannelID    string         `json:"channel_id"`
	Context      map[string]any `json:"context"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Active       bool           `json:"active"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}
