package models

import "time"

// Question is a normalized inbound data question from the chat adapter.
// The adapter has already verified the event signature and deduplicated
// by event id.
type Question struct {
	Principal Principal `json:"principal"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	ThreadID  string    `json:"thread_id,omitempty"`
}

// Stage names the orchestration stages surfaced to callers.
type Stage string

const (
	StagePending      Stage = "pending"
	StageAdmitted     Stage = "admitted"
	StageCacheCheck   Stage = "cache_check"
	StageCacheHit     Stage = "cache_hit"
	StageFindTables   Stage = "finding_tables"
	StageFindQueries  Stage = "finding_similar_queries"
	StageGenerating   Stage = "generating_sql"
	StageExecuting    Stage = "executing"
	StageFormatting   Stage = "formatting"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageTimedOut     Stage = "timed_out"
	StageCancelled    Stage = "cancelled"
)

// ProgressUpdate is emitted on every stage transition. Delivery is
// best-effort; the chat adapter renders it into an incremental status
// message.
type ProgressUpdate struct {
	QueryID string    `json:"query_id"`
	Stage   Stage     `json:"stage"`
	At      time.Time `json:"at"`
}

// Answer is the terminal outcome relayed back to the chat adapter.
type Answer struct {
	QueryID       string      `json:"query_id"`
	Status        QueryStatus `json:"status"`
	Columns       []string    `json:"columns,omitempty"`
	Rows          [][]any     `json:"rows,omitempty"`
	RowCount      int         `json:"row_count"`
	SQL           string      `json:"sql,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
	FromCache     bool        `json:"from_cache"`
	ErrorReason   string      `json:"error_reason,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}
