package models

import "time"

// QueryStatus is the lifecycle status of a QueryRecord.
type QueryStatus string

const (
	QueryStatusPending   QueryStatus = "pending"
	QueryStatusRunning   QueryStatus = "running"
	QueryStatusSucceeded QueryStatus = "succeeded"
	QueryStatusFailed    QueryStatus = "failed"
	QueryStatusTimedOut  QueryStatus = "timed_out"
	QueryStatusCancelled QueryStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s QueryStatus) IsTerminal() bool {
	switch s {
	case QueryStatusSucceeded, QueryStatusFailed, QueryStatusTimedOut, QueryStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward
// transition. The graph is monotonic: pending → running → terminal,
// with pending allowed to jump straight to a terminal status when a
// request fails admission before any work starts.
func (s QueryStatus) CanTransition(next QueryStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case QueryStatusPending:
		return next == QueryStatusRunning || next.IsTerminal()
	case QueryStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// TableRef identifies a warehouse table discovered for a question.
type TableRef struct {
	Name               string   `json:"table_name"`
	Description        string   `json:"description,omitempty"`
	Columns            []string `json:"columns,omitempty"`
	VerificationStatus string   `json:"verification_status,omitempty"`
}

// SimilarQuery is a previously-run query similar to the current question.
type SimilarQuery struct {
	Text        string  `json:"query_text"`
	Author      string  `json:"user_name,omitempty"`
	Description string  `json:"query_description,omitempty"`
	Score       float64 `json:"similarity_score"`
}

// ResultSet holds the rows returned by a warehouse execution.
type ResultSet struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	DurationMs int64    `json:"duration_ms"`
}

// QueryRecord is one attempt to answer a question within a session.
type QueryRecord struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Principal Principal   `json:"principal"`
	ChannelID string      `json:"channel_id"`
	Question  string      `json:"question"`
	SQL       string      `json:"sql,omitempty"`
	Status    QueryStatus `json:"status"`

	Result      *ResultSet `json:"result,omitempty"`
	RowCount    int        `json:"row_count"`
	DurationMs  int64      `json:"duration_ms"`
	ErrorReason string     `json:"error_reason,omitempty"`

	TableRefs      []TableRef     `json:"table_refs,omitempty"`
	SimilarQueries []SimilarQuery `json:"similar_queries,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
