// Package queryexpert talks to the external query-generation service
// that knows the warehouse: table discovery, similar-query search, and
// SQL execution.
package queryexpert

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/pkg/models"
)

// ErrorKind classifies a service failure.
type ErrorKind string

const (
	// KindNoResult means the service answered but found nothing usable.
	KindNoResult ErrorKind = "no_result"
	// KindUnavailable means the service could not be reached at all.
	KindUnavailable ErrorKind = "unavailable"
	// KindRemote means the service reported an error of its own.
	KindRemote ErrorKind = "remote"
	// KindTimeout means the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
)

// ServiceError is the typed failure for every client call.
type ServiceError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("queryexpert %s (%s): %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("queryexpert %s (%s): %s", e.Tool, e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient infrastructure
// trouble worth one more attempt.
func (e *ServiceError) Retryable() bool {
	return e.Kind == KindUnavailable || e.Kind == KindTimeout
}

// ExecOptions pins a statement to a warehouse execution context.
type ExecOptions struct {
	Database  string
	Schema    string
	Warehouse string
}

// Client is the pipeline's view of the query-generation service. All
// calls honor the context deadline.
type Client interface {
	// FindTables returns warehouse tables relevant to the question.
	FindTables(ctx context.Context, searchText string, limit int) ([]models.TableRef, error)
	// SearchQueries returns previously-run queries similar to the
	// question, optionally scoped to the asking user.
	SearchQueries(ctx context.Context, searchText, userName string, limit int) ([]models.SimilarQuery, error)
	// GenerateSQL produces a statement from the discovered context.
	GenerateSQL(ctx context.Context, question string, tables []models.TableRef, similar []models.SimilarQuery) (string, error)
	// Execute runs the statement and returns its rows.
	Execute(ctx context.Context, sql string, opts ExecOptions) (*models.ResultSet, error)
	// Ping reports whether the service is reachable.
	Ping(ctx context.Context) error
}
