package queryexpert

import (
	"context"
	"strings"
	"time"

	"github.com/querypilot/querypilot/pkg/models"
)

// Mock is an in-process Client for development and tests. The default
// responses mirror a small analytics warehouse; individual calls can
// be overridden with the *Fn hooks.
type Mock struct {
	// Delay is applied before every call to simulate service latency.
	Delay time.Duration

	FindTablesFn    func(ctx context.Context, searchText string, limit int) ([]models.TableRef, error)
	SearchQueriesFn func(ctx context.Context, searchText, userName string, limit int) ([]models.SimilarQuery, error)
	GenerateSQLFn   func(ctx context.Context, question string, tables []models.TableRef, similar []models.SimilarQuery) (string, error)
	ExecuteFn       func(ctx context.Context, sql string, opts ExecOptions) (*models.ResultSet, error)
	PingFn          func(ctx context.Context) error
}

// NewMock creates a mock client with the given artificial latency.
func NewMock(delay time.Duration) *Mock {
	return &Mock{Delay: delay}
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FindTables implements Client.
func (m *Mock) FindTables(ctx context.Context, searchText string, limit int) ([]models.TableRef, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.FindTablesFn != nil {
		return m.FindTablesFn(ctx, searchText, limit)
	}
	return []models.TableRef{
		{
			Name:               "ANALYTICS.SALES.REVENUE_BY_CATEGORY",
			Description:        "Daily revenue aggregated by product category",
			Columns:            []string{"date", "product_category", "revenue", "transaction_count"},
			VerificationStatus: "VERIFIED",
		},
		{
			Name:               "ANALYTICS.SALES.CUSTOMER_METRICS",
			Description:        "Customer acquisition and retention metrics",
			Columns:            []string{"customer_id", "acquisition_date", "ltv", "churn_risk"},
			VerificationStatus: "VERIFIED",
		},
	}, nil
}

// SearchQueries implements Client.
func (m *Mock) SearchQueries(ctx context.Context, searchText, userName string, limit int) ([]models.SimilarQuery, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.SearchQueriesFn != nil {
		return m.SearchQueriesFn(ctx, searchText, userName, limit)
	}
	return []models.SimilarQuery{
		{
			Text:        "SELECT product_category, SUM(revenue) FROM ANALYTICS.SALES.REVENUE_BY_CATEGORY GROUP BY product_category",
			Author:      "john.doe",
			Description: "Revenue analysis by product category",
			Score:       0.95,
		},
		{
			Text:        "SELECT DATE_TRUNC('month', date) as month, SUM(revenue) FROM ANALYTICS.SALES.REVENUE_BY_CATEGORY GROUP BY month",
			Author:      "jane.smith",
			Description: "Monthly revenue trends",
			Score:       0.87,
		},
	}, nil
}

// GenerateSQL implements Client.
func (m *Mock) GenerateSQL(ctx context.Context, question string, tables []models.TableRef, similar []models.SimilarQuery) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if m.GenerateSQLFn != nil {
		return m.GenerateSQLFn(ctx, question, tables, similar)
	}
	return generateFromContext(question, tables, similar)
}

// Execute implements Client.
func (m *Mock) Execute(ctx context.Context, sql string, opts ExecOptions) (*models.ResultSet, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, sql, opts)
	}
	if strings.Contains(strings.ToLower(sql), "revenue") {
		return &models.ResultSet{
			Columns: []string{"product_category", "total_revenue", "transaction_count"},
			Rows: [][]any{
				{"Electronics", 1250000.50, 15420},
				{"Clothing", 890000.25, 22100},
				{"Home & Garden", 675000.75, 8930},
				{"Books", 234000.00, 12500},
			},
			RowCount:   4,
			DurationMs: 2340,
		}, nil
	}
	return &models.ResultSet{
		Columns: []string{"id", "name", "value"},
		Rows: [][]any{
			{1, "Sample Data", 100.0},
			{2, "Test Record", 200.0},
		},
		RowCount:   2,
		DurationMs: 1230,
	}, nil
}

// Ping implements Client.
func (m *Mock) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return ctx.Err()
}
