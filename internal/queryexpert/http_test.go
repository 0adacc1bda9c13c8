package queryexpert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/models"
)

func newToolServer(t *testing.T, handler func(tool string, args map[string]any) (any, *string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
			return
		case "/mcp":
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var call struct {
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		assert.Equal(t, "tools/call", call.Method)

		result, errMsg := handler(call.Params.Name, call.Params.Arguments)
		w.Header().Set("Content-Type", "application/json")
		if errMsg != nil {
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": *errMsg},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": result})
	}))
}

func TestHTTPClient_FindTables(t *testing.T) {
	srv := newToolServer(t, func(tool string, args map[string]any) (any, *string) {
		assert.Equal(t, "queryexpert__find_table_meta_data", tool)
		assert.Equal(t, "revenue by region", args["search_text"])
		assert.Equal(t, "5", args["limit"])
		assert.Equal(t, "VERIFIED", args["table_verification_status"])
		return map[string]any{
			"tables": []map[string]any{
				{
					"table_name":          "ANALYTICS.SALES.REVENUE",
					"description":         "Revenue facts",
					"columns":             []string{"date", "region", "revenue"},
					"verification_status": "VERIFIED",
				},
			},
		}, nil
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2*time.Second)
	tables, err := client.FindTables(context.Background(), "revenue by region", 0)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "ANALYTICS.SALES.REVENUE", tables[0].Name)
	assert.Equal(t, []string{"date", "region", "revenue"}, tables[0].Columns)
}

func TestHTTPClient_Execute(t *testing.T) {
	srv := newToolServer(t, func(tool string, args map[string]any) (any, *string) {
		assert.Equal(t, "queryexpert__execute_query", tool)
		assert.Equal(t, "SELECT 1", args["query"])
		assert.Equal(t, "COMPUTE_WH", args["warehouse"])
		_, hasDB := args["database"]
		assert.False(t, hasDB, "empty exec options must be omitted")
		return map[string]any{
			"columns":        []string{"n"},
			"rows":           [][]any{{1}},
			"row_count":      1,
			"execution_time": 2.34,
		}, nil
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2*time.Second)
	result, err := client.Execute(context.Background(), "SELECT 1", ExecOptions{Warehouse: "COMPUTE_WH"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, int64(2340), result.DurationMs)
}

func TestHTTPClient_RemoteError(t *testing.T) {
	msg := "snowflake says no"
	srv := newToolServer(t, func(string, map[string]any) (any, *string) {
		return nil, &msg
	})
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2*time.Second)
	_, err := client.Execute(context.Background(), "SELECT 1", ExecOptions{})

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, KindRemote, svcErr.Kind)
	assert.False(t, svcErr.Retryable())
	assert.Contains(t, svcErr.Error(), "snowflake says no")
}

func TestHTTPClient_Unreachable(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := client.FindTables(context.Background(), "anything", 5)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, KindUnavailable, svcErr.Kind)
	assert.True(t, svcErr.Retryable())
}

func TestHTTPClient_Ping(t *testing.T) {
	srv := newToolServer(t, func(string, map[string]any) (any, *string) { return nil, nil })
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 2*time.Second)
	assert.NoError(t, client.Ping(context.Background()))

	srv.Close()
	assert.Error(t, client.Ping(context.Background()))
}

func TestGenerateFromContext(t *testing.T) {
	tables := []models.TableRef{{
		Name:    "ANALYTICS.SALES.REVENUE",
		Columns: []string{"date", "region", "revenue", "units", "margin", "channel"},
	}}
	similar := []models.SimilarQuery{
		{Text: "SELECT region FROM t", Score: 0.4},
		{Text: "SELECT region, SUM(revenue) FROM t GROUP BY region", Score: 0.9},
	}

	t.Run("best similar query wins", func(t *testing.T) {
		sql, err := generateFromContext("revenue by region", tables, similar)
		require.NoError(t, err)
		assert.Equal(t, "SELECT region, SUM(revenue) FROM t GROUP BY region", sql)
	})

	t.Run("table fallback projects at most five columns", func(t *testing.T) {
		sql, err := generateFromContext("revenue by region", tables, nil)
		require.NoError(t, err)
		assert.Equal(t, "SELECT date, region, revenue, units, margin FROM ANALYTICS.SALES.REVENUE LIMIT 10", sql)
	})

	t.Run("no context is a no_result error", func(t *testing.T) {
		_, err := generateFromContext("revenue by region", nil, nil)
		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, KindNoResult, svcErr.Kind)
		assert.False(t, svcErr.Retryable())
	})
}

func TestMock_Defaults(t *testing.T) {
	mock := NewMock(0)
	ctx := context.Background()

	tables, err := mock.FindTables(ctx, "revenue", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, tables)

	similar, err := mock.SearchQueries(ctx, "revenue", "john.doe", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, similar)

	sql, err := mock.GenerateSQL(ctx, "revenue", tables, similar)
	require.NoError(t, err)
	assert.Contains(t, sql, "REVENUE_BY_CATEGORY")

	result, err := mock.Execute(ctx, sql, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.RowCount)
}

func TestMock_DelayHonorsContext(t *testing.T) {
	mock := NewMock(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := mock.FindTables(ctx, "revenue", 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
