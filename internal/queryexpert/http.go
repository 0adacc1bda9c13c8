package queryexpert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/pkg/models"
)

// Tool names exposed by the query expert service.
const (
	toolFindTables    = "queryexpert__find_table_meta_data"
	toolSearchQueries = "queryexpert__query_expert_search"
	toolExecuteQuery  = "queryexpert__execute_query"
)

// HTTPClient speaks the service's JSON tool-call protocol: every
// operation is a POST of {"method":"tools/call","params":{...}} to the
// /mcp endpoint, with the outcome under "result" or "error".
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL. The
// timeout is a per-call ceiling; individual calls still honor tighter
// context deadlines.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type toolCall struct {
	Method string     `json:"method"`
	Params toolParams `json:"params"`
}

type toolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, tool string, args map[string]any, out any) error {
	body, err := json.Marshal(toolCall{
		Method: "tools/call",
		Params: toolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return &ServiceError{Kind: KindRemote, Tool: tool, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return &ServiceError{Kind: KindRemote, Tool: tool, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		kind := KindUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &ServiceError{Kind: kind, Tool: tool, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ServiceError{
			Kind:    KindRemote,
			Tool:    tool,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	var envelope toolResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &ServiceError{Kind: KindRemote, Tool: tool, Message: "decode response", Err: err}
	}
	if envelope.Error != nil {
		return &ServiceError{Kind: KindRemote, Tool: tool, Message: envelope.Error.Message}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &ServiceError{Kind: KindRemote, Tool: tool, Message: "decode result", Err: err}
		}
	}
	return nil
}

// FindTables implements Client.
func (c *HTTPClient) FindTables(ctx context.Context, searchText string, limit int) ([]models.TableRef, error) {
	if limit <= 0 {
		limit = 5
	}
	var result struct {
		Tables []models.TableRef `json:"tables"`
	}
	err := c.call(ctx, toolFindTables, map[string]any{
		"search_text":               searchText,
		"limit":                     fmt.Sprintf("%d", limit),
		"table_verification_status": "VERIFIED",
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Tables, nil
}

// SearchQueries implements Client.
func (c *HTTPClient) SearchQueries(ctx context.Context, searchText, userName string, limit int) ([]models.SimilarQuery, error) {
	if limit <= 0 {
		limit = 3
	}
	args := map[string]any{
		"search_text": searchText,
		"limit":       fmt.Sprintf("%d", limit),
	}
	if userName != "" {
		args["user_name"] = userName
	}
	var result struct {
		Queries []models.SimilarQuery `json:"queries"`
	}
	if err := c.call(ctx, toolSearchQueries, args, &result); err != nil {
		return nil, err
	}
	return result.Queries, nil
}

// GenerateSQL implements Client. The service does not expose a
// standalone generation tool, so the statement is assembled from the
// discovered context: the best-scoring similar query wins, otherwise a
// bounded projection of the top table.
func (c *HTTPClient) GenerateSQL(_ context.Context, question string, tables []models.TableRef, similar []models.SimilarQuery) (string, error) {
	return generateFromContext(question, tables, similar)
}

// Execute implements Client.
func (c *HTTPClient) Execute(ctx context.Context, sql string, opts ExecOptions) (*models.ResultSet, error) {
	args := map[string]any{"query": sql}
	if opts.Database != "" {
		args["database"] = opts.Database
	}
	if opts.Schema != "" {
		args["schema"] = opts.Schema
	}
	if opts.Warehouse != "" {
		args["warehouse"] = opts.Warehouse
	}

	var result struct {
		Columns       []string `json:"columns"`
		Rows          [][]any  `json:"rows"`
		RowCount      int      `json:"row_count"`
		ExecutionTime float64  `json:"execution_time"`
	}
	if err := c.call(ctx, toolExecuteQuery, args, &result); err != nil {
		return nil, err
	}
	return &models.ResultSet{
		Columns:    result.Columns,
		Rows:       result.Rows,
		RowCount:   result.RowCount,
		DurationMs: int64(result.ExecutionTime * 1000),
	}, nil
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &ServiceError{Kind: KindUnavailable, Tool: "health", Message: "unreachable", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ServiceError{Kind: KindUnavailable, Tool: "health", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return nil
}

// generateFromContext builds a statement from discovery results.
func generateFromContext(question string, tables []models.TableRef, similar []models.SimilarQuery) (string, error) {
	if len(similar) > 0 {
		best := similar[0]
		for _, q := range similar[1:] {
			if q.Score > best.Score {
				best = q
			}
		}
		if best.Text != "" {
			return best.Text, nil
		}
	}

	if len(tables) > 0 && len(tables[0].Columns) > 0 {
		cols := tables[0].Columns
		if len(cols) > 5 {
			cols = cols[:5]
		}
		return fmt.Sprintf("SELECT %s FROM %s LIMIT 10", strings.Join(cols, ", "), tables[0].Name), nil
	}

	log.Debug().Str("question", truncate(question, 80)).Msg("No generation context available")
	return "", &ServiceError{
		Kind:    KindNoResult,
		Tool:    "generate_sql",
		Message: "no tables or similar queries matched the question",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
