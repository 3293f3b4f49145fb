package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptorium/backend/features/document"
	"scriptorium/backend/features/mcp"
	"scriptorium/backend/features/stats"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/middleware"
)

// APIError is a non-2xx response from the embedding service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to the embedding service admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Reprocess(ctx context.Context, id int64) (*document.EmbedStatus, error) {
	var st document.EmbedStatus
	if err := c.do(ctx, http.MethodPost, documentPath(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Status(ctx context.Context, id int64) (*document.EmbedStatus, error) {
	var st document.EmbedStatus
	if err := c.do(ctx, http.MethodGet, documentPath(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Failed(ctx context.Context, limit int) ([]document.Document, error) {
	path := "/documents/embed/failed"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var docs []document.Document
	if err := c.do(ctx, http.MethodGet, path, nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) Queue(ctx context.Context) (*embedqueue.Snapshot, error) {
	var snap embedqueue.Snapshot
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Stats(ctx context.Context) (*stats.StatsResponse, error) {
	var resp stats.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search runs the search_articles tool through the MCP endpoint and returns
// the text the assistant would see.
func (c *Client) Search(ctx context.Context, query string, limit int) (string, error) {
	searchArgs := mcp.SearchArgs{Query: query}
	if limit > 0 {
		searchArgs.Limit = &limit
	}
	args, err := json.Marshal(searchArgs)
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(mcp.CallParams{Name: mcp.ToolSearchArticles, Arguments: args})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: 1})
	if err != nil {
		return "", err
	}

	var rpc struct {
		Result *mcp.ToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.send(ctx, http.MethodPost, "/mcp", body, &rpc); err != nil {
		return "", err
	}
	if rpc.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	if rpc.Result == nil || len(rpc.Result.Content) == 0 {
		return "", fmt.Errorf("empty tool result")
	}
	text := rpc.Result.Content[0].Text
	if rpc.Result.IsError {
		return "", fmt.Errorf("search failed: %s", text)
	}
	return text, nil
}

// do calls a REST endpoint and unwraps the {"data": ...} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	return c.send(ctx, method, path, body, &envelope)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(middleware.CorrelationHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func documentPath(id int64) string {
	return "/documents/" + strconv.FormatInt(id, 10) + "/embed"
}
