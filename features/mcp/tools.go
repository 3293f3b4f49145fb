package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/retrieval"
)

const (
	ToolSearchArticles = "search_articles"
	ToolEmbedStatus    = "get_embedding_status"

	defaultSearchLimit = 5
)

type ArticleSearcher interface {
	SearchArticles(ctx context.Context, query string, limit int) ([]retrieval.ArticleResult, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, id int64) (*document.EmbedStatus, error)
}

type SearchArgs struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

type StatusArgs struct {
	DocumentID int64 `json:"document_id"`
}

var tools = []Tool{
	{
		Name: ToolSearchArticles,
		Description: `Semantic search over the published articles. Returns the best matching articles, each with the passages that matched, so answers can quote and cite them.

[Limit: Article Count]
- Default: 5
- Max: 20

USAGE EXAMPLE:
search_articles(query="how do vector indexes work", limit=3)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{
					"type":        "string",
					"description": "Natural language question or keywords",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of passages to consider (default 5).",
					"minimum":     1,
					"maximum":     retrieval.MaxLimit,
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        ToolEmbedStatus,
		Description: `Reports whether an article is indexed for search: its embedding status, last error, and whether a run is queued or in progress.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"document_id": map[string]string{
					"type":        "integer",
					"description": "The article id",
				},
			},
			"required": []string{"document_id"},
		},
	},
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	switch params.Name {
	case ToolSearchArticles:
		return h.searchArticles(ctx, id, params.Arguments)
	case ToolEmbedStatus:
		return h.embedStatus(ctx, id, params.Arguments)
	default:
		slog.WarnContext(ctx, "tool not found", "tool", params.Name)
		return makeErrorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
	}
}

func (h *Handler) searchArticles(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		slog.WarnContext(ctx, "invalid search arguments", "error", err)
		return makeErrorResponse(id, ErrInvalidParams, "Invalid search arguments")
	}
	limit := defaultSearchLimit
	if args.Limit != nil {
		limit = *args.Limit
	}

	results, err := h.searcher.SearchArticles(ctx, args.Query, limit)
	switch {
	case err == nil:
	case apperror.IsValidation(err):
		return makeErrorResponse(id, ErrInvalidParams, err.Error())
	case apperror.IsSearchUnavailable(err):
		slog.WarnContext(ctx, "search unavailable", "error", err)
		return toolError(id, "Article search is temporarily unavailable. Please try again later.")
	default:
		slog.ErrorContext(ctx, "search failed", "error", err)
		return toolError(id, "Search failed: "+err.Error())
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearchArticles, "result_count", len(results))
	return textResult(id, formatArticles(results))
}

func formatArticles(results []retrieval.ArticleResult) string {
	if len(results) == 0 {
		return "No matching articles found."
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Article %d (Score: %.2f)\n", i+1, res.Score)
		fmt.Fprintf(&b, "ID: %d\nTitle: %s\n", res.DocumentID, res.Title)
		if res.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", res.URL)
		}
		for _, c := range res.Chunks {
			fmt.Fprintf(&b, "[Passage %d, Score: %.2f]\n%s\n", c.ChunkIndex, c.Score, c.Text)
		}
		b.WriteString("\n---\n")
	}
	return b.String()
}

func (h *Handler) embedStatus(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	if h.status == nil {
		return makeErrorResponse(id, ErrMethodNotFound, "Method not found: "+ToolEmbedStatus)
	}
	var args StatusArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.DocumentID <= 0 {
		return makeErrorResponse(id, ErrInvalidParams, "document_id must be a positive integer")
	}

	st, err := h.status.GetStatus(ctx, args.DocumentID)
	if apperror.IsNotFound(err) {
		return toolError(id, fmt.Sprintf("Article %d does not exist.", args.DocumentID))
	}
	if err != nil {
		slog.ErrorContext(ctx, "status lookup failed", "error", err)
		return toolError(id, "Error: "+err.Error())
	}

	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return toolError(id, "Error marshalling status")
	}
	return textResult(id, string(out))
}
