package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/middleware"
)

type DocumentCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type VectorStore interface {
	CountChunks(ctx context.Context) (int, error)
}

type QueueStats interface {
	Stats() embedqueue.Stats
}

type Handler struct {
	docs        DocumentCounter
	vectorStore VectorStore
	queue       QueueStats
}

func NewHandler(d DocumentCounter, v VectorStore, q QueueStats) *Handler {
	return &Handler{docs: d, vectorStore: v, queue: q}
}

type StatsResponse struct {
	Queue     embedqueue.Stats `json:"queue"`
	Documents map[string]int   `json:"documents"`
	// Chunks is null when the vector store cannot be reached.
	Chunks *int `json:"chunks"`
}

// Get collects the numbers shown on the admin dashboard.
func (h *Handler) Get(ctx context.Context) (*StatsResponse, error) {
	counts, err := h.docs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	resp := &StatsResponse{Queue: h.queue.Stats(), Documents: counts}
	n, err := h.vectorStore.CountChunks(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to count chunks", "error", err)
	} else {
		resp.Chunks = &n
	}
	return resp, nil
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
