package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Reprocess handles POST /documents/{id}/embed.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	st, err := h.service.Reprocess(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue reprocess", "document_id", id, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": st})
}

// Status handles GET /documents/{id}/embed.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	st, err := h.service.GetStatus(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": st})
}

// ListFailed handles GET /documents/embed/failed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	docs, err := h.service.ListFailed(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed documents", "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	})
}

// Queue handles GET /queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	snap := h.service.QueueStatus()
	if snap.QueuedTasks == nil {
		snap.QueuedTasks = []embedqueue.QueuedTask{}
	}
	if snap.ProcessingTasks == nil {
		snap.ProcessingTasks = []int64{}
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{"data": snap})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "document id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, embedqueue.ErrSchedulerClosed) {
		h.writeError(ctx, w, "SERVICE_UNAVAILABLE", "embedding queue is shutting down", http.StatusServiceUnavailable)
		return
	}
	if errors.Is(err, embedqueue.ErrQueueFull) {
		h.writeError(ctx, w, "SERVICE_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
		return
	}
	status, code := apperror.HTTPStatus(err)
	h.writeError(ctx, w, code, err.Error(), status)
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
