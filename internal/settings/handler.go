package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	masked := *s
	masked.EmbeddingAPIKey = Mask(s.EmbeddingAPIKey)
	masked.VectorStoreAPIKey = Mask(s.VectorStoreAPIKey)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": masked}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	// A masked key echoed back from GET means "unchanged".
	if isMasked(s.EmbeddingAPIKey) || isMasked(s.VectorStoreAPIKey) {
		stored, err := h.svc.Stored(r.Context())
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
			return
		}
		if stored == nil {
			stored = &Settings{}
		}
		if isMasked(s.EmbeddingAPIKey) {
			s.EmbeddingAPIKey = stored.EmbeddingAPIKey
		}
		if isMasked(s.VectorStoreAPIKey) {
			s.VectorStoreAPIKey = stored.VectorStoreAPIKey
		}
	}

	if err := h.svc.Update(r.Context(), &s); err != nil {
		if apperror.IsValidation(err) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func isMasked(v string) bool {
	return strings.HasPrefix(v, "****")
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
