package apperror_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"scriptorium/backend/internal/apperror"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"Validation", apperror.NewValidation("limit", "must be between 1 and 20"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"Wrapped NotFound", fmt.Errorf("lookup: %w", &apperror.NotFoundError{Resource: "document", ID: "7"}), http.StatusNotFound, "NOT_FOUND"},
		{"Search Unavailable", &apperror.VectorSearchUnavailableError{Attempts: 3, Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"Embedding", &apperror.EmbeddingServiceError{Provider: "gemini", Err: errors.New("boom")}, http.StatusBadGateway, "EMBEDDING_ERROR"},
		{"Other", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := apperror.HTTPStatus(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := &apperror.VectorStoreError{Op: "upsert", DocumentID: 4, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "document 4")

	unavailable := &apperror.VectorSearchUnavailableError{Attempts: 3, Err: context.DeadlineExceeded}
	assert.True(t, apperror.IsSearchUnavailable(fmt.Errorf("search: %w", unavailable)))
	assert.False(t, apperror.IsSearchUnavailable(errors.New("no results")))
}
