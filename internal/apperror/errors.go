package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError rejects bad input before any external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// EmbeddingServiceError wraps a failed or timed out call to the embedding model.
type EmbeddingServiceError struct {
	Provider string
	Err      error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service (%s): %v", e.Provider, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// VectorStoreError wraps a failed upsert or delete against the vector index.
type VectorStoreError struct {
	Op         string
	DocumentID int64
	Err        error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s (document %d): %v", e.Op, e.DocumentID, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// VectorSearchUnavailableError means search exhausted its retry budget.
// It is distinct from an empty result.
type VectorSearchUnavailableError struct {
	Attempts int
	Err      error
}

func (e *VectorSearchUnavailableError) Error() string {
	return fmt.Sprintf("vector search unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *VectorSearchUnavailableError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsSearchUnavailable(err error) bool {
	var target *VectorSearchUnavailableError
	return errors.As(err, &target)
}

// HTTPStatus maps an error to the status code and error code used in API responses.
func HTTPStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case IsValidation(err):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case IsSearchUnavailable(err):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	default:
		var embedErr *EmbeddingServiceError
		if errors.As(err, &embedErr) {
			return http.StatusBadGateway, "EMBEDDING_ERROR"
		}
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
