package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/settings"
)

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Client applies timeouts, error typing and search retries on top of a
// Backend.
type Client struct {
	backend    Backend
	settings   SettingsProvider
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

// WithBackOff replaces the exponential policy used between search attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func NewClient(backend Backend, s SettingsProvider, opts ...Option) *Client {
	c := &Client{
		backend:  backend,
		settings: s,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) timeout(ctx context.Context) time.Duration {
	if c.settings != nil {
		if s, err := c.settings.Get(ctx); err == nil {
			if d := s.VectorTimeout(); d > 0 {
				return d
			}
		}
	}
	return time.Duration(settings.DefaultVectorTimeoutSeconds) * time.Second
}

// Upsert replaces every vector of the document with chunks. Readers see
// either the previous set or the new one. An empty set removes the document.
func (c *Client) Upsert(ctx context.Context, documentID int64, chunks []Chunk) error {
	if len(chunks) == 0 {
		return c.DeleteDocument(ctx, documentID)
	}

	dim := len(chunks[0].Vector)
	for _, ch := range chunks {
		if len(ch.Vector) == 0 || len(ch.Vector) != dim {
			return &apperror.VectorStoreError{
				Op:         "upsert",
				DocumentID: documentID,
				Err:        fmt.Errorf("chunk %d has vector length %d, expected %d", ch.Index, len(ch.Vector), dim),
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout(ctx))
	defer cancel()

	if err := c.backend.Upsert(callCtx, documentID, chunks); err != nil {
		return &apperror.VectorStoreError{Op: "upsert", DocumentID: documentID, Err: err}
	}
	slog.DebugContext(ctx, "vectors upserted", "document_id", documentID, "chunks", len(chunks))
	return nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID int64) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout(ctx))
	defer cancel()

	if err := c.backend.DeleteDocument(callCtx, documentID); err != nil {
		return &apperror.VectorStoreError{Op: "delete", DocumentID: documentID, Err: err}
	}
	return nil
}

// Search returns up to topK hits by descending score. Transient failures
// are retried retryCount times; running out of attempts yields a
// VectorSearchUnavailableError.
func (c *Client) Search(ctx context.Context, vector []float32, topK int, filter Filter, retryCount int) ([]Hit, error) {
	if topK <= 0 {
		return nil, apperror.NewValidation("topK", "must be positive")
	}
	if len(vector) == 0 {
		return nil, apperror.NewValidation("vector", "must not be empty")
	}
	if retryCount < 0 {
		retryCount = 0
	}

	timeout := c.timeout(ctx)
	attempts := 0
	var hits []Hit

	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := c.backend.Search(callCtx, vector, topK, filter)
		if err == nil {
			hits = res
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if isRetryable(err) {
			slog.WarnContext(ctx, "vector search attempt failed", "attempt", attempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(retryCount)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if isRetryable(err) {
			return nil, &apperror.VectorSearchUnavailableError{Attempts: attempts, Err: err}
		}
		return nil, &apperror.VectorStoreError{Op: "search", Err: err}
	}

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (c *Client) CountChunks(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout(ctx))
	defer cancel()

	n, err := c.backend.CountChunks(callCtx)
	if err != nil {
		return 0, &apperror.VectorStoreError{Op: "count", Err: err}
	}
	return n, nil
}

func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.backend.EnsureSchema(ctx)
}

func isRetryable(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
