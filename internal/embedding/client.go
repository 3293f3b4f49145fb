package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/settings"
)

// MaxBatchSize is the largest number of inputs sent to a provider in one request.
const MaxBatchSize = 100

var ErrAPIKeyMissing = errors.New("embedding api key not configured")

// Task tells providers that distinguish them whether inputs are stored
// documents or search queries.
type Task int

const (
	TaskDocument Task = iota
	TaskQuery
)

// Provider is one remote embedding API.
type Provider interface {
	EmbedBatch(ctx context.Context, cfg settings.Settings, texts []string, task Task) ([][]float32, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Client selects a provider from the current settings and enforces the
// batching, timeout and dimension contract. It never retries: a failed
// call fails the caller's attempt.
type Client struct {
	settings  SettingsProvider
	providers map[string]Provider
	timeout   time.Duration
	batchSize int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= MaxBatchSize {
			c.batchSize = n
		}
	}
}

func NewClient(s SettingsProvider, providers map[string]Provider, opts ...Option) *Client {
	c := &Client{
		settings:  s,
		providers: providers,
		timeout:   60 * time.Second,
		batchSize: MaxBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, TaskQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, TaskDocument)
}

// Dimension reports the configured vector length.
func (c *Client) Dimension(ctx context.Context) (int, error) {
	cfg, err := c.settings.Get(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.EmbeddingDimension, nil
}

func (c *Client) embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	cfg, err := c.settings.Get(ctx)
	if err != nil {
		return nil, &apperror.EmbeddingServiceError{Provider: "unknown", Err: fmt.Errorf("failed to get settings: %w", err)}
	}

	provider, ok := c.providers[cfg.EmbeddingProvider]
	if !ok {
		return nil, &apperror.EmbeddingServiceError{Provider: cfg.EmbeddingProvider, Err: errors.New("provider not registered")}
	}
	if cfg.EmbeddingAPIKey == "" && cfg.EmbeddingBaseURL == "" {
		return nil, &apperror.EmbeddingServiceError{Provider: cfg.EmbeddingProvider, Err: ErrAPIKeyMissing}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.call(ctx, provider, *cfg, texts[start:end], task)
		if err != nil {
			return nil, &apperror.EmbeddingServiceError{Provider: cfg.EmbeddingProvider, Err: err}
		}
		if len(vectors) != end-start {
			return nil, &apperror.EmbeddingServiceError{
				Provider: cfg.EmbeddingProvider,
				Err:      fmt.Errorf("expected %d vectors, got %d", end-start, len(vectors)),
			}
		}
		for i, v := range vectors {
			if cfg.EmbeddingDimension > 0 && len(v) != cfg.EmbeddingDimension {
				return nil, &apperror.EmbeddingServiceError{
					Provider: cfg.EmbeddingProvider,
					Err:      fmt.Errorf("vector %d has dimension %d, configured %d", start+i, len(v), cfg.EmbeddingDimension),
				}
			}
		}
		out = append(out, vectors...)
	}

	slog.DebugContext(ctx, "embedded texts", "provider", cfg.EmbeddingProvider, "model", cfg.EmbeddingModel, "count", len(texts))
	return out, nil
}

func (c *Client) call(ctx context.Context, p Provider, cfg settings.Settings, texts []string, task Task) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return p.EmbedBatch(callCtx, cfg, texts, task)
}
