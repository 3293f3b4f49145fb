package openai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"scriptorium/backend/internal/embedding"
	"scriptorium/backend/internal/settings"
)

// DynamicEmbedder calls an OpenAI-compatible embeddings endpoint. The
// client is rebuilt when the key or base URL in settings changes.
type DynamicEmbedder struct {
	client      *openai.Client
	currentKey  string
	currentBase string
	mu          sync.RWMutex
	clientOpts  []option.RequestOption
}

func NewDynamicEmbedder(opts ...option.RequestOption) *DynamicEmbedder {
	return &DynamicEmbedder{clientOpts: opts}
}

func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, cfg settings.Settings, texts []string, _ embedding.Task) ([][]float32, error) {
	if cfg.EmbeddingAPIKey == "" && cfg.EmbeddingBaseURL == "" {
		return nil, embedding.ErrAPIKeyMissing
	}

	client := e.getClient(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL)

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	// Only the v3 models accept a reduced output size.
	if cfg.EmbeddingDimension > 0 && strings.HasPrefix(cfg.EmbeddingModel, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(cfg.EmbeddingDimension))
	}

	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", idx)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors[idx] = v
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding received for input %d", i)
		}
	}
	return vectors, nil
}

func (e *DynamicEmbedder) getClient(key, baseURL string) *openai.Client {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key && e.currentBase == baseURL {
		defer e.mu.RUnlock()
		return e.client
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key && e.currentBase == baseURL {
		return e.client
	}

	opts := append([]option.RequestOption{}, e.clientOpts...)
	// Retries belong to the caller's attempt accounting.
	opts = append(opts, option.WithMaxRetries(0))
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)
	e.client = &client
	e.currentKey = key
	e.currentBase = baseURL
	return e.client
}
