package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"scriptorium/backend/internal/embedding"
	"scriptorium/backend/internal/settings"
)

// DynamicEmbedder calls the Gemini embedding API, rebuilding its client
// whenever the configured key or endpoint changes.
type DynamicEmbedder struct {
	client      *genai.Client
	currentKey  string
	currentBase string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption
}

func NewDynamicEmbedder(opts ...option.ClientOption) *DynamicEmbedder {
	return &DynamicEmbedder{clientOpts: opts}
}

func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, cfg settings.Settings, texts []string, task embedding.Task) ([][]float32, error) {
	if cfg.EmbeddingAPIKey == "" {
		return nil, embedding.ErrAPIKeyMissing
	}

	client, err := e.getClient(ctx, cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL)
	if err != nil {
		return nil, err
	}

	model := client.EmbeddingModel(cfg.EmbeddingModel)
	if task == embedding.TaskQuery {
		model.TaskType = genai.TaskTypeRetrievalQuery
	} else {
		model.TaskType = genai.TaskTypeRetrievalDocument
	}

	batch := model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding received for input %d", i)
		}
		vectors = append(vectors, emb.Values)
	}
	return vectors, nil
}

func (e *DynamicEmbedder) getClient(ctx context.Context, key, baseURL string) (*genai.Client, error) {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key && e.currentBase == baseURL {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if e.client != nil && e.currentKey == key && e.currentBase == baseURL {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append([]option.ClientOption{}, e.clientOpts...)
	if baseURL != "" {
		opts = append(opts, option.WithEndpoint(baseURL))
	}
	opts = append(opts, option.WithAPIKey(key))

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	e.currentBase = baseURL
	return client, nil
}

// Close releases the underlying client.
func (e *DynamicEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
