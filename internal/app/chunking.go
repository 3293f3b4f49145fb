package app

import (
	"context"
	"sync"

	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/settings"
	"scriptorium/backend/internal/text"
)

type chunkKey struct {
	size    int
	overlap int
	unit    string
}

// chunkerCache hands the scheduler a chunker for the current settings,
// rebuilding it only when size, overlap or unit change.
type chunkerCache struct {
	settings embeddingSettings

	mu        sync.Mutex
	key       chunkKey
	chunker   *text.Chunker
	tokenizer text.Tokenizer
	// newTokenizer is swapped in tests to avoid fetching BPE ranks.
	newTokenizer func() (text.Tokenizer, error)
}

type embeddingSettings interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

func newChunkerCache(s embeddingSettings) *chunkerCache {
	return &chunkerCache{
		settings: s,
		newTokenizer: func() (text.Tokenizer, error) {
			return text.NewTiktokenTokenizer(text.DefaultEncoding)
		},
	}
}

func (c *chunkerCache) Chunker(ctx context.Context) (embedqueue.Chunker, error) {
	cfg, err := c.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	key := chunkKey{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, unit: cfg.ChunkUnit}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chunker != nil && c.key == key {
		return c.chunker, nil
	}

	var tok text.Tokenizer
	if key.unit == text.UnitTokens {
		if c.tokenizer == nil {
			c.tokenizer, err = c.newTokenizer()
			if err != nil {
				return nil, err
			}
		}
		tok = c.tokenizer
	}

	chunker, err := text.ForUnit(key.size, key.overlap, key.unit, tok)
	if err != nil {
		return nil, err
	}
	c.key, c.chunker = key, chunker
	return chunker, nil
}
