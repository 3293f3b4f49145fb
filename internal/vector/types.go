package vector

import (
	"context"
	"errors"
)

// Chunk is one embedded window of a document ready to be stored.
type Chunk struct {
	Index   int
	Text    string
	Title   string
	Visible bool
	Vector  []float32
}

// Hit is a single nearest-neighbour match.
type Hit struct {
	DocumentID int64
	ChunkIndex int
	ChunkText  string
	Title      string
	Score      float32
	Revision   int64
}

// Filter narrows a search. The zero value matches visible chunks only.
type Filter struct {
	IncludeHidden bool
	DocumentIDs   []int64
}

// Backend is one vector index implementation.
type Backend interface {
	Upsert(ctx context.Context, documentID int64, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID int64) error
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error)
	CountChunks(ctx context.Context) (int, error)
	EnsureSchema(ctx context.Context) error
}

// TransientError marks a backend failure worth retrying: network errors,
// timeouts, 5xx and 429 responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
