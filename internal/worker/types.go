package worker

import (
	"context"
	"time"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/embedqueue"
)

type DocumentSource interface {
	Get(ctx context.Context, id int64) (*document.Document, error)
}

type StaleLister interface {
	ListStale(ctx context.Context, stuckBefore time.Time, limit int) ([]document.Document, error)
}

// Enqueuer turns a document row into an embed task.
type Enqueuer interface {
	Enqueue(ctx context.Context, doc *document.Document, priority int) error
}

type QueueObserver interface {
	GetQueueStatus() embedqueue.Snapshot
}
