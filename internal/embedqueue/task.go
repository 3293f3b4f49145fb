package embedqueue

import (
	"context"
	"time"

	"scriptorium/backend/internal/text"
	"scriptorium/backend/internal/vector"
)

// Priorities. Lower runs first.
const (
	PriorityManual  = 0
	PriorityRoutine = 5
)

// Document rag_status values. Only the Scheduler writes them.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is a snapshot of a document taken at enqueue time. Content is never
// re-read from storage while the task runs.
type Task struct {
	DocumentID int64
	Title      string
	Content    string
	Visible    bool
	Priority   int
	EnqueuedAt time.Time
	// Attempts counts failed runs since the document last completed.
	Attempts int
}

// QueuedTask is the observable part of a waiting task.
type QueuedTask struct {
	DocumentID int64     `json:"documentId"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	// Deferred marks a rerun held until the in-flight run of the same
	// document finishes.
	Deferred bool `json:"deferred,omitempty"`
}

// Snapshot is a point-in-time copy of the scheduler state.
type Snapshot struct {
	QueuedTasks     []QueuedTask `json:"queuedTasks"`
	ProcessingTasks []int64      `json:"processingTasks"`
}

// IsQueued reports whether a run for the document is waiting.
func (s Snapshot) IsQueued(documentID int64) bool {
	for _, q := range s.QueuedTasks {
		if q.DocumentID == documentID {
			return true
		}
	}
	return false
}

func (s Snapshot) IsProcessing(documentID int64) bool {
	for _, id := range s.ProcessingTasks {
		if id == documentID {
			return true
		}
	}
	return false
}

// Stats are cumulative run counters since Start.
type Stats struct {
	Queued      int `json:"queued"`
	Processing  int `json:"processing"`
	Concurrency int `json:"concurrency"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

type Chunker interface {
	Chunk(text string) []text.Chunk
}

// ChunkerFactory builds a chunker from the current chunking settings.
type ChunkerFactory func(ctx context.Context) (Chunker, error)

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	Upsert(ctx context.Context, documentID int64, chunks []vector.Chunk) error
	DeleteDocument(ctx context.Context, documentID int64) error
}

// StatusSink persists rag_status transitions on the document record.
// A nil ragError clears the stored error.
type StatusSink interface {
	UpdateRAGStatus(ctx context.Context, documentID int64, status string, ragError *string) error
}
