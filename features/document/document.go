package document

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/logger"
)

// Document is the read model of an article owned by the content store.
// Only the rag_* columns are written here.
type Document struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"-"`
	URL          string     `json:"url"`
	Visible      bool       `json:"visible"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	RAGStatus    *string    `json:"ragStatus"`
	RAGError     *string    `json:"ragError"`
	RAGUpdatedAt *time.Time `json:"ragUpdatedAt"`
}

// EmbedStatus is the response of the embed status endpoint.
type EmbedStatus struct {
	DocumentID int64      `json:"documentId"`
	Status     *string    `json:"status"`
	Error      *string    `json:"error"`
	UpdatedAt  *time.Time `json:"updatedAt"`
	Queued     bool       `json:"queued"`
	Processing bool       `json:"processing"`
}

type Repository interface {
	Get(ctx context.Context, id int64) (*Document, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]Document, error)
}

// Queue is the part of the scheduler the document service drives.
type Queue interface {
	Enqueue(t embedqueue.Task) error
	GetQueueStatus() embedqueue.Snapshot
}

type Service struct {
	repo  Repository
	queue Queue
	now   func() time.Time
}

func NewService(repo Repository, queue Queue) *Service {
	return &Service{repo: repo, queue: queue, now: time.Now}
}

// Enqueue snapshots the document into an embed task.
func (s *Service) Enqueue(ctx context.Context, doc *Document, priority int) error {
	err := s.queue.Enqueue(embedqueue.Task{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Visible:    doc.Visible,
		Priority:   priority,
		EnqueuedAt: s.now(),
	})
	if err != nil {
		return err
	}
	slog.DebugContext(logger.WithDocumentID(ctx, doc.ID), "document enqueued", "priority", priority)
	return nil
}

// Reprocess forces a rerun of the document at manual priority.
func (s *Service) Reprocess(ctx context.Context, id int64) (*EmbedStatus, error) {
	if id <= 0 {
		return nil, apperror.NewValidation("id", "must be positive")
	}
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Enqueue(ctx, doc, embedqueue.PriorityManual); err != nil {
		return nil, err
	}
	slog.InfoContext(logger.WithDocumentID(ctx, id), "manual reprocess requested")
	return s.status(doc), nil
}

func (s *Service) GetStatus(ctx context.Context, id int64) (*EmbedStatus, error) {
	if id <= 0 {
		return nil, apperror.NewValidation("id", "must be positive")
	}
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.status(doc), nil
}

func (s *Service) status(doc *Document) *EmbedStatus {
	snap := s.queue.GetQueueStatus()
	return &EmbedStatus{
		DocumentID: doc.ID,
		Status:     doc.RAGStatus,
		Error:      doc.RAGError,
		UpdatedAt:  doc.RAGUpdatedAt,
		Queued:     snap.IsQueued(doc.ID),
		Processing: snap.IsProcessing(doc.ID),
	}
}

// QueueStatus exposes the scheduler snapshot.
func (s *Service) QueueStatus() embedqueue.Snapshot {
	return s.queue.GetQueueStatus()
}

// ListFailed returns documents whose last run failed, most recent first.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	docs, err := s.repo.ListByStatus(ctx, embedqueue.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

func notFound(id int64) error {
	return &apperror.NotFoundError{Resource: "document", ID: strconv.FormatInt(id, 10)}
}
