package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/logger"
	"scriptorium/backend/internal/middleware"
)

// DocumentConsumer feeds document change events into the embedding queue.
type DocumentConsumer struct {
	docs  DocumentSource
	queue Enqueuer
}

func NewDocumentConsumer(docs DocumentSource, queue Enqueuer) *DocumentConsumer {
	return &DocumentConsumer{docs: docs, queue: queue}
}

// HandleMessage returns an error only for failures worth an NSQ requeue.
// Malformed messages are logged and acked.
func (h *DocumentConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var evt DocumentEvent
	if err := json.Unmarshal(m.Body, &evt); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if evt.DocumentID <= 0 {
		slog.Error("poison pill: missing document id", "type", evt.Type)
		return nil
	}

	ctx := context.Background()
	if evt.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, evt.CorrelationID)
	}
	ctx = logger.WithDocumentID(ctx, evt.DocumentID)

	switch evt.Type {
	case EventUpsert:
		return h.upsert(ctx, evt.DocumentID)
	case EventDelete:
		return h.remove(ctx, evt.DocumentID)
	default:
		slog.WarnContext(ctx, "poison pill: unknown event type", "type", evt.Type)
		return nil
	}
}

func (h *DocumentConsumer) upsert(ctx context.Context, id int64) error {
	doc, err := h.docs.Get(ctx, id)
	if apperror.IsNotFound(err) {
		// Deleted before we got here; the delete event cleans up.
		slog.InfoContext(ctx, "document vanished before embedding")
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to load document", "error", err)
		return err
	}

	if err := h.queue.Enqueue(ctx, doc, embedqueue.PriorityRoutine); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue document", "error", err)
		return err
	}
	return nil
}

// remove queues a hidden, empty snapshot. Going through the scheduler
// orders the vector delete after any run already in flight for the
// document and replaces a stale queued task.
func (h *DocumentConsumer) remove(ctx context.Context, id int64) error {
	tombstone := &document.Document{ID: id, Visible: false}
	if err := h.queue.Enqueue(ctx, tombstone, embedqueue.PriorityManual); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue document removal", "error", err)
		return err
	}
	slog.InfoContext(ctx, "document removal queued")
	return nil
}
