package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"scriptorium/backend/internal/embedqueue"
)

const defaultSweepBatch = 500

// Sweeper re-enqueues documents whose index is missing or out of date.
// Queued work does not survive a restart, so this is what eventually
// picks it up again. Failed documents are left alone until someone
// reprocesses them or edits them.
type Sweeper struct {
	docs     StaleLister
	queue    Enqueuer
	observer QueueObserver
	interval time.Duration
	batch    int
	// Rows still marked processing from before this time belong to a dead
	// process.
	startedAt time.Time
}

func NewSweeper(docs StaleLister, queue Enqueuer, observer QueueObserver, interval time.Duration) *Sweeper {
	return &Sweeper{
		docs:      docs,
		queue:     queue,
		observer:  observer,
		interval:  interval,
		batch:     defaultSweepBatch,
		startedAt: time.Now(),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		slog.Info("reconciliation sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			if errors.Is(err, embedqueue.ErrSchedulerClosed) {
				return nil
			}
			slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep enqueues one batch of stale documents and reports how many were
// enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	docs, err := s.docs.ListStale(ctx, s.startedAt, s.batch)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	snap := s.observer.GetQueueStatus()
	enqueued := 0
	for i := range docs {
		doc := &docs[i]
		if snap.IsQueued(doc.ID) || snap.IsProcessing(doc.ID) {
			continue
		}
		if err := s.queue.Enqueue(ctx, doc, embedqueue.PriorityRoutine); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	if enqueued > 0 {
		slog.InfoContext(ctx, "reconciliation sweep enqueued documents", "count", enqueued, "candidates", len(docs))
	}
	return enqueued, nil
}
