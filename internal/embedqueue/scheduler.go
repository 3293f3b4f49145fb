package embedqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/logger"
	"scriptorium/backend/internal/vector"
)

var (
	ErrSchedulerClosed = errors.New("embedding scheduler is shut down")
	ErrAlreadyStarted  = errors.New("embedding scheduler already started")
	ErrQueueFull       = errors.New("embedding queue is full")
)

const DefaultConcurrency = 2

// Scheduler runs embedding tasks on a bounded pool. At most one run per
// document is active; a document re-enqueued while running is held and
// dispatched again when that run finishes.
type Scheduler struct {
	chunkers ChunkerFactory
	embedder Embedder
	store    VectorStore
	sink     StatusSink
	now      func() time.Time

	mu          sync.Mutex
	queue       taskHeap
	index       map[int64]*item
	processing  map[int64]struct{}
	deferred    map[int64]Task
	failures    map[int64]int
	seq         uint64
	concurrency int
	maxDepth    int
	closed      bool
	started     bool
	completed   int
	failed      int

	pool    *ants.Pool
	baseCtx context.Context
	wake    chan struct{}
	stopped chan struct{}
	runs    sync.WaitGroup
}

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxQueueDepth bounds the number of distinct queued documents. Zero
// means unbounded.
func WithMaxQueueDepth(n int) Option {
	return func(s *Scheduler) { s.maxDepth = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(chunkers ChunkerFactory, embedder Embedder, store VectorStore, sink StatusSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		chunkers:    chunkers,
		embedder:    embedder,
		store:       store,
		sink:        sink,
		now:         time.Now,
		index:       make(map[int64]*item),
		processing:  make(map[int64]struct{}),
		deferred:    make(map[int64]Task),
		failures:    make(map[int64]int),
		concurrency: DefaultConcurrency,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds or replaces the task for its document.
func (s *Scheduler) Enqueue(t Task) error {
	if t.DocumentID <= 0 {
		return apperror.NewValidation("documentId", "must be a positive integer")
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if n := s.failures[t.DocumentID]; n > t.Attempts {
		t.Attempts = n
	}

	if _, busy := s.processing[t.DocumentID]; busy {
		if prev, ok := s.deferred[t.DocumentID]; ok {
			t = merge(prev, t)
		}
		s.deferred[t.DocumentID] = t
		slog.Debug("embedding task deferred until current run finishes", "document_id", t.DocumentID)
		return nil
	}

	if it, ok := s.index[t.DocumentID]; ok {
		it.task = merge(it.task, t)
		heap.Fix(&s.queue, it.pos)
		return nil
	}

	if s.maxDepth > 0 && s.queue.Len() >= s.maxDepth {
		return ErrQueueFull
	}

	s.push(t)
	s.signal()
	return nil
}

func (s *Scheduler) push(t Task) {
	s.seq++
	it := &item{task: t, seq: s.seq}
	heap.Push(&s.queue, it)
	s.index[t.DocumentID] = it
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher. Runs are detached from ctx cancellation;
// cancelling ctx only stops new dispatches.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	pool, err := ants.NewPool(s.concurrency, ants.WithPanicHandler(func(p interface{}) {
		slog.Error("embedding worker panicked", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	s.pool = pool
	s.baseCtx = context.WithoutCancel(ctx)
	s.started = true

	go s.dispatch(ctx)
	slog.Info("embedding scheduler started", "concurrency", s.concurrency)
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer close(s.stopped)

	for {
		batch, closed := s.claim()
		for _, t := range batch {
			task := t
			if err := s.pool.Submit(func() { s.run(task) }); err != nil {
				slog.Error("failed to submit embedding task", "document_id", task.DocumentID, "error", err)
				s.requeue(task)
			}
		}
		if closed {
			return
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// claim moves as many tasks as there are free slots from the queue to the
// processing set. The processing check and the dequeue share one lock.
func (s *Scheduler) claim() ([]Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []Task
	var skipped []*item
	for !s.closed && len(s.processing) < s.concurrency && s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		if _, busy := s.processing[it.task.DocumentID]; busy {
			skipped = append(skipped, it)
			continue
		}
		delete(s.index, it.task.DocumentID)
		s.processing[it.task.DocumentID] = struct{}{}
		s.runs.Add(1)
		batch = append(batch, it.task)
	}
	for _, it := range skipped {
		heap.Push(&s.queue, it)
	}
	return batch, s.closed
}

func (s *Scheduler) requeue(t Task) {
	s.mu.Lock()
	delete(s.processing, t.DocumentID)
	if _, ok := s.index[t.DocumentID]; !ok {
		s.push(t)
	}
	s.mu.Unlock()
	s.runs.Done()
}

func (s *Scheduler) run(t Task) {
	ctx := logger.WithDocumentID(s.baseCtx, t.DocumentID)
	ok := false
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			s.setStatus(ctx, t.DocumentID, StatusFailed, &msg)
		}
		s.finish(t.DocumentID, ok)
	}()

	start := s.now()
	if err := s.process(ctx, t); err != nil {
		msg := err.Error()
		slog.ErrorContext(ctx, "embedding task failed", "attempts", t.Attempts+1, "error", err)
		s.setStatus(ctx, t.DocumentID, StatusFailed, &msg)
		return
	}

	ok = true
	s.setStatus(ctx, t.DocumentID, StatusCompleted, nil)
	slog.InfoContext(ctx, "embedding task completed", "duration", s.now().Sub(start))
}

func (s *Scheduler) process(ctx context.Context, t Task) error {
	s.setStatus(ctx, t.DocumentID, StatusProcessing, nil)

	if !t.Visible {
		slog.InfoContext(ctx, "document hidden, removing vectors")
		return s.store.DeleteDocument(ctx, t.DocumentID)
	}

	chunker, err := s.chunkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to build chunker: %w", err)
	}

	chunks := chunker.Chunk(t.Content)
	if len(chunks) == 0 {
		slog.InfoContext(ctx, "no content to index, removing vectors")
		return s.store.DeleteDocument(ctx, t.DocumentID)
	}

	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = embeddingInput(t.Title, c.Text)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, inputs)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return &apperror.EmbeddingServiceError{
			Provider: "unknown",
			Err:      fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors)),
		}
	}

	out := make([]vector.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = vector.Chunk{
			Index:   c.Index,
			Text:    c.Text,
			Title:   t.Title,
			Visible: t.Visible,
			Vector:  vectors[i],
		}
	}

	if err := s.store.Upsert(ctx, t.DocumentID, out); err != nil {
		return err
	}
	slog.InfoContext(ctx, "document vectors replaced", "chunks", len(out))
	return nil
}

// embeddingInput prefixes the chunk with its article title so short
// chunks keep their topic.
func embeddingInput(title, chunk string) string {
	if title == "" {
		return chunk
	}
	return fmt.Sprintf("Title: %s\n---\n%s", title, chunk)
}

func (s *Scheduler) setStatus(ctx context.Context, documentID int64, status string, ragError *string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.UpdateRAGStatus(ctx, documentID, status, ragError); err != nil {
		slog.ErrorContext(ctx, "failed to write rag status", "status", status, "error", err)
	}
}

func (s *Scheduler) finish(documentID int64, ok bool) {
	s.mu.Lock()
	delete(s.processing, documentID)
	if ok {
		s.completed++
		delete(s.failures, documentID)
	} else {
		s.failed++
		s.failures[documentID]++
	}
	if next, held := s.deferred[documentID]; held {
		delete(s.deferred, documentID)
		next.Attempts = s.failures[documentID]
		if !s.closed {
			s.push(next)
		}
	}
	s.mu.Unlock()

	s.signal()
	s.runs.Done()
}

// GetQueueStatus returns a copy of the queue, most urgent first, and the
// documents in flight.
func (s *Scheduler) GetQueueStatus() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*item, len(s.queue))
	copy(items, s.queue)
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

	snap := Snapshot{
		QueuedTasks:     make([]QueuedTask, 0, len(items)+len(s.deferred)),
		ProcessingTasks: make([]int64, 0, len(s.processing)),
	}
	for _, it := range items {
		snap.QueuedTasks = append(snap.QueuedTasks, QueuedTask{
			DocumentID: it.task.DocumentID,
			Priority:   it.task.Priority,
			EnqueuedAt: it.task.EnqueuedAt,
			Attempts:   it.task.Attempts,
		})
	}

	held := make([]Task, 0, len(s.deferred))
	for _, t := range s.deferred {
		held = append(held, t)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].DocumentID < held[j].DocumentID })
	for _, t := range held {
		snap.QueuedTasks = append(snap.QueuedTasks, QueuedTask{
			DocumentID: t.DocumentID,
			Priority:   t.Priority,
			EnqueuedAt: t.EnqueuedAt,
			Attempts:   t.Attempts,
			Deferred:   true,
		})
	}

	for id := range s.processing {
		snap.ProcessingTasks = append(snap.ProcessingTasks, id)
	}
	sort.Slice(snap.ProcessingTasks, func(i, j int) bool { return snap.ProcessingTasks[i] < snap.ProcessingTasks[j] })
	return snap
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:      s.queue.Len() + len(s.deferred),
		Processing:  len(s.processing),
		Concurrency: s.concurrency,
		Completed:   s.completed,
		Failed:      s.failed,
	}
}

// SetConcurrency changes the number of parallel runs.
func (s *Scheduler) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	if n == s.concurrency {
		s.mu.Unlock()
		return
	}
	s.concurrency = n
	if s.pool != nil {
		s.pool.Tune(n)
	}
	s.mu.Unlock()

	slog.Info("embedding concurrency changed", "concurrency", n)
	s.signal()
}

// Shutdown stops dispatching and waits for in-flight runs, which are not
// cancelled. Tasks still queued are dropped with the process.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	if !alreadyClosed {
		s.signal()
	}

	done := make(chan struct{})
	go func() {
		<-s.stopped
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.pool.Release()
		slog.Info("embedding scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("embedding scheduler shutdown: %w", ctx.Err())
	}
}
