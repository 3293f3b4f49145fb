package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/adapter/weaviate"
	"scriptorium/backend/internal/config"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/testutils"
	"scriptorium/backend/internal/text"
	"scriptorium/backend/internal/vector"
	"scriptorium/backend/internal/worker"
)

type constantEmbedder struct{}

func (constantEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestDocumentPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()

	store := weaviate.NewStoreWithClient(s.Weaviate)
	require.NoError(t, store.EnsureSchema(ctx))

	repo := document.NewPostgresRepo(s.DB)
	chunker, err := text.NewChunker(40, 10)
	require.NoError(t, err)
	scheduler := embedqueue.New(
		func(context.Context) (embedqueue.Chunker, error) { return chunker, nil },
		constantEmbedder{}, store, repo,
	)
	require.NoError(t, scheduler.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(shutdownCtx)
	}()
	svc := document.NewService(repo, scheduler)

	var id int64
	err = s.DB.QueryRowContext(ctx,
		`INSERT INTO documents (title, content, url) VALUES ($1, $2, $3) RETURNING id`,
		"Vectors", "Vector databases store embeddings and answer nearest neighbour queries quickly.", "/articles/vectors",
	).Scan(&id)
	require.NoError(t, err)

	consumer, err := nsq.NewConsumer(config.TopicDocumentChanged, config.ChannelEmbedder, nsq.NewConfig())
	require.NoError(t, err)
	consumer.AddHandler(worker.NewDocumentConsumer(repo, svc))
	require.NoError(t, consumer.ConnectToNSQD(s.NSQDAddr))
	defer consumer.Stop()

	publish := func(evt worker.DocumentEvent) {
		body, err := json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, s.NSQ.Publish(config.TopicDocumentChanged, body))
	}

	publish(worker.DocumentEvent{Type: worker.EventUpsert, DocumentID: id})

	require.Eventually(t, func() bool {
		d, err := repo.Get(ctx, id)
		return err == nil && d.RAGStatus != nil && *d.RAGStatus == embedqueue.StatusCompleted
	}, 30*time.Second, 200*time.Millisecond)

	hits, err := store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, id, h.DocumentID)
	}

	_, err = s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	require.NoError(t, err)
	publish(worker.DocumentEvent{Type: worker.EventDelete, DocumentID: id})

	require.Eventually(t, func() bool {
		hits, err := store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{IncludeHidden: true})
		return err == nil && len(hits) == 0
	}, 30*time.Second, 200*time.Millisecond)
}

func TestSweeper_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	repo := document.NewPostgresRepo(s.DB)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO documents (title, content, rag_status, rag_updated_at, updated_at) VALUES
			('never', 'a', NULL, NULL, NOW()),
			('pending', 'b', 'pending', NOW(), NOW()),
			('done', 'c', 'completed', NOW() + INTERVAL '1 minute', NOW()),
			('edited', 'd', 'completed', NOW() - INTERVAL '1 hour', NOW()),
			('failed', 'e', 'failed', NOW(), NOW() - INTERVAL '1 hour'),
			('stuck', 'f', 'processing', NOW() - INTERVAL '1 hour', NOW() - INTERVAL '2 hours')`)
	require.NoError(t, err)

	docs, err := repo.ListStale(ctx, time.Now(), 100)
	require.NoError(t, err)

	var titles []string
	for _, d := range docs {
		titles = append(titles, d.Title)
	}
	assert.ElementsMatch(t, []string{"never", "pending", "edited", "stuck"}, titles)
}
