package pgvector_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"scriptorium/backend/internal/adapter/pgvector"
	"scriptorium/backend/internal/vector"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("scriptorium_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupPool(t)
	store := pgvector.NewStore(pool)
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	require.NoError(t, store.Upsert(ctx, 1, []vector.Chunk{
		{Index: 0, Text: "alpha", Title: "A", Visible: true, Vector: []float32{1, 0, 0}},
		{Index: 1, Text: "beta", Title: "A", Visible: true, Vector: []float32{0, 1, 0}},
		{Index: 2, Text: "gamma", Title: "A", Visible: true, Vector: []float32{0, 0, 1}},
	}))
	require.NoError(t, store.Upsert(ctx, 2, []vector.Chunk{
		{Index: 0, Text: "hidden", Title: "B", Visible: false, Vector: []float32{1, 0, 0}},
	}))

	hits, err := store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "alpha", hits[0].ChunkText)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	hits, err = store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{IncludeHidden: true, DocumentIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hidden", hits[0].ChunkText)

	// Replace with fewer chunks
	require.NoError(t, store.Upsert(ctx, 1, []vector.Chunk{
		{Index: 0, Text: "alpha v2", Title: "A", Visible: true, Vector: []float32{1, 0, 0}},
	}))

	hits, err = store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{DocumentIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha v2", hits[0].ChunkText)

	n, err := store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.DeleteDocument(ctx, 1))
	n, err = store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ConcurrentReadersSeeCompleteSets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupPool(t)
	store := pgvector.NewStore(pool)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))

	set := func(n int, tag string) []vector.Chunk {
		out := make([]vector.Chunk, n)
		for i := range out {
			out[i] = vector.Chunk{Index: i, Text: tag, Visible: true, Vector: []float32{1, float32(i), 0}}
		}
		return out
	}
	require.NoError(t, store.Upsert(ctx, 5, set(3, "old")))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			hits, err := store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{DocumentIDs: []int64{5}})
			if !assert.NoError(t, err) {
				return
			}
			tags := map[string]int{}
			for _, h := range hits {
				tags[h.ChunkText]++
			}
			assert.LessOrEqual(t, len(tags), 1, "mixed revision observed: %v", tags)
		}
	}()

	for i := 0; i < 20; i++ {
		tag := "old"
		n := 3
		if i%2 == 0 {
			tag, n = "new", 5
		}
		require.NoError(t, store.Upsert(ctx, 5, set(n, tag)))
	}
	close(stop)
	wg.Wait()
}
