package pgvector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"scriptorium/backend/internal/vector"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS article_chunks (
	document_id BIGINT NOT NULL,
	chunk_index INT NOT NULL,
	chunk_text TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	visible BOOLEAN NOT NULL DEFAULT TRUE,
	revision BIGINT NOT NULL,
	embedding vector NOT NULL,
	PRIMARY KEY (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_article_chunks_document ON article_chunks (document_id);
`

const insertChunkSQL = `
INSERT INTO article_chunks (document_id, chunk_index, chunk_text, title, visible, revision, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const searchSQL = `
SELECT document_id, chunk_index, chunk_text, title, revision, 1 - (embedding <=> $1) AS score
FROM article_chunks
WHERE ($2 OR visible)
  AND (cardinality($3::bigint[]) = 0 OR document_id = ANY($3))
ORDER BY embedding <=> $1
LIMIT $4`

// Store is the Postgres vector.Backend. A document's chunks are replaced
// inside one transaction, so readers see either the old or the new set.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, documentID int64, chunks []vector.Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM article_chunks WHERE document_id = $1`, documentID); err != nil {
		return classify(err)
	}

	rev := s.now().UnixMilli()
	batch := &pgx.Batch{}
	for _, ch := range chunks {
		batch.Queue(insertChunkSQL, documentID, ch.Index, ch.Text, ch.Title, ch.Visible, rev, pgv.NewVector(ch.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM article_chunks WHERE document_id = $1`, documentID)
	return classify(err)
}

func (s *Store) Search(ctx context.Context, vec []float32, topK int, f vector.Filter) ([]vector.Hit, error) {
	ids := f.DocumentIDs
	if ids == nil {
		ids = []int64{}
	}

	rows, err := s.pool.Query(ctx, searchSQL, pgv.NewVector(vec), f.IncludeHidden, ids, topK)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var h vector.Hit
		var score float64
		if err := rows.Scan(&h.DocumentID, &h.ChunkIndex, &h.ChunkText, &h.Title, &h.Revision, &score); err != nil {
			return nil, err
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return hits, nil
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM article_chunks`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// classify treats connection failures and server resource errors as
// transient. Statement errors are returned as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return vector.Transient(err)
		}
		return err
	}
	return vector.Transient(err)
}
