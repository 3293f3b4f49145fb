package document

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"scriptorium/backend/internal/retrieval"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const selectDocument = `SELECT id, title, content, url, visible, updated_at, rag_status, rag_error, rag_updated_at FROM documents`

func scanDocument(sc interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	var status, ragErr sql.NullString
	var ragUpdated sql.NullTime
	if err := sc.Scan(&d.ID, &d.Title, &d.Content, &d.URL, &d.Visible, &d.UpdatedAt, &status, &ragErr, &ragUpdated); err != nil {
		return nil, err
	}
	if status.Valid {
		d.RAGStatus = &status.String
	}
	if ragErr.Valid {
		d.RAGError = &ragErr.String
	}
	if ragUpdated.Valid {
		d.RAGUpdatedAt = &ragUpdated.Time
	}
	return d, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (*Document, error) {
	d, err := scanDocument(r.db.QueryRowContext(ctx, selectDocument+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup resolves presentation metadata for search results. Ids with no
// row are left out of the map.
func (r *PostgresRepo) Lookup(ctx context.Context, ids []int64) (map[int64]retrieval.DocumentInfo, error) {
	out := make(map[int64]retrieval.DocumentInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT id, title, url, visible FROM documents WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var info retrieval.DocumentInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.URL, &info.Visible); err != nil {
			return nil, err
		}
		out[info.ID] = info
	}
	return out, rows.Err()
}

// UpdateRAGStatus is the status sink of the embedding scheduler. A nil
// ragError clears the previous message.
func (r *PostgresRepo) UpdateRAGStatus(ctx context.Context, id int64, status string, ragError *string) error {
	query := `UPDATE documents SET rag_status = $1, rag_error = $2, rag_updated_at = NOW() WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, status, ragError, id)
	return err
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status string, limit int) ([]Document, error) {
	query := selectDocument + ` WHERE rag_status = $1 ORDER BY rag_updated_at DESC, id LIMIT $2`
	return r.list(ctx, query, status, limit)
}

// ListStale returns documents whose index is missing or behind: never
// embedded, still pending, edited after the last run, or left in
// processing since before stuckBefore.
func (r *PostgresRepo) ListStale(ctx context.Context, stuckBefore time.Time, limit int) ([]Document, error) {
	query := selectDocument + `
		WHERE rag_status IS NULL
			OR rag_status = 'pending'
			OR (rag_status IN ('completed', 'failed') AND updated_at > rag_updated_at)
			OR (rag_status = 'processing' AND rag_updated_at < $1)
		ORDER BY id
		LIMIT $2`
	return r.list(ctx, query, stuckBefore, limit)
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT COALESCE(rag_status, 'none'), COUNT(*) FROM documents GROUP BY 1`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepo) list(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}
