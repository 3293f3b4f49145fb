package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const selectSettings = `SELECT id, embedding_provider, embedding_model, embedding_api_key, embedding_base_url, embedding_dimension, vector_store_url, vector_store_api_key, vector_timeout_seconds, chunk_size, chunk_overlap, chunk_unit, worker_concurrency FROM settings WHERE id = 1`

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.db.QueryRowContext(ctx, selectSettings).Scan(
		&s.ID, &s.EmbeddingProvider, &s.EmbeddingModel, &s.EmbeddingAPIKey, &s.EmbeddingBaseURL, &s.EmbeddingDimension,
		&s.VectorStoreURL, &s.VectorStoreAPIKey, &s.VectorTimeoutSeconds,
		&s.ChunkSize, &s.ChunkOverlap, &s.ChunkUnit, &s.WorkerConcurrency,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `
		UPDATE settings
		SET embedding_provider = $1, embedding_model = $2, embedding_api_key = $3, embedding_base_url = $4, embedding_dimension = $5,
			vector_store_url = $6, vector_store_api_key = $7, vector_timeout_seconds = $8,
			chunk_size = $9, chunk_overlap = $10, chunk_unit = $11, worker_concurrency = $12, updated_at = NOW()
		WHERE id = 1
	`
	_, err := r.db.ExecContext(ctx, query,
		s.EmbeddingProvider, s.EmbeddingModel, s.EmbeddingAPIKey, s.EmbeddingBaseURL, s.EmbeddingDimension,
		s.VectorStoreURL, s.VectorStoreAPIKey, s.VectorTimeoutSeconds,
		s.ChunkSize, s.ChunkOverlap, s.ChunkUnit, s.WorkerConcurrency,
	)
	return err
}
