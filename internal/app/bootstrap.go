package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"scriptorium/backend/internal/adapter/pgvector"
	"scriptorium/backend/internal/adapter/weaviate"
	"scriptorium/backend/internal/config"
	"scriptorium/backend/internal/settings"
	"scriptorium/backend/internal/vector"
)

type Dependencies struct {
	DB       *sql.DB
	Settings *settings.Service
	Vectors  vector.Backend
	// Pool is only set for the pgvector backend.
	Pool *pgxpool.Pool
}

func (d *Dependencies) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Bootstrap connects to the database and the vector index and prepares
// both for use.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := cfg.BootstrapRetryDelay()
	if err := PingWithRetry(ctx, db, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	settingsSvc := settings.NewService(
		settings.NewPostgresRepo(db),
		settings.WithEnvironment(Environment(cfg)),
		settings.WithTTL(cfg.SettingsTTL()),
	)

	deps := &Dependencies{DB: db, Settings: settingsSvc}
	deps.Vectors, deps.Pool, err = newVectorBackend(ctx, cfg, settingsSvc)
	if err != nil {
		deps.Close()
		return nil, err
	}

	if err := EnsureSchemaWithRetry(ctx, deps.Vectors, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		deps.Close()
		return nil, fmt.Errorf("vector schema error: %w", err)
	}

	createTopic(ctx, cfg.NSQDHTTP, config.TopicDocumentChanged)
	return deps, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// Environment maps process configuration onto the settings fallback layer.
func Environment(cfg *config.Config) settings.Environment {
	env := settings.Environment{
		Settings: settings.Settings{
			EmbeddingProvider:    cfg.EmbeddingProvider,
			EmbeddingModel:       cfg.EmbeddingModel,
			EmbeddingBaseURL:     cfg.EmbeddingBaseURL,
			EmbeddingDimension:   cfg.EmbeddingDimension,
			VectorStoreAPIKey:    cfg.WeaviateAPIKey,
			VectorTimeoutSeconds: cfg.VectorTimeoutSecs,
			ChunkSize:            cfg.ChunkSize,
			ChunkOverlap:         cfg.ChunkOverlap,
			ChunkUnit:            cfg.ChunkUnit,
			WorkerConcurrency:    cfg.WorkerConcurrency,
		},
		GeminiAPIKey: cfg.GeminiAPIKey,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	}
	if cfg.WeaviateHost != "" {
		scheme := cfg.WeaviateScheme
		if scheme == "" {
			scheme = "http"
		}
		env.VectorStoreURL = scheme + "://" + cfg.WeaviateHost
	}
	return env
}

func newVectorBackend(ctx context.Context, cfg *config.Config, s *settings.Service) (vector.Backend, *pgxpool.Pool, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendPgvector:
		pool, err := pgxpool.New(ctx, cfg.PgxDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool error: %w", err)
		}
		slog.Info("using pgvector backend")
		return pgvector.NewStore(pool), pool, nil
	default:
		slog.Info("using weaviate backend")
		return weaviate.NewStore(s), nil, nil
	}
}

func retryPolicy(ctx context.Context, attempts int, delay time.Duration) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
}

// PingWithRetry waits for the database to accept connections.
func PingWithRetry(ctx context.Context, db Pinger, attempts int, delay time.Duration) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := db.PingContext(ctx)
		if err != nil {
			slog.Warn("failed to ping db, retrying...", "attempt", attempt, "error", err)
		}
		return err
	}, retryPolicy(ctx, attempts, delay))
}

func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := store.EnsureSchema(ctx)
		if err != nil {
			slog.Warn("failed to ensure vector schema, retrying...", "attempt", attempt, "error", err)
		}
		return err
	}, retryPolicy(ctx, attempts, delay))
}

// createTopic registers the topic with nsqd so lookupd knows it before the
// first publish. Failure only delays consumption.
func createTopic(ctx context.Context, nsqdHTTP, topic string) {
	if nsqdHTTP == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
		return
	}
	resp, err := http.DefaultClient.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
	if err != nil {
		slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
		return
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("NSQ topic creation rejected", "topic", topic, "status", resp.StatusCode)
	}
}
