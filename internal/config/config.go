package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalid = errors.New("invalid configuration")

const (
	VectorBackendWeaviate = "weaviate"
	VectorBackendPgvector = "pgvector"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"scriptorium"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"scriptorium"`

	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd     string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHTTP       string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EnableConsumer bool   `envconfig:"ENABLE_DOCUMENT_CONSUMER" default:"true"`

	// Dynamic settings. These have no defaults here: an unset variable
	// falls through to the hard default in the settings package.
	WeaviateAPIKey     string `envconfig:"WEAVIATE_API_KEY"`
	VectorTimeoutSecs  int    `envconfig:"VECTOR_TIMEOUT_SECONDS"`
	EmbeddingProvider  string `envconfig:"EMBEDDING_PROVIDER"`
	EmbeddingModel     string `envconfig:"EMBEDDING_MODEL"`
	EmbeddingBaseURL   string `envconfig:"EMBEDDING_BASE_URL"`
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION"`
	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	ChunkSize          int    `envconfig:"CHUNK_SIZE"`
	ChunkOverlap       int    `envconfig:"CHUNK_OVERLAP"`
	ChunkUnit          string `envconfig:"CHUNK_UNIT"`
	WorkerConcurrency  int    `envconfig:"WORKER_CONCURRENCY"`

	EmbedTimeoutSeconds  int `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	SearchRetries        int `envconfig:"SEARCH_RETRIES" default:"2"`
	SettingsTTLSeconds   int `envconfig:"SETTINGS_TTL_SECONDS" default:"300"`
	SweepIntervalSeconds int `envconfig:"SWEEP_INTERVAL_SECONDS" default:"300"`
	MaxQueueDepth        int `envconfig:"MAX_QUEUE_DEPTH" default:"10000"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort             int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath           string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeoutSeconds int    `envconfig:"SHUTDOWN_TIMEOUT_SECONDS" default:"30"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, the variables may already be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	switch c.VectorBackend {
	case VectorBackendWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	case VectorBackendPgvector:
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND must be %q or %q, got %q", ErrInvalid, VectorBackendWeaviate, VectorBackendPgvector, c.VectorBackend)
	}
	if c.ChunkSize < 0 || c.ChunkOverlap < -1 {
		return fmt.Errorf("%w: CHUNK_SIZE must not be negative and CHUNK_OVERLAP must be -1 or more", ErrInvalid)
	}
	if c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be smaller than CHUNK_SIZE", ErrInvalid)
	}
	if c.SearchRetries < 0 {
		return fmt.Errorf("%w: SEARCH_RETRIES must not be negative", ErrInvalid)
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// PgxDSN is the URL form pgxpool expects.
func (c *Config) PgxDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) SettingsTTL() time.Duration {
	return time.Duration(c.SettingsTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}
