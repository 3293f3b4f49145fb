package settings

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"scriptorium/backend/internal/apperror"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// Hard defaults, used when neither the stored row nor the environment sets a value.
const (
	DefaultProvider             = ProviderGemini
	DefaultGeminiModel          = "gemini-embedding-001"
	DefaultOpenAIModel          = "text-embedding-3-small"
	DefaultGeminiDimension      = 3072
	DefaultOpenAIDimension      = 1536
	DefaultVectorStoreURL       = "http://localhost:8080"
	DefaultVectorTimeoutSeconds = 10
	DefaultChunkSize            = 1000
	DefaultChunkOverlap         = 200
	DefaultChunkUnit            = UnitChars
	DefaultWorkerConcurrency    = 2
	DefaultTTL                  = 5 * time.Minute

	MaxWorkerConcurrency = 16

	// NoChunkOverlap turns overlap off. Zero cannot, since zero means "inherit".
	NoChunkOverlap = -1
)

type Settings struct {
	ID                   int    `json:"-"`
	EmbeddingProvider    string `json:"embedding_provider"`
	EmbeddingModel       string `json:"embedding_model"`
	EmbeddingAPIKey      string `json:"embedding_api_key"`
	EmbeddingBaseURL     string `json:"embedding_base_url"`
	EmbeddingDimension   int    `json:"embedding_dimension"`
	VectorStoreURL       string `json:"vector_store_url"`
	VectorStoreAPIKey    string `json:"vector_store_api_key"`
	VectorTimeoutSeconds int    `json:"vector_timeout_seconds"`
	ChunkSize            int    `json:"chunk_size"`
	ChunkOverlap         int    `json:"chunk_overlap"`
	ChunkUnit            string `json:"chunk_unit"`
	WorkerConcurrency    int    `json:"worker_concurrency"`
}

func (s *Settings) VectorTimeout() time.Duration {
	return time.Duration(s.VectorTimeoutSeconds) * time.Second
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

// Environment holds the values supplied through process configuration.
// Provider specific API keys are kept apart so the key follows the provider.
type Environment struct {
	Settings
	GeminiAPIKey string
	OpenAIAPIKey string
}

// Service resolves effective settings with the precedence
// stored value -> environment -> hard default, caching the stored row for ttl.
type Service struct {
	repo Repository
	env  Environment
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	stored    *Settings
	fetchedAt time.Time
	listeners []func(Settings)

	group singleflight.Group
}

type Option func(*Service)

func WithEnvironment(env Environment) Option {
	return func(s *Service) { s.env = env }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the effective settings. A failing repository never blocks
// callers: the last stored row, or environment and defaults, are used instead.
func (s *Service) Get(ctx context.Context) (*Settings, error) {
	stored := s.cachedStored()
	if stored == nil {
		v, err, _ := s.group.Do("settings", func() (interface{}, error) {
			return s.refresh(ctx)
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to load stored settings, using fallbacks", "error", err)
			s.mu.RLock()
			stored = s.stored
			s.mu.RUnlock()
		} else {
			stored = v.(*Settings)
		}
	}
	resolved := Resolve(stored, s.env)
	return &resolved, nil
}

// Stored returns the raw persisted row, bypassing the cache.
func (s *Service) Stored(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := Validate(set); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, set); err != nil {
		return err
	}

	s.mu.Lock()
	copied := *set
	s.stored = &copied
	s.fetchedAt = s.now()
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	resolved := Resolve(&copied, s.env)
	for _, fn := range listeners {
		fn(resolved)
	}
	return nil
}

// OnChange registers fn to be called with the effective settings after every update.
func (s *Service) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Invalidate drops the cached row so the next Get reads the repository.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedAt = time.Time{}
}

func (s *Service) cachedStored() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stored == nil || s.fetchedAt.IsZero() || s.now().Sub(s.fetchedAt) > s.ttl {
		return nil
	}
	return s.stored
}

func (s *Service) refresh(ctx context.Context) (*Settings, error) {
	stored, err := s.repo.Get(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		stored, err = &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stored = stored
	s.fetchedAt = s.now()
	s.mu.Unlock()
	return stored, nil
}

// Resolve applies stored -> environment -> default precedence field by field.
func Resolve(stored *Settings, env Environment) Settings {
	if stored == nil {
		stored = &Settings{}
	}
	out := Settings{ID: stored.ID}

	out.EmbeddingProvider = strings.ToLower(firstString(stored.EmbeddingProvider, env.EmbeddingProvider, DefaultProvider))

	envKey := env.EmbeddingAPIKey
	defaultModel, defaultDim := DefaultGeminiModel, DefaultGeminiDimension
	switch out.EmbeddingProvider {
	case ProviderOpenAI:
		envKey = firstString(envKey, env.OpenAIAPIKey)
		defaultModel, defaultDim = DefaultOpenAIModel, DefaultOpenAIDimension
	default:
		envKey = firstString(envKey, env.GeminiAPIKey)
	}

	out.EmbeddingModel = firstString(stored.EmbeddingModel, env.EmbeddingModel, defaultModel)
	out.EmbeddingAPIKey = firstString(stored.EmbeddingAPIKey, envKey)
	out.EmbeddingBaseURL = firstString(stored.EmbeddingBaseURL, env.EmbeddingBaseURL)
	out.EmbeddingDimension = firstInt(stored.EmbeddingDimension, env.EmbeddingDimension, defaultDim)
	out.VectorStoreURL = firstString(stored.VectorStoreURL, env.VectorStoreURL, DefaultVectorStoreURL)
	out.VectorStoreAPIKey = firstString(stored.VectorStoreAPIKey, env.VectorStoreAPIKey)
	out.VectorTimeoutSeconds = firstInt(stored.VectorTimeoutSeconds, env.VectorTimeoutSeconds, DefaultVectorTimeoutSeconds)
	out.ChunkSize = firstInt(stored.ChunkSize, env.ChunkSize, DefaultChunkSize)
	out.ChunkOverlap = resolveOverlap(stored.ChunkOverlap, env.ChunkOverlap)
	out.ChunkUnit = firstString(stored.ChunkUnit, env.ChunkUnit, DefaultChunkUnit)
	out.WorkerConcurrency = firstInt(stored.WorkerConcurrency, env.WorkerConcurrency, DefaultWorkerConcurrency)

	// An overlap inherited from a lower layer can be invalid for a size set higher up.
	if out.ChunkOverlap >= out.ChunkSize {
		out.ChunkOverlap = out.ChunkSize / 5
	}
	return out
}

// Validate checks the fields a caller explicitly set. Zero values mean "inherit".
func Validate(s *Settings) error {
	switch strings.ToLower(s.EmbeddingProvider) {
	case "", ProviderGemini, ProviderOpenAI:
	default:
		return apperror.NewValidation("embedding_provider", "must be gemini or openai")
	}
	switch s.ChunkUnit {
	case "", UnitChars, UnitTokens:
	default:
		return apperror.NewValidation("chunk_unit", "must be chars or tokens")
	}
	if s.EmbeddingDimension < 0 {
		return apperror.NewValidation("embedding_dimension", "must not be negative")
	}
	if s.ChunkSize < 0 || (s.ChunkOverlap < 0 && s.ChunkOverlap != NoChunkOverlap) {
		return apperror.NewValidation("chunk_size", "chunk size and overlap must not be negative")
	}
	if s.ChunkSize > 0 && s.ChunkOverlap >= s.ChunkSize {
		return apperror.NewValidation("chunk_overlap", "must be smaller than chunk_size")
	}
	if s.WorkerConcurrency < 0 || s.WorkerConcurrency > MaxWorkerConcurrency {
		return apperror.NewValidation("worker_concurrency", "must be between 1 and 16")
	}
	if s.VectorTimeoutSeconds < 0 {
		return apperror.NewValidation("vector_timeout_seconds", "must not be negative")
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// resolveOverlap is firstInt with NoChunkOverlap stopping the lookup at zero.
func resolveOverlap(values ...int) int {
	for _, v := range values {
		switch {
		case v == NoChunkOverlap:
			return 0
		case v > 0:
			return v
		}
	}
	return DefaultChunkOverlap
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
