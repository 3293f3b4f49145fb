package settings_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/settings"
)

func TestResolve_Precedence(t *testing.T) {
	env := settings.Environment{
		Settings: settings.Settings{
			EmbeddingModel:    "env-model",
			ChunkSize:         500,
			WorkerConcurrency: 4,
		},
		GeminiAPIKey: "env-gemini",
	}
	stored := &settings.Settings{ChunkSize: 1200}

	got := settings.Resolve(stored, env)

	assert.Equal(t, settings.ProviderGemini, got.EmbeddingProvider, "hard default")
	assert.Equal(t, "env-model", got.EmbeddingModel, "environment")
	assert.Equal(t, 1200, got.ChunkSize, "stored wins")
	assert.Equal(t, settings.DefaultChunkOverlap, got.ChunkOverlap)
	assert.Equal(t, 4, got.WorkerConcurrency)
	assert.Equal(t, "env-gemini", got.EmbeddingAPIKey)
	assert.Equal(t, settings.DefaultGeminiDimension, got.EmbeddingDimension)
	assert.Equal(t, settings.DefaultVectorStoreURL, got.VectorStoreURL)
	assert.Equal(t, 10*time.Second, got.VectorTimeout())
}

func TestResolve_ProviderSpecificDefaults(t *testing.T) {
	env := settings.Environment{GeminiAPIKey: "g", OpenAIAPIKey: "o"}
	got := settings.Resolve(&settings.Settings{EmbeddingProvider: "OpenAI"}, env)

	assert.Equal(t, settings.ProviderOpenAI, got.EmbeddingProvider)
	assert.Equal(t, settings.DefaultOpenAIModel, got.EmbeddingModel)
	assert.Equal(t, settings.DefaultOpenAIDimension, got.EmbeddingDimension)
	assert.Equal(t, "o", got.EmbeddingAPIKey)
}

func TestResolve_ClampsInheritedOverlap(t *testing.T) {
	got := settings.Resolve(&settings.Settings{ChunkSize: 100}, settings.Environment{})
	assert.Equal(t, 100, got.ChunkSize)
	assert.Equal(t, 20, got.ChunkOverlap)
}

func TestResolve_OverlapCanBeDisabled(t *testing.T) {
	env := settings.Environment{Settings: settings.Settings{ChunkOverlap: 50}}

	got := settings.Resolve(&settings.Settings{ChunkOverlap: settings.NoChunkOverlap}, env)
	assert.Equal(t, 0, got.ChunkOverlap, "stored disables overlap")

	env.ChunkOverlap = settings.NoChunkOverlap
	got = settings.Resolve(&settings.Settings{}, env)
	assert.Equal(t, 0, got.ChunkOverlap, "environment disables overlap")

	got = settings.Resolve(&settings.Settings{ChunkOverlap: 30}, env)
	assert.Equal(t, 30, got.ChunkOverlap, "stored value wins over disabled environment")
}

func TestService_Get_CachesWithinTTL(t *testing.T) {
	repo := new(MockRepository)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := settings.NewService(repo, settings.WithTTL(time.Minute), settings.WithClock(func() time.Time { return now }))

	repo.On("Get", mock.Anything).Return(&settings.Settings{ChunkSize: 700}, nil).Once()

	for i := 0; i < 3; i++ {
		s, err := svc.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 700, s.ChunkSize)
	}

	now = now.Add(2 * time.Minute)
	repo.On("Get", mock.Anything).Return(&settings.Settings{ChunkSize: 900}, nil).Once()

	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 900, s.ChunkSize)
	repo.AssertExpectations(t)
}

func TestService_Get_ConcurrentCallersShareRefresh(t *testing.T) {
	repo := new(MockRepository)
	svc := settings.NewService(repo)

	repo.On("Get", mock.Anything).
		Run(func(args mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(&settings.Settings{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(repo.Calls), 2)
}

func TestService_Get_RepoErrorFallsBack(t *testing.T) {
	repo := new(MockRepository)
	svc := settings.NewService(repo, settings.WithEnvironment(settings.Environment{GeminiAPIKey: "env-key"}))

	repo.On("Get", mock.Anything).Return(nil, errors.New("db down"))

	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-key", s.EmbeddingAPIKey)
	assert.Equal(t, settings.DefaultChunkSize, s.ChunkSize)
}

func TestService_Get_NoRowIsEmptyStored(t *testing.T) {
	repo := new(MockRepository)
	svc := settings.NewService(repo)

	repo.On("Get", mock.Anything).Return(nil, sql.ErrNoRows).Once()

	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settings.DefaultWorkerConcurrency, s.WorkerConcurrency)

	// cached: no second repository call
	_, err = svc.Get(context.Background())
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestService_Update(t *testing.T) {
	t.Run("Notifies listeners and refreshes cache", func(t *testing.T) {
		repo := new(MockRepository)
		svc := settings.NewService(repo)

		var got settings.Settings
		svc.OnChange(func(s settings.Settings) { got = s })

		update := &settings.Settings{WorkerConcurrency: 5}
		repo.On("Update", mock.Anything, update).Return(nil)

		require.NoError(t, svc.Update(context.Background(), update))
		assert.Equal(t, 5, got.WorkerConcurrency)

		s, err := svc.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, s.WorkerConcurrency)
		repo.AssertNotCalled(t, "Get", mock.Anything)
	})

	t.Run("Rejects invalid values", func(t *testing.T) {
		repo := new(MockRepository)
		svc := settings.NewService(repo)

		err := svc.Update(context.Background(), &settings.Settings{ChunkSize: 100, ChunkOverlap: 100})
		assert.True(t, apperror.IsValidation(err))
		repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      settings.Settings
		wantErr bool
	}{
		{"Empty inherits everything", settings.Settings{}, false},
		{"Known provider", settings.Settings{EmbeddingProvider: "openai"}, false},
		{"Unknown provider", settings.Settings{EmbeddingProvider: "cohere"}, true},
		{"Unknown unit", settings.Settings{ChunkUnit: "words"}, true},
		{"Concurrency too high", settings.Settings{WorkerConcurrency: 99}, true},
		{"Negative dimension", settings.Settings{EmbeddingDimension: -1}, true},
		{"Overlap disabled", settings.Settings{ChunkOverlap: settings.NoChunkOverlap}, false},
		{"Negative overlap", settings.Settings{ChunkOverlap: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := settings.Validate(&tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
