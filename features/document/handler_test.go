package document_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/apperror"
	"scriptorium/backend/internal/embedqueue"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) Get(ctx context.Context, id int64) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockRepo) ListByStatus(ctx context.Context, status string, limit int) ([]document.Document, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

type MockQueue struct{ mock.Mock }

func (m *MockQueue) Enqueue(t embedqueue.Task) error {
	return m.Called(t).Error(0)
}

func (m *MockQueue) GetQueueStatus() embedqueue.Snapshot {
	return m.Called().Get(0).(embedqueue.Snapshot)
}

func strPtr(s string) *string { return &s }

func newRouter(h *document.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents/{id}/embed", h.Reprocess)
	mux.HandleFunc("GET /documents/{id}/embed", h.Status)
	mux.HandleFunc("GET /documents/embed/failed", h.ListFailed)
	mux.HandleFunc("GET /queue", h.Queue)
	return mux
}

func TestHandler_Reprocess(t *testing.T) {
	t.Run("Enqueues at manual priority", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("Get", mock.Anything, int64(42)).Return(&document.Document{
			ID: 42, Title: "T", Content: "body", Visible: true, RAGStatus: strPtr("failed"),
		}, nil)
		q.On("Enqueue", mock.MatchedBy(func(task embedqueue.Task) bool {
			return task.DocumentID == 42 && task.Priority == embedqueue.PriorityManual &&
				task.Content == "body" && task.Visible && !task.EnqueuedAt.IsZero()
		})).Return(nil)
		q.On("GetQueueStatus").Return(embedqueue.Snapshot{
			QueuedTasks: []embedqueue.QueuedTask{{DocumentID: 42, Priority: 0}},
		})

		req := httptest.NewRequest(http.MethodPost, "/documents/42/embed", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var body struct {
			Data document.EmbedStatus `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.True(t, body.Data.Queued)
		assert.False(t, body.Data.Processing)
		q.AssertExpectations(t)
	})

	t.Run("Missing document is 404", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("Get", mock.Anything, int64(404)).Return(nil, &apperror.NotFoundError{Resource: "document", ID: "404"})

		req := httptest.NewRequest(http.MethodPost, "/documents/404/embed", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
		q.AssertNotCalled(t, "Enqueue", mock.Anything)
	})

	t.Run("Invalid id is 400", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		for _, path := range []string{"/documents/abc/embed", "/documents/0/embed", "/documents/-3/embed"} {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, path)
		}
		repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("Closed scheduler is 503", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("Get", mock.Anything, int64(1)).Return(&document.Document{ID: 1}, nil)
		q.On("Enqueue", mock.Anything).Return(embedqueue.ErrSchedulerClosed)

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/documents/1/embed", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandler_Status(t *testing.T) {
	repo, q := new(MockRepo), new(MockQueue)
	mux := newRouter(document.NewHandler(document.NewService(repo, q)))

	updated := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	repo.On("Get", mock.Anything, int64(3)).Return(&document.Document{
		ID: 3, RAGStatus: strPtr("failed"), RAGError: strPtr("vector store upsert: 503"), RAGUpdatedAt: &updated,
	}, nil)
	q.On("GetQueueStatus").Return(embedqueue.Snapshot{ProcessingTasks: []int64{3}})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/3/embed", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "failed", body.Data["status"])
	assert.Equal(t, "vector store upsert: 503", body.Data["error"])
	assert.Equal(t, true, body.Data["processing"])
	assert.Equal(t, false, body.Data["queued"])
}

func TestHandler_Status_NeverEmbedded(t *testing.T) {
	repo, q := new(MockRepo), new(MockQueue)
	mux := newRouter(document.NewHandler(document.NewService(repo, q)))

	repo.On("Get", mock.Anything, int64(6)).Return(&document.Document{ID: 6}, nil)
	q.On("GetQueueStatus").Return(embedqueue.Snapshot{})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/6/embed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":null`)
}

func TestHandler_ListFailed(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("ListByStatus", mock.Anything, embedqueue.StatusFailed, 25).
			Return([]document.Document{{ID: 1, RAGStatus: strPtr("failed")}}, nil)

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/embed/failed?limit=25", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
	})

	t.Run("Default limit and empty list", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("ListByStatus", mock.Anything, embedqueue.StatusFailed, 100).Return(nil, nil)

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/embed/failed", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"data":[]`)
	})

	t.Run("Repository error", func(t *testing.T) {
		repo, q := new(MockRepo), new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(repo, q)))

		repo.On("ListByStatus", mock.Anything, embedqueue.StatusFailed, 100).Return(nil, errors.New("db down"))

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/embed/failed", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})
}

func TestHandler_Queue(t *testing.T) {
	t.Run("Snapshot", func(t *testing.T) {
		q := new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(new(MockRepo), q)))

		q.On("GetQueueStatus").Return(embedqueue.Snapshot{
			QueuedTasks:     []embedqueue.QueuedTask{{DocumentID: 3, Priority: embedqueue.PriorityRoutine}},
			ProcessingTasks: []int64{9},
		})

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/queue", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"documentId":3`)
		assert.Contains(t, w.Body.String(), `"processingTasks":[9]`)
	})

	t.Run("Idle queue renders empty lists", func(t *testing.T) {
		q := new(MockQueue)
		mux := newRouter(document.NewHandler(document.NewService(new(MockRepo), q)))

		q.On("GetQueueStatus").Return(embedqueue.Snapshot{})

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/queue", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"queuedTasks":[]`)
		assert.Contains(t, w.Body.String(), `"processingTasks":[]`)
	})
}
