package worker_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"scriptorium/backend/features/document"
	"scriptorium/backend/internal/embedqueue"
)

type MockDocuments struct{ mock.Mock }

func (m *MockDocuments) Get(ctx context.Context, id int64) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockDocuments) ListStale(ctx context.Context, stuckBefore time.Time, limit int) ([]document.Document, error) {
	args := m.Called(ctx, stuckBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

type MockEnqueuer struct{ mock.Mock }

func (m *MockEnqueuer) Enqueue(ctx context.Context, doc *document.Document, priority int) error {
	return m.Called(ctx, doc, priority).Error(0)
}

type MockObserver struct{ mock.Mock }

func (m *MockObserver) GetQueueStatus() embedqueue.Snapshot {
	return m.Called().Get(0).(embedqueue.Snapshot)
}
