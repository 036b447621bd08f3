package mocks

import (
	"context"
	"encoding/json"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of persistence.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, tenant, key string) (*persistence.Row, error) {
	args := m.Called(ctx, tenant, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.Row), args.Error(1)
}

func (m *MockStore) Put(ctx context.Context, tenant, key string, data json.RawMessage) (int64, error) {
	args := m.Called(ctx, tenant, key, data)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) PutIfAbsent(ctx context.Context, tenant, key string, data json.RawMessage) (bool, error) {
	args := m.Called(ctx, tenant, key, data)

	return args.Bool(0), args.Error(1)
}

func (m *MockStore) PutIfRevision(ctx context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	args := m.Called(ctx, tenant, key, data, revision)

	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Scan(ctx context.Context, tenant, prefix string) ([]*persistence.Row, error) {
	args := m.Called(ctx, tenant, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*persistence.Row), args.Error(1)
}

// MockContextStore is a mock implementation of persistence.ContextStore interface.
type MockContextStore struct {
	mock.Mock
}

func (m *MockContextStore) Create(ctx context.Context, workflowID string, doc models.Context) error {
	args := m.Called(ctx, workflowID, doc)

	return args.Error(0)
}

func (m *MockContextStore) Load(ctx context.Context, workflowID string) (models.Context, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(models.Context), args.Error(1)
}

func (m *MockContextStore) Merge(ctx context.Context, workflowID string, patch models.Context) error {
	args := m.Called(ctx, workflowID, patch)

	return args.Error(0)
}
