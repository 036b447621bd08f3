package mocks

import (
	"context"

	"github.com/dukex/nodeflow/pkg/httpexec"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/stretchr/testify/mock"
)

// MockHTTPExecutor is a mock implementation of httpexec.Executor interface.
type MockHTTPExecutor struct {
	mock.Mock
}

func (m *MockHTTPExecutor) Execute(ctx context.Context, req *httpexec.Request) (any, error) {
	args := m.Called(ctx, req)

	return args.Get(0), args.Error(1)
}

// MockTokenProvider is a mock implementation of auth.TokenProvider interface.
type MockTokenProvider struct {
	mock.Mock
}

func (m *MockTokenProvider) Token(ctx context.Context, clientID string) (string, error) {
	args := m.Called(ctx, clientID)

	return args.String(0), args.Error(1)
}

// MockScheduler is a mock implementation of scheduler.Scheduler interface.
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(ctx context.Context, job scheduler.Job) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}
