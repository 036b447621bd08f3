package mocks

import (
	"context"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockBus is a mock implementation of eventbus.Bus interface.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)

	return args.Error(0)
}

func (m *MockBus) Subscribe(ctx context.Context, channel string) (eventbus.Subscription, error) {
	args := m.Called(ctx, channel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(eventbus.Subscription), args.Error(1)
}

func (m *MockBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockInvalidations records invalidation announcements.
type MockInvalidations struct {
	mock.Mock
}

func (m *MockInvalidations) Publish(ctx context.Context, tag models.EntityTag, tokens ...string) {
	m.Called(ctx, tag, tokens)
}
