package mocks

import (
	"context"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/stretchr/testify/mock"
)

// MockInstances is a mock implementation of web.Instances interface.
type MockInstances struct {
	mock.Mock
}

func (m *MockInstances) Start(ctx context.Context, req workflow.StartRequest) (*models.ReturnControl, error) {
	args := m.Called(ctx, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ReturnControl), args.Error(1)
}

func (m *MockInstances) Resume(ctx context.Context, instanceID string, req workflow.ResumeRequest) (*models.ReturnControl, error) {
	args := m.Called(ctx, instanceID, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ReturnControl), args.Error(1)
}

func (m *MockInstances) Terminate(ctx context.Context, instanceID string) (*models.ReturnControl, error) {
	args := m.Called(ctx, instanceID)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ReturnControl), args.Error(1)
}

func (m *MockInstances) State(ctx context.Context, instanceID string) (*models.WorkflowState, error) {
	args := m.Called(ctx, instanceID)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowState), args.Error(1)
}

func (m *MockInstances) ExecuteDisconnectedNode(ctx context.Context, instanceID string, req workflow.DisconnectedNodeRequest) (*models.DisconnectedNodeResult, error) {
	args := m.Called(ctx, instanceID, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DisconnectedNodeResult), args.Error(1)
}
