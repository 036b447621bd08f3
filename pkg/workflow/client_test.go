package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nodeflow/pkg/channels/gochannel"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	temporalmocks "go.temporal.io/sdk/mocks"
)

type fixedIDs struct {
	id uint64
}

func (g *fixedIDs) NextID() (uint64, error) {
	return g.id, nil
}

func newClient(t *testing.T, timeout time.Duration) (*workflow.Client, *temporalmocks.Client, eventbus.Bus) {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	temporal := &temporalmocks.Client{}

	c := workflow.NewClient(temporal, bus, workflow.ClientConfig{
		ReturnTimeout: timeout,
		IDs:           &fixedIDs{id: 42},
	}, slog.Default())

	return c, temporal, bus
}

func publish(t *testing.T, bus eventbus.Bus, msg models.ReturnControl) {
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), models.ReturnControlChannel(msg.WorkflowID), payload))
}

func stateValue(status models.WorkflowStatus) *temporalmocks.Value {
	value := &temporalmocks.Value{}
	value.On("Get", mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(0).(*models.WorkflowState) = models.WorkflowState{WorkflowID: "inst-9", Status: status}
	}).Return(nil)

	return value
}

func TestClient_StartWaitsForReturnControl(t *testing.T) {
	c, temporal, bus := newClient(t, time.Second)

	temporal.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID != "" && opts.TaskQueue == workflow.DefaultTaskQueue
		}),
		workflow.WorkflowName,
		mock.MatchedBy(func(req workflow.StartRequest) bool {
			return req.IncidentID == "42" && req.WorkflowID == "orders"
		}),
	).Run(func(args mock.Arguments) {
		opts := args.Get(1).(client.StartWorkflowOptions)
		publish(t, bus, models.ReturnControl{WorkflowID: opts.ID, Status: models.StatusWaiting, View: &models.View{LayoutID: "L1"}})
	}).Return(&temporalmocks.WorkflowRun{}, nil)

	msg, err := c.Start(context.Background(), workflow.StartRequest{Tenant: "acme", WorkflowID: "orders"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.WorkflowID)
	assert.Equal(t, models.StatusWaiting, msg.Status)
	assert.Equal(t, "L1", msg.View.LayoutID)
	temporal.AssertExpectations(t)
}

func TestClient_StartTimesOut(t *testing.T) {
	c, temporal, _ := newClient(t, 50*time.Millisecond)

	temporal.On("ExecuteWorkflow", mock.Anything, mock.Anything, workflow.WorkflowName, mock.Anything).
		Return(&temporalmocks.WorkflowRun{}, nil)

	_, err := c.Start(context.Background(), workflow.StartRequest{Tenant: "acme", WorkflowID: "orders", IncidentID: "given"})
	require.Error(t, err)

	var timeout *models.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 50*time.Millisecond, timeout.Duration)
}

func TestClient_StartFailure(t *testing.T) {
	c, temporal, _ := newClient(t, time.Second)

	temporal.On("ExecuteWorkflow", mock.Anything, mock.Anything, workflow.WorkflowName, mock.Anything).
		Return(nil, errors.New("frontend unavailable"))

	_, err := c.Start(context.Background(), workflow.StartRequest{Tenant: "acme", WorkflowID: "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontend unavailable")
}

func TestClient_Resume(t *testing.T) {
	c, temporal, bus := newClient(t, time.Second)
	req := workflow.ResumeRequest{ViewResponse: map[string]any{"selectedOptions": []any{"ok"}}}

	temporal.On("QueryWorkflow", mock.Anything, "inst-9", "", workflow.QueryState).Return(stateValue(models.StatusWaiting), nil)
	temporal.On("SignalWorkflow", mock.Anything, "inst-9", "", workflow.SignalResume, req).
		Run(func(mock.Arguments) {
			publish(t, bus, models.ReturnControl{WorkflowID: "inst-9", Status: models.StatusCompleted, Disposition: "done"})
		}).Return(nil)

	msg, err := c.Resume(context.Background(), "inst-9", req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, msg.Status)
	assert.Equal(t, "done", msg.Disposition)
}

func TestClient_ResumeRequiresSuspendedInstance(t *testing.T) {
	c, temporal, _ := newClient(t, time.Second)

	temporal.On("QueryWorkflow", mock.Anything, "inst-9", "", workflow.QueryState).Return(stateValue(models.StatusCompleted), nil)

	_, err := c.Resume(context.Background(), "inst-9", workflow.ResumeRequest{})
	require.Error(t, err)
	assert.True(t, workflow.IsNotSuspended(err))
	temporal.AssertNotCalled(t, "SignalWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestClient_ResumeScheduled(t *testing.T) {
	c, temporal, _ := newClient(t, time.Second)

	temporal.On("SignalWorkflow", mock.Anything, "inst-9", "", workflow.SignalResume,
		workflow.ResumeRequest{NodeKey: "pause", Scheduled: true}).Return(nil)

	require.NoError(t, c.ResumeScheduled(context.Background(), "inst-9", "pause"))
	temporal.AssertExpectations(t)
}

func TestClient_Terminate(t *testing.T) {
	t.Run("waits for the terminated return control", func(t *testing.T) {
		c, temporal, bus := newClient(t, time.Second)

		temporal.On("QueryWorkflow", mock.Anything, "inst-9", "", workflow.QueryState).Return(stateValue(models.StatusWaiting), nil)
		temporal.On("SignalWorkflow", mock.Anything, "inst-9", "", workflow.SignalTerminate, nil).
			Run(func(mock.Arguments) {
				publish(t, bus, models.ReturnControl{WorkflowID: "inst-9", Status: models.StatusTerminated})
			}).Return(nil)

		msg, err := c.Terminate(context.Background(), "inst-9")
		require.NoError(t, err)
		assert.Equal(t, models.StatusTerminated, msg.Status)
	})

	t.Run("finished instance is reported as is", func(t *testing.T) {
		c, temporal, _ := newClient(t, time.Second)

		temporal.On("QueryWorkflow", mock.Anything, "inst-9", "", workflow.QueryState).Return(stateValue(models.StatusCompleted), nil)

		msg, err := c.Terminate(context.Background(), "inst-9")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, msg.Status)
		temporal.AssertNotCalled(t, "SignalWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestClient_State(t *testing.T) {
	c, temporal, _ := newClient(t, time.Second)

	temporal.On("QueryWorkflow", mock.Anything, "inst-9", "", workflow.QueryState).Return(stateValue(models.StatusWaiting), nil)

	state, err := c.State(context.Background(), "inst-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, state.Status)
	assert.Equal(t, "inst-9", state.WorkflowID)
}

func TestClient_ExecuteDisconnectedNode(t *testing.T) {
	c, temporal, _ := newClient(t, time.Second)

	handle := &temporalmocks.WorkflowUpdateHandle{}
	handle.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		*args.Get(1).(*models.DisconnectedNodeResult) = models.DisconnectedNodeResult{
			Node:    "lookup",
			Status:  models.StatusRunning,
			Payload: "looked up",
		}
	}).Return(nil)

	temporal.On("UpdateWorkflow", mock.Anything, mock.MatchedBy(func(opts client.UpdateWorkflowOptions) bool {
		return opts.WorkflowID == "inst-9" &&
			opts.UpdateName == workflow.UpdateDisconnected &&
			opts.WaitForStage == client.WorkflowUpdateStageCompleted
	})).Return(handle, nil)

	result, err := c.ExecuteDisconnectedNode(context.Background(), "inst-9", workflow.DisconnectedNodeRequest{NodeName: "lookup"})
	require.NoError(t, err)
	assert.Equal(t, "looked up", result.Payload)
}
