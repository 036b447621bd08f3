package wait_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/mocks"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes/nodestest"
	"github.com/dukex/nodeflow/pkg/nodes/wait"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waitNode(config *models.WaitConfig) *models.WaitNode {
	return &models.WaitNode{NodeMeta: nodestest.Meta(models.NodeTypeWait), Config: config}
}

func TestExecutor_Scheduler(t *testing.T) {
	tests := []struct {
		name       string
		async      bool
		wantStatus models.WorkflowStatus
	}{
		{name: "synchronous wait", async: false, wantStatus: models.StatusWaiting},
		{name: "asynchronous wait", async: true, wantStatus: models.StatusSchedulerWaiting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &mocks.MockScheduler{}
			executor := wait.New(sched).WithClock(func() time.Time { return now })

			sched.On("Schedule", mock.Anything, scheduler.Job{
				WorkflowID: "wf-test",
				Node:       "W",
				FireAt:     now.Add(90 * time.Second),
			}).Return(nil)

			in := nodestest.Input("W", waitNode(&models.WaitConfig{
				Type:     models.WaitScheduler,
				Duration: "1m30s",
				Async:    tt.async,
			}), nil)

			out, err := executor.Execute(context.Background(), in)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, "next", out.NextNode)
			assert.Equal(t, map[string]any{"fireAt": "2026-03-01T12:01:30Z"}, out.RawResponse)
			sched.AssertExpectations(t)
		})
	}
}

func TestExecutor_Unsupported(t *testing.T) {
	at := now.Add(time.Hour)

	for _, config := range []*models.WaitConfig{
		{Type: models.WaitAbsolute, At: &at},
		{Type: models.WaitOnEvent, Event: "payment.settled"},
	} {
		t.Run(string(config.Type), func(t *testing.T) {
			executor := wait.New(&mocks.MockScheduler{})

			_, err := executor.Execute(context.Background(), nodestest.Input("W", waitNode(config), nil))
			require.Error(t, err)
			assert.True(t, models.IsNodeExecutionError(err))
			assert.ErrorIs(t, err, models.ErrUnsupportedWait)
		})
	}
}

func TestExecutor_InvalidDuration(t *testing.T) {
	executor := wait.New(&mocks.MockScheduler{})

	for _, duration := range []string{"soon", "-5s", ""} {
		in := nodestest.Input("W", waitNode(&models.WaitConfig{Type: models.WaitScheduler, Duration: duration}), nil)

		_, err := executor.Execute(context.Background(), in)
		require.Error(t, err, duration)
		assert.True(t, models.IsNodeExecutionError(err), duration)
	}
}

func TestExecutor_SchedulerFailureIsRetryable(t *testing.T) {
	sched := &mocks.MockScheduler{}
	executor := wait.New(sched)

	sched.On("Schedule", mock.Anything, mock.Anything).Return(errors.New("scheduler down"))

	in := nodestest.Input("W", waitNode(&models.WaitConfig{Type: models.WaitScheduler, Duration: "1s"}), nil)

	_, err := executor.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Empty(t, models.ErrorType(err))
}
