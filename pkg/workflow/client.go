package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.temporal.io/sdk/client"
)

const (
	DefaultTaskQueue     = "nodeflow"
	DefaultReturnTimeout = 30 * time.Second
)

type ClientConfig struct {
	TaskQueue string
	// ReturnTimeout bounds how long Start and Resume wait for the instance
	// to hand control back.
	ReturnTimeout time.Duration
	// IDs generates incident ids for instances started without one.
	IDs generator.Generator
}

// Client starts and steers node workflow instances. Calls that hand control
// to an instance block until it publishes a return-control message.
type Client struct {
	temporal  client.Client
	bus       eventbus.Bus
	ids       generator.Generator
	taskQueue string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClient(temporal client.Client, bus eventbus.Bus, config ClientConfig, logger *slog.Logger) *Client {
	if config.TaskQueue == "" {
		config.TaskQueue = DefaultTaskQueue
	}

	if config.ReturnTimeout <= 0 {
		config.ReturnTimeout = DefaultReturnTimeout
	}

	if config.IDs == nil {
		config.IDs = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}

	return &Client{
		temporal:  temporal,
		bus:       bus,
		ids:       config.IDs,
		taskQueue: config.TaskQueue,
		timeout:   config.ReturnTimeout,
		logger:    logger.With("module", "workflow_client"),
	}
}

// Start launches a new instance and waits until it first returns control.
// The instance id is the WorkflowID of the returned message.
func (c *Client) Start(ctx context.Context, req StartRequest) (*models.ReturnControl, error) {
	instanceID := uuid.NewString()

	if req.IncidentID == "" {
		id, err := c.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate incident id: %w", err)
		}

		req.IncidentID = strconv.FormatUint(id, 10)
	}

	logger := c.logger.With("instance_id", instanceID, "incident_id", req.IncidentID, "tenant", req.Tenant)

	sub, err := c.bus.Subscribe(ctx, models.ReturnControlChannel(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to return control: %w", err)
	}
	defer sub.Close()

	_, err = c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        instanceID,
		TaskQueue: c.taskQueue,
	}, WorkflowName, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start instance: %w", err)
	}

	logger.InfoContext(ctx, "started instance", "workflow", req.WorkflowID, "issue_id", req.IssueID)

	return c.await(ctx, instanceID, sub)
}

// Resume answers a suspended instance and waits for its next return control.
func (c *Client) Resume(ctx context.Context, instanceID string, req ResumeRequest) (*models.ReturnControl, error) {
	state, err := c.State(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if !state.Status.Suspended() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, instanceID, state.Status)
	}

	sub, err := c.bus.Subscribe(ctx, models.ReturnControlChannel(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to return control: %w", err)
	}
	defer sub.Close()

	err = c.temporal.SignalWorkflow(ctx, instanceID, "", SignalResume, req)
	if err != nil {
		return nil, fmt.Errorf("failed to resume %s: %w", instanceID, err)
	}

	c.logger.InfoContext(ctx, "resumed instance", "instance_id", instanceID, "node_key", req.NodeKey)

	return c.await(ctx, instanceID, sub)
}

// ResumeScheduled is called by the wait scheduler when a timer fires.
func (c *Client) ResumeScheduled(ctx context.Context, instanceID, node string) error {
	err := c.temporal.SignalWorkflow(ctx, instanceID, "", SignalResume, ResumeRequest{NodeKey: node, Scheduled: true})
	if err != nil {
		return fmt.Errorf("failed to resume %s at %s: %w", instanceID, node, err)
	}

	return nil
}

// Terminate stops an instance and waits for it to report TERMINATED. An
// instance that already finished is returned as it is.
func (c *Client) Terminate(ctx context.Context, instanceID string) (*models.ReturnControl, error) {
	state, err := c.State(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if state.Status.Terminal() {
		return &models.ReturnControl{
			WorkflowID:   instanceID,
			Status:       state.Status,
			Disposition:  state.Disposition,
			ErrorMessage: state.ErrorMessage,
		}, nil
	}

	sub, err := c.bus.Subscribe(ctx, models.ReturnControlChannel(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to return control: %w", err)
	}
	defer sub.Close()

	err = c.temporal.SignalWorkflow(ctx, instanceID, "", SignalTerminate, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to terminate %s: %w", instanceID, err)
	}

	c.logger.InfoContext(ctx, "terminating instance", "instance_id", instanceID)

	return c.await(ctx, instanceID, sub)
}

func (c *Client) State(ctx context.Context, instanceID string) (*models.WorkflowState, error) {
	value, err := c.temporal.QueryWorkflow(ctx, instanceID, "", QueryState)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", instanceID, err)
	}

	state := &models.WorkflowState{}

	err = value.Get(state)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", instanceID, err)
	}

	return state, nil
}

// ExecuteDisconnectedNode runs a node by name against the instance's context
// without moving its traversal.
func (c *Client) ExecuteDisconnectedNode(ctx context.Context, instanceID string, req DisconnectedNodeRequest) (*models.DisconnectedNodeResult, error) {
	handle, err := c.temporal.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   instanceID,
		UpdateName:   UpdateDisconnected,
		Args:         []interface{}{req},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s on %s: %w", req.NodeName, instanceID, err)
	}

	result := &models.DisconnectedNodeResult{}

	err = handle.Get(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s on %s: %w", req.NodeName, instanceID, err)
	}

	return result, nil
}

func (c *Client) await(ctx context.Context, instanceID string, sub eventbus.Subscription) (*models.ReturnControl, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-sub.Messages():
		if !ok {
			err := sub.Err()
			if err == nil {
				err = eventbus.ErrBusClosed
			}

			return nil, fmt.Errorf("return control for %s: %w", instanceID, err)
		}

		msg := &models.ReturnControl{}

		err := json.Unmarshal(payload, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode return control for %s: %w", instanceID, err)
		}

		return msg, nil

	case <-timer.C:
		return nil, &models.TimeoutError{Channel: models.ReturnControlChannel(instanceID), Duration: c.timeout}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsNotSuspended reports a resume sent to an instance that is not waiting.
func IsNotSuspended(err error) bool {
	return errors.Is(err, ErrNotSuspended)
}
