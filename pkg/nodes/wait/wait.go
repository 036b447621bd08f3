// Package wait parks a workflow instance until a wait strategy fires.
// Only the scheduler strategy is implemented.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/scheduler"
)

type Executor struct {
	scheduler scheduler.Scheduler
	now       func() time.Time
}

func New(s scheduler.Scheduler) *Executor {
	return &Executor{scheduler: s, now: time.Now}
}

// WithClock replaces the clock used to compute fire times.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now

	return e
}

func (e *Executor) Type() models.NodeType { return models.NodeTypeWait }

func (e *Executor) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.WaitNode](in)
	if err != nil {
		return nil, err
	}

	if def.Config == nil {
		return nil, nodes.Fail(in, fmt.Errorf("wait node has no config"))
	}

	switch def.Config.Type {
	case models.WaitScheduler:
		return e.schedule(ctx, in, def.Config)
	default:
		return nil, nodes.Fail(in, fmt.Errorf("%w: %s", models.ErrUnsupportedWait, def.Config.Type))
	}
}

// schedule registers the resume and reports WAITING, or SCHEDULER_WAITING
// when the caller is released while the instance sleeps.
func (e *Executor) schedule(ctx context.Context, in *nodes.Input, config *models.WaitConfig) (*models.NodeResponse, error) {
	duration, err := time.ParseDuration(config.Duration)
	if err != nil {
		return nil, nodes.Fail(in, fmt.Errorf("invalid wait duration %q: %w", config.Duration, err))
	}

	if duration < 0 {
		return nil, nodes.Fail(in, fmt.Errorf("negative wait duration %s", duration))
	}

	fireAt := e.now().Add(duration).UTC()

	err = e.scheduler.Schedule(ctx, scheduler.Job{
		WorkflowID: in.WorkflowID,
		Node:       in.Node.InstanceName,
		FireAt:     fireAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule wait for %s: %w", in.Node.InstanceName, err)
	}

	status := models.StatusWaiting
	if config.Async {
		status = models.StatusSchedulerWaiting
	}

	return &models.NodeResponse{
		Status:      status,
		RawResponse: map[string]any{"fireAt": fireAt.Format(time.RFC3339Nano)},
		NextNode:    in.Node.NextNode,
	}, nil
}
