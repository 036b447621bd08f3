// Package branch picks the next graph state by evaluating choice rules in
// declared order.
package branch

import (
	"context"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/script"
)

type Executor struct {
	resolver *script.Resolver
	logger   *slog.Logger
}

func New(resolver *script.Resolver, logger *slog.Logger) *Executor {
	return &Executor{resolver: resolver, logger: logger.With("module", "branch_node")}
}

func (e *Executor) Type() models.NodeType { return models.NodeTypeBranch }

// Execute returns the first choice whose rule holds, else the default node.
// The raw response records the chosen edge.
func (e *Executor) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.BranchNode](in)
	if err != nil {
		return nil, err
	}

	binding := in.Binding(nil)

	for _, choice := range def.Choices {
		details, err := e.resolver.ResolveBranch(ctx, choice.Rule, in.Version(), binding)
		if err != nil {
			return nil, err
		}

		if details.Rule {
			e.logger.DebugContext(ctx, "branch matched",
				"workflow_id", in.WorkflowID, "node", in.Node.InstanceName, "choice", choice.Name)

			return &models.NodeResponse{
				Status:      models.StatusRunning,
				RawResponse: map[string]any{"choice": choice.Name, "nextNode": choice.NextNode},
				NextNode:    choice.NextNode,
			}, nil
		}
	}

	if def.DefaultNode != nil && *def.DefaultNode != "" {
		return &models.NodeResponse{
			Status:      models.StatusRunning,
			RawResponse: map[string]any{"choice": "default", "nextNode": *def.DefaultNode},
			NextNode:    *def.DefaultNode,
		}, nil
	}

	return nil, nodes.Fail(in, models.ErrNoBranchMatched)
}
