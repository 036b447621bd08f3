// Package instruction suspends a workflow behind a human-facing view and
// checks the answer given to it on resume.
package instruction

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/script"
)

// SelectedOptionsKey is the resume response field listing the chosen options.
const SelectedOptionsKey = "selectedOptions"

type Instruction struct {
	resolver *script.Resolver
}

func NewInstruction(resolver *script.Resolver) *Instruction {
	return &Instruction{resolver: resolver}
}

func (i *Instruction) Type() models.NodeType { return models.NodeTypeInstruction }

// Execute resolves the view attributes. The instance waits unless the
// workflowStatus attribute names another status.
func (i *Instruction) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.InstructionNode](in)
	if err != nil {
		return nil, err
	}

	output := &models.InstructionOutput{}

	options, err := i.attribute(ctx, in, def.InputOptions)
	if err != nil {
		return nil, err
	}

	output.InputOptions, err = asList(options)
	if err != nil {
		return nil, nodes.Fail(in, err)
	}

	layout, err := i.attribute(ctx, in, def.LayoutID)
	if err != nil {
		return nil, err
	}

	output.LayoutID = asString(layout)

	disposition, err := i.attribute(ctx, in, def.Disposition)
	if err != nil {
		return nil, err
	}

	output.Disposition = asString(disposition)

	status, err := i.attribute(ctx, in, def.WorkflowStatus)
	if err != nil {
		return nil, err
	}

	output.WorkflowStatus = models.StatusWaiting

	if s := asString(status); s != "" {
		output.WorkflowStatus = models.WorkflowStatus(s)
		if !known(output.WorkflowStatus) {
			return nil, nodes.Fail(in, fmt.Errorf("unknown workflow status %q", s))
		}
	}

	return &models.NodeResponse{
		Status:      output.WorkflowStatus,
		RawResponse: output,
		NextNode:    in.Node.NextNode,
		Disposition: output.Disposition,
	}, nil
}

func (i *Instruction) attribute(ctx context.Context, in *nodes.Input, c *models.AttributeComponents) (any, error) {
	if c == nil || c.Value == nil {
		return nil, nil
	}

	details, err := i.resolver.ResolveAttribute(ctx, c, in.Version(), in.Binding(nil))
	if err != nil {
		return nil, err
	}

	return details.Value, nil
}

// Processor validates the answer stored under an earlier instruction: at
// least one option was selected and no more than were offered.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType { return models.NodeTypeProcessor }

func (p *Processor) Execute(_ context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.ProcessorNode](in)
	if err != nil {
		return nil, err
	}

	if def.InstructionNodeRef == nil {
		return nil, nodes.Fail(in, fmt.Errorf("processor has no instruction node reference"))
	}

	ref := *def.InstructionNodeRef

	stored, ok := in.Context[ref]
	if !ok {
		return nil, nodes.Fail(in, fmt.Errorf("no instruction output under %q", ref))
	}

	view, err := models.DecodeInstructionOutput(stored)
	if err != nil {
		return nil, nodes.Fail(in, err)
	}

	selected, err := asList(view.Response[SelectedOptionsKey])
	if err != nil {
		return nil, nodes.Fail(in, err)
	}

	valid := len(selected) > 0 && len(selected) <= len(view.InputOptions)

	return &models.NodeResponse{
		Status: models.StatusRunning,
		RawResponse: map[string]any{
			"valid":         valid,
			"optionCount":   len(view.InputOptions),
			"selectedCount": len(selected),
		},
		NextNode: in.Node.NextNode,
	}, nil
}

func asList(v any) ([]any, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}

		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func known(status models.WorkflowStatus) bool {
	switch status {
	case models.StatusWaiting, models.StatusSchedulerWaiting, models.StatusRunning,
		models.StatusCompleted, models.StatusFailed, models.StatusDelegated:
		return true
	default:
		return false
	}
}
