// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func meta(id string, t models.NodeType) models.NodeMeta {
	return models.NodeMeta{ID: id, Name: id, Type: t, Version: "1"}
}

// CreateTestNode places def in a graph under name with values that can be overridden.
func CreateTestNode(name string, def models.NodeDefinition, overrides ...func(*models.WorkflowNode)) *models.WorkflowNode {
	node := &models.WorkflowNode{
		InstanceName:    name,
		ResourceID:      def.Meta().ID,
		ResourceVersion: "1",
		Type:            def.Meta().Type,
		Definition:      def,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithNext sets the node's successor.
func WithNext(name string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.NextNode = name
	}
}

// WithParameters sets the instance parameters.
func WithParameters(params map[string]string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Parameters = params
	}
}

// WithContextKey makes the node write under key instead of its name.
func WithContextKey(key string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.ContextOverrideKey = key
	}
}

// CreateTestWorkflow builds a graph starting at start.
func CreateTestWorkflow(id, start string, nodes ...*models.WorkflowNode) *models.Workflow {
	wf := &models.Workflow{
		ID:        id,
		Version:   "1",
		StartNode: start,
		States:    make(map[string]*models.WorkflowNode, len(nodes)),
	}

	for _, node := range nodes {
		wf.States[node.InstanceName] = node
	}

	return wf
}

func SuccessNode(id, comment string) *models.SuccessNode {
	return &models.SuccessNode{NodeMeta: meta(id, models.NodeTypeSuccess), Comment: ptr(comment)}
}

func FailureNode(id, message string) *models.FailureNode {
	return &models.FailureNode{NodeMeta: meta(id, models.NodeTypeFailure), Error: ptr(message)}
}

func DelegateNode(id string) *models.DelegateNode {
	return &models.DelegateNode{NodeMeta: meta(id, models.NodeTypeDelegate)}
}

func TransformNode(id, script string) *models.TransformNode {
	return &models.TransformNode{
		NodeMeta:    meta(id, models.NodeTypeTransform),
		Transformer: &models.TransformerComponents{Output: models.Scripted[any](script)},
	}
}

func HTTPNode(id, url string) *models.HTTPNode {
	return &models.HTTPNode{
		NodeMeta: meta(id, models.NodeTypeHTTP),
		Request:  &models.HTTPComponents{URL: models.Static(url), Method: "GET"},
	}
}

// InstructionNode offers options as a static list.
func InstructionNode(id, layout string, options ...any) *models.InstructionNode {
	list, err := models.JSONValue(options)
	if err != nil {
		panic(err)
	}

	return &models.InstructionNode{
		NodeMeta:     meta(id, models.NodeTypeInstruction),
		InputOptions: &models.AttributeComponents{Value: models.Static(list)},
		LayoutID:     &models.AttributeComponents{Value: models.Static(models.StringValue(layout))},
	}
}

func ProcessorNode(id, instruction string) *models.ProcessorNode {
	return &models.ProcessorNode{NodeMeta: meta(id, models.NodeTypeProcessor), InstructionNodeRef: ptr(instruction)}
}

func WaitNode(id, duration string, async bool) *models.WaitNode {
	return &models.WaitNode{
		NodeMeta: meta(id, models.NodeTypeWait),
		Config:   &models.WaitConfig{Type: models.WaitScheduler, Duration: duration, Async: async},
	}
}

func ChildInvokeNode(id, child string, mode models.SpawnMode) *models.ChildInvokeNode {
	return &models.ChildInvokeNode{
		NodeMeta:        meta(id, models.NodeTypeChildInvoke),
		ChildWorkflowID: ptr(child),
		SpawnMode:       ptr(mode),
	}
}

// Definitions serves joined graphs, issue mappings and enum tables from
// memory. Workflows are keyed by id; the requested version is ignored.
type Definitions struct {
	Workflows map[string]*models.Workflow
	Issues    map[string]*models.IssueMapping
	Enums     map[string]any
}

func NewDefinitions(workflows ...*models.Workflow) *Definitions {
	d := &Definitions{
		Workflows: map[string]*models.Workflow{},
		Issues:    map[string]*models.IssueMapping{},
		Enums:     map[string]any{},
	}

	for _, wf := range workflows {
		d.Workflows[wf.ID] = wf
	}

	return d
}

func (d *Definitions) Workflow(_ context.Context, _, id, version string) (*models.Workflow, error) {
	wf, ok := d.Workflows[id]
	if !ok {
		return nil, &models.DefinitionError{
			WorkflowID: id,
			Err:        fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, models.RowKey(id, version)),
		}
	}

	return wf.Clone(), nil
}

func (d *Definitions) IssueMapping(_ context.Context, _, issueID string) (*models.IssueMapping, error) {
	mapping, ok := d.Issues[issueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrIssueNotMapped, issueID)
	}

	return mapping, nil
}

func (d *Definitions) EnumTables(_ context.Context, _ string, ids []string) map[string]any {
	out := map[string]any{}

	for _, id := range ids {
		if entries, ok := d.Enums[id]; ok {
			out[id] = entries
		}
	}

	return out
}
