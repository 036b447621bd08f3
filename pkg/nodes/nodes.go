// Package nodes defines the contract every node type implements and the
// input a node execution receives.
package nodes

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/script"
)

// Executor runs one node type. Implementations read their definition from
// Input.Node.Definition and never write to the context store themselves:
// the raw response they return is stored by the caller.
type Executor interface {
	Type() models.NodeType
	Execute(ctx context.Context, in *Input) (*models.NodeResponse, error)
}

// Input is a node execution request: the graph position with its joined
// definition and the context document as loaded before the execution.
type Input struct {
	WorkflowID string
	Tenant     string
	Node       *models.WorkflowNode
	Context    models.Context
	// Enums holds the enum tables the definition references, by id.
	Enums map[string]any
}

// Binding exposes the context, the enum tables and extra to scripts.
func (in *Input) Binding(extra map[string]any) script.Binding {
	scope := make(map[string]any, len(extra)+1)

	if len(in.Enums) > 0 {
		scope[models.ContextKeyEnumStore] = in.Enums
	}

	for k, v := range extra {
		scope[k] = v
	}

	return script.Binding{Context: in.Context, Extra: scope}
}

// Version keys the script caches for this execution.
func (in *Input) Version() string {
	return in.Node.Version()
}

// Definition returns the joined definition as T.
func Definition[T models.NodeDefinition](in *Input) (T, error) {
	var zero T

	if in.Node == nil || in.Node.Definition == nil {
		return zero, &models.DefinitionError{
			WorkflowID: in.WorkflowID,
			Node:       nodeName(in),
			Err:        fmt.Errorf("%w: definition not joined", models.ErrNodeNotFound),
		}
	}

	def, ok := in.Node.Definition.(T)
	if !ok {
		return zero, &models.DefinitionError{
			WorkflowID: in.WorkflowID,
			Node:       nodeName(in),
			Err:        fmt.Errorf("%w: got %s", models.ErrNodeTypeMismatch, in.Node.Definition.Meta().Type),
		}
	}

	return def, nil
}

// Fail wraps a business failure of the node in a NodeExecutionError.
func Fail(in *Input, err error) error {
	return &models.NodeExecutionError{Node: nodeName(in), Type: in.Node.Type, Err: err}
}

func nodeName(in *Input) string {
	if in.Node == nil {
		return ""
	}

	return in.Node.InstanceName
}
