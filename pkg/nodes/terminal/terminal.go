// Package terminal holds the node types that end a traversal without any
// external call.
package terminal

import (
	"context"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
)

type Success struct{}

func NewSuccess() *Success { return &Success{} }

func (s *Success) Type() models.NodeType { return models.NodeTypeSuccess }

func (s *Success) Execute(_ context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.SuccessNode](in)
	if err != nil {
		return nil, err
	}

	comment := stringOr(def.Comment)

	// The comment is the node's output.
	return &models.NodeResponse{
		Status:      models.StatusCompleted,
		RawResponse: comment,
		Disposition: comment,
	}, nil
}

type Failure struct{}

func NewFailure() *Failure { return &Failure{} }

func (f *Failure) Type() models.NodeType { return models.NodeTypeFailure }

func (f *Failure) Execute(_ context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.FailureNode](in)
	if err != nil {
		return nil, err
	}

	message := stringOr(def.Error)
	if message == "" {
		message = "workflow failed at " + in.Node.InstanceName
	}

	return &models.NodeResponse{
		Status:      models.StatusFailed,
		RawResponse: map[string]any{"error": message},
		Disposition: message,
	}, nil
}

// Delegate hands the instance over to an external owner.
type Delegate struct{}

func NewDelegate() *Delegate { return &Delegate{} }

func (d *Delegate) Type() models.NodeType { return models.NodeTypeDelegate }

func (d *Delegate) Execute(_ context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	_, err := nodes.Definition[*models.DelegateNode](in)
	if err != nil {
		return nil, err
	}

	return &models.NodeResponse{
		Status:      models.StatusDelegated,
		RawResponse: map[string]any{"delegatedBy": in.Node.InstanceName},
	}, nil
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
