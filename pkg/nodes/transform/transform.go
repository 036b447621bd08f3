// Package transform runs scripted transforms over the context: TRANSFORM
// stores the transformer output under the node key, CONTEXT_OVERRIDE
// rewrites top-level context entries with it.
package transform

import (
	"context"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/script"
)

type Transform struct {
	resolver *script.Resolver
}

func NewTransform(resolver *script.Resolver) *Transform {
	return &Transform{resolver: resolver}
}

func (t *Transform) Type() models.NodeType { return models.NodeTypeTransform }

func (t *Transform) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.TransformNode](in)
	if err != nil {
		return nil, err
	}

	out, err := t.resolver.ResolveTransformer(ctx, def.Transformer, in.Version(), in.Binding(nil))
	if err != nil {
		return nil, err
	}

	return &models.NodeResponse{
		Status:      models.StatusRunning,
		RawResponse: out.Output,
		NextNode:    in.Node.NextNode,
	}, nil
}

// ContextOverride requires the transformer to yield an object; each of its
// entries replaces the context entry of the same name.
type ContextOverride struct {
	resolver *script.Resolver
}

func NewContextOverride(resolver *script.Resolver) *ContextOverride {
	return &ContextOverride{resolver: resolver}
}

func (c *ContextOverride) Type() models.NodeType { return models.NodeTypeContextOverride }

func (c *ContextOverride) Execute(ctx context.Context, in *nodes.Input) (*models.NodeResponse, error) {
	def, err := nodes.Definition[*models.ContextOverrideNode](in)
	if err != nil {
		return nil, err
	}

	out, err := c.resolver.ResolveTransformer(ctx, def.Transformer, in.Version(), in.Binding(nil))
	if err != nil {
		return nil, err
	}

	entries, ok := out.Output.(map[string]any)
	if !ok {
		return nil, nodes.Fail(in, fmt.Errorf("override output must be an object, got %T", out.Output))
	}

	patch := make(models.Context, len(entries))

	for key, value := range entries {
		if key == "" || models.IsReservedContextKey(key) {
			return nil, nodes.Fail(in, fmt.Errorf("%w: cannot override %q", models.ErrContextKeyCollision, key))
		}

		patch[key] = value
	}

	return &models.NodeResponse{
		Status:       models.StatusRunning,
		RawResponse:  entries,
		NextNode:     in.Node.NextNode,
		ContextPatch: patch,
	}, nil
}
