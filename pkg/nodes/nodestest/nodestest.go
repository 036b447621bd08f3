// Package nodestest holds helpers shared by node executor tests.
package nodestest

import (
	"log/slog"
	"testing"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
	"github.com/dukex/nodeflow/pkg/script"
	"github.com/stretchr/testify/require"
)

// NewResolver builds a resolver backed by the expr engine and small caches.
func NewResolver(t *testing.T) *script.Resolver {
	t.Helper()

	sources, err := script.NewSourceCache(64, slog.Default())
	require.NoError(t, err)

	programs, err := script.NewProgramCache(64, slog.Default())
	require.NoError(t, err)

	return script.NewResolver(script.NewExprEngine(programs), sources, programs, slog.Default())
}

// Input places def at graph position name with the given context.
func Input(name string, def models.NodeDefinition, doc models.Context) *nodes.Input {
	if doc == nil {
		doc = models.Context{}
	}

	return &nodes.Input{
		WorkflowID: "wf-test",
		Tenant:     "acme",
		Node: &models.WorkflowNode{
			InstanceName:    name,
			ResourceID:      def.Meta().ID,
			ResourceVersion: "1",
			Type:            def.Meta().Type,
			NextNode:        "next",
			Definition:      def,
		},
		Context: doc,
	}
}

func Meta(t models.NodeType) models.NodeMeta {
	return models.NodeMeta{ID: "def-" + string(t), Name: string(t), Type: t, Version: "1"}
}
