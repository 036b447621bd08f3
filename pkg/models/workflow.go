package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Workflow is a directed graph of node instances keyed by instance name.
type Workflow struct {
	ID                          string                   `json:"id"                                    validate:"required"`
	Version                     string                   `json:"version,omitempty"`
	StartNode                   string                   `json:"startNode"                             validate:"required"`
	DefaultFailureNode          string                   `json:"defaultFailureNode,omitempty"`
	PostWorkflowCompletionNodes []string                 `json:"postWorkflowCompletionNodes,omitempty"`
	States                      map[string]*WorkflowNode `json:"states"                                validate:"required,min=1,dive"`
}

// WorkflowNode places a versioned node resource into a graph. Definition is
// joined in when the graph is fetched for execution and is never persisted
// with the workflow row.
type WorkflowNode struct {
	InstanceName       string            `json:"instanceName"`
	ResourceID         string            `json:"resourceId"                   validate:"required"`
	ResourceVersion    string            `json:"resourceVersion"              validate:"required"`
	Type               NodeType          `json:"type"                         validate:"required"`
	Parameters         map[string]string `json:"parameters,omitempty"`
	ContextOverrideKey string            `json:"contextOverrideKey,omitempty"`
	NextNode           string            `json:"nextNode,omitempty"`
	End                bool              `json:"end,omitempty"`
	Definition         NodeDefinition    `json:"-"`
}

type workflowNodeAlias WorkflowNode

type workflowNodeWire struct {
	*workflowNodeAlias
	Definition json.RawMessage `json:"nodeDefinition,omitempty"`
}

// MarshalJSON carries the joined definition along so a resolved node survives
// the trip through the execution substrate.
func (n *WorkflowNode) MarshalJSON() ([]byte, error) {
	wire := workflowNodeWire{workflowNodeAlias: (*workflowNodeAlias)(n)}

	if n.Definition != nil {
		def, err := json.Marshal(n.Definition)
		if err != nil {
			return nil, err
		}

		wire.Definition = def
	}

	return json.Marshal(wire)
}

func (n *WorkflowNode) UnmarshalJSON(data []byte) error {
	wire := workflowNodeWire{workflowNodeAlias: (*workflowNodeAlias)(n)}

	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}

	if len(wire.Definition) > 0 && string(wire.Definition) != "null" {
		def, err := UnmarshalNodeDefinition(wire.Definition)
		if err != nil {
			return err
		}

		n.Definition = def
	}

	return nil
}

// ContextKey is the slot this node's output occupies in the context document.
func (n *WorkflowNode) ContextKey() string {
	if n.ContextOverrideKey != "" {
		return n.ContextOverrideKey
	}

	return n.InstanceName
}

// Version returns the definition version used for script cache keys.
func (n *WorkflowNode) Version() string {
	if n.Definition != nil && n.Definition.Meta().Version != "" {
		return n.Definition.Meta().Version
	}

	return n.ResourceVersion
}

// Clone copies the graph so that joined definitions can be attached without
// touching a shared cached instance.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.PostWorkflowCompletionNodes = append([]string(nil), w.PostWorkflowCompletionNodes...)
	out.States = make(map[string]*WorkflowNode, len(w.States))

	for name, node := range w.States {
		copied := *node
		if node.Parameters != nil {
			copied.Parameters = make(map[string]string, len(node.Parameters))
			for k, v := range node.Parameters {
				copied.Parameters[k] = v
			}
		}

		out.States[name] = &copied
	}

	return &out
}

// StripDefinitions removes joined definitions before the graph is stored.
func (w *Workflow) StripDefinitions() {
	for _, node := range w.States {
		node.Definition = nil
	}
}

// Normalize fills each node's instance name from its state key.
func (w *Workflow) Normalize() {
	for name, node := range w.States {
		if node != nil && node.InstanceName == "" {
			node.InstanceName = name
		}
	}
}

// Node looks up a state by instance name.
func (w *Workflow) Node(name string) (*WorkflowNode, error) {
	node, ok := w.States[name]
	if !ok || node == nil {
		return nil, &DefinitionError{WorkflowID: w.ID, Node: name, Err: ErrNodeNotFound}
	}

	return node, nil
}

// Validate checks that every reference in the graph resolves to a state and
// that no two nodes write the same context slot. Branch targets are only
// checked for nodes whose definitions have been joined.
func (w *Workflow) Validate() error {
	var errs []error

	fail := func(node string, err error) {
		errs = append(errs, &DefinitionError{WorkflowID: w.ID, Node: node, Err: err})
	}

	if len(w.States) == 0 {
		fail("", fmt.Errorf("%w: no states", ErrInvalidGraph))

		return errors.Join(errs...)
	}

	if _, ok := w.States[w.StartNode]; !ok {
		fail(w.StartNode, ErrStartNodeNotFound)
	}

	ref := func(from, target, role string) {
		if _, ok := w.States[target]; !ok {
			fail(from, fmt.Errorf("%w: %s %q", ErrNodeNotFound, role, target))
		}
	}

	if w.DefaultFailureNode != "" {
		ref("", w.DefaultFailureNode, "default failure node")
	}

	for _, name := range w.PostWorkflowCompletionNodes {
		ref("", name, "post-completion node")
	}

	for _, name := range w.sortedStates() {
		node := w.States[name]
		if node == nil {
			fail(name, fmt.Errorf("%w: empty state", ErrInvalidGraph))

			continue
		}

		if node.InstanceName != "" && node.InstanceName != name {
			fail(name, fmt.Errorf("%w: instance name %q differs from state key", ErrInvalidGraph, node.InstanceName))
		}

		if node.NextNode != "" {
			ref(name, node.NextNode, "next node")
		}

		if node.Definition != nil && node.Definition.Meta().Type != node.Type {
			fail(name, fmt.Errorf("%w: graph says %s, definition says %s",
				ErrNodeTypeMismatch, node.Type, node.Definition.Meta().Type))
		}

		if branch, ok := node.Definition.(*BranchNode); ok {
			for _, choice := range branch.Choices {
				ref(name, choice.NextNode, "branch target")
			}

			if branch.DefaultNode != nil {
				ref(name, *branch.DefaultNode, "branch default")
			}
		}
	}

	errs = append(errs, w.checkContextKeys()...)

	return errors.Join(errs...)
}

func (w *Workflow) checkContextKeys() []error {
	var errs []error

	owners := map[string][]*WorkflowNode{}

	for _, name := range w.sortedStates() {
		node := w.States[name]
		if node == nil {
			continue
		}

		key := node.ContextKey()
		if node.InstanceName == "" {
			key = name
			if node.ContextOverrideKey != "" {
				key = node.ContextOverrideKey
			}
		}

		if IsReservedContextKey(key) {
			errs = append(errs, &DefinitionError{
				WorkflowID: w.ID, Node: name,
				Err: fmt.Errorf("%w: %q is reserved", ErrContextKeyCollision, key),
			})
		}

		owners[key] = append(owners[key], node)
	}

	keys := make([]string, 0, len(owners))
	for key := range owners {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		nodes := owners[key]
		if len(nodes) < 2 {
			continue
		}

		// Several nodes may share a slot only when all of them opt in through
		// the same override key.
		for _, node := range nodes {
			if node.ContextOverrideKey == "" {
				errs = append(errs, &DefinitionError{
					WorkflowID: w.ID,
					Node:       key,
					Err:        fmt.Errorf("%w: %d nodes write %q", ErrContextKeyCollision, len(nodes), key),
				})

				break
			}
		}
	}

	return errs
}

func (w *Workflow) sortedStates() []string {
	names := make([]string, 0, len(w.States))
	for name := range w.States {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
