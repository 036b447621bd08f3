package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType is the closed set of node kinds a workflow graph may contain.
type NodeType string

const (
	NodeTypeHTTP            NodeType = "HTTP"
	NodeTypeTransform       NodeType = "TRANSFORM"
	NodeTypeBranch          NodeType = "BRANCH"
	NodeTypeInstruction     NodeType = "INSTRUCTION"
	NodeTypeProcessor       NodeType = "PROCESSOR"
	NodeTypeSuccess         NodeType = "SUCCESS"
	NodeTypeFailure         NodeType = "FAILURE"
	NodeTypeContextOverride NodeType = "CONTEXT_OVERRIDE"
	NodeTypeDelegate        NodeType = "DELEGATE"
	NodeTypeChildInvoke     NodeType = "CHILD_INVOKE"
	NodeTypeWait            NodeType = "WAIT"
)

// NodeTypes lists every known node type.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeTypeHTTP, NodeTypeTransform, NodeTypeBranch, NodeTypeInstruction, NodeTypeProcessor,
		NodeTypeSuccess, NodeTypeFailure, NodeTypeContextOverride, NodeTypeDelegate,
		NodeTypeChildInvoke, NodeTypeWait,
	}
}

// Parameter declares a named input a node instance may receive.
type Parameter struct {
	Name        string `json:"name"                  validate:"required"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// NodeMeta is the part every node definition shares.
type NodeMeta struct {
	ID         string      `json:"id"                   validate:"required"`
	Name       string      `json:"name"                 validate:"required"`
	Type       NodeType    `json:"type"                 validate:"required"`
	Version    string      `json:"version,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty" validate:"dive"`
	EnumRefs   []string    `json:"enumRefs,omitempty"`
}

func (m *NodeMeta) Meta() *NodeMeta { return m }

func (m *NodeMeta) merge(in *NodeMeta) {
	if in.Name != "" {
		m.Name = in.Name
	}

	if in.Parameters != nil {
		m.Parameters = in.Parameters
	}

	if in.EnumRefs != nil {
		m.EnumRefs = in.EnumRefs
	}
}

// NodeDefinition is a stored, versioned node resource. The set of
// implementations is closed to this package.
type NodeDefinition interface {
	Meta() *NodeMeta
	// Merge overwrites this definition with every non-nil field of incoming.
	Merge(incoming NodeDefinition) error
	isNodeDefinition()
}

func mergeTarget[T NodeDefinition](current NodeDefinition, incoming NodeDefinition) (T, error) {
	in, ok := incoming.(T)
	if !ok {
		var zero T

		return zero, fmt.Errorf("%w: cannot merge %s into %s",
			ErrNodeTypeMismatch, incoming.Meta().Type, current.Meta().Type)
	}

	current.Meta().merge(in.Meta())

	return in, nil
}

type HTTPNode struct {
	NodeMeta
	Request     *HTTPComponents        `json:"request,omitempty"     validate:"required"`
	Transformer *TransformerComponents `json:"transformer,omitempty"`
}

func (n *HTTPNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*HTTPNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Request != nil {
		n.Request = in.Request
	}

	if in.Transformer != nil {
		n.Transformer = in.Transformer
	}

	return nil
}

// TransformNode evaluates a scripted transformer against the context.
type TransformNode struct {
	NodeMeta
	Transformer *TransformerComponents `json:"transformer,omitempty" validate:"required"`
}

func (n *TransformNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*TransformNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Transformer != nil {
		n.Transformer = in.Transformer
	}

	return nil
}

// Choice is one guarded edge of a branch node; NextNode names a graph state.
type Choice struct {
	Name     string            `json:"name"     validate:"required"`
	Rule     *BranchComponents `json:"rule"     validate:"required"`
	NextNode string            `json:"nextNode" validate:"required"`
}

type BranchNode struct {
	NodeMeta
	Choices     []Choice `json:"choices,omitempty"     validate:"dive"`
	DefaultNode *string  `json:"defaultNode,omitempty"`
}

func (n *BranchNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*BranchNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Choices != nil {
		n.Choices = in.Choices
	}

	if in.DefaultNode != nil {
		n.DefaultNode = in.DefaultNode
	}

	return nil
}

// InstructionNode suspends the workflow and hands a view to a human.
type InstructionNode struct {
	NodeMeta
	InputOptions   *AttributeComponents `json:"inputOptions,omitempty"`
	Disposition    *AttributeComponents `json:"disposition,omitempty"`
	WorkflowStatus *AttributeComponents `json:"workflowStatus,omitempty"`
	LayoutID       *AttributeComponents `json:"layoutId,omitempty"`
}

func (n *InstructionNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*InstructionNode](n, incoming)
	if err != nil {
		return err
	}

	if in.InputOptions != nil {
		n.InputOptions = in.InputOptions
	}

	if in.Disposition != nil {
		n.Disposition = in.Disposition
	}

	if in.WorkflowStatus != nil {
		n.WorkflowStatus = in.WorkflowStatus
	}

	if in.LayoutID != nil {
		n.LayoutID = in.LayoutID
	}

	return nil
}

// ProcessorNode validates the response given to an earlier instruction.
type ProcessorNode struct {
	NodeMeta
	InstructionNodeRef *string `json:"instructionNodeRef,omitempty" validate:"required"`
}

func (n *ProcessorNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*ProcessorNode](n, incoming)
	if err != nil {
		return err
	}

	if in.InstructionNodeRef != nil {
		n.InstructionNodeRef = in.InstructionNodeRef
	}

	return nil
}

type SuccessNode struct {
	NodeMeta
	Comment       *string `json:"comment,omitempty"`
	ExecutionMode *string `json:"executionMode,omitempty"`
}

func (n *SuccessNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*SuccessNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Comment != nil {
		n.Comment = in.Comment
	}

	if in.ExecutionMode != nil {
		n.ExecutionMode = in.ExecutionMode
	}

	return nil
}

type FailureNode struct {
	NodeMeta
	Error *string `json:"error,omitempty"`
}

func (n *FailureNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*FailureNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Error != nil {
		n.Error = in.Error
	}

	return nil
}

// ContextOverrideNode rewrites top-level context entries with its transformer output.
type ContextOverrideNode struct {
	NodeMeta
	Transformer *TransformerComponents `json:"transformer,omitempty" validate:"required"`
}

func (n *ContextOverrideNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*ContextOverrideNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Transformer != nil {
		n.Transformer = in.Transformer
	}

	return nil
}

// DelegateNode hands the instance to an external owner.
type DelegateNode struct {
	NodeMeta
}

func (n *DelegateNode) Merge(incoming NodeDefinition) error {
	_, err := mergeTarget[*DelegateNode](n, incoming)

	return err
}

type SpawnMode string

const (
	SpawnSync  SpawnMode = "SYNC"
	SpawnAsync SpawnMode = "ASYNC"
)

type ChildInvokeNode struct {
	NodeMeta
	ChildWorkflowID      *string    `json:"childWorkflowId,omitempty"      validate:"required"`
	ChildWorkflowVersion *string    `json:"childWorkflowVersion,omitempty"`
	SpawnMode            *SpawnMode `json:"spawnMode,omitempty"`
}

func (n *ChildInvokeNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*ChildInvokeNode](n, incoming)
	if err != nil {
		return err
	}

	if in.ChildWorkflowID != nil {
		n.ChildWorkflowID = in.ChildWorkflowID
	}

	if in.ChildWorkflowVersion != nil {
		n.ChildWorkflowVersion = in.ChildWorkflowVersion
	}

	if in.SpawnMode != nil {
		n.SpawnMode = in.SpawnMode
	}

	return nil
}

type WaitType string

const (
	WaitScheduler WaitType = "SCHEDULER"
	WaitAbsolute  WaitType = "ABSOLUTE"
	WaitOnEvent   WaitType = "ON_EVENT"
)

// WaitConfig selects a wait strategy. Duration applies to SCHEDULER, At to
// ABSOLUTE and Event to ON_EVENT. Async releases the caller while waiting.
type WaitConfig struct {
	Type     WaitType   `json:"type"               validate:"required,oneof=SCHEDULER ABSOLUTE ON_EVENT"`
	Duration string     `json:"duration,omitempty"`
	At       *time.Time `json:"at,omitempty"`
	Event    string     `json:"event,omitempty"`
	Async    bool       `json:"async,omitempty"`
}

type WaitNode struct {
	NodeMeta
	Config *WaitConfig `json:"config,omitempty" validate:"required"`
}

func (n *WaitNode) Merge(incoming NodeDefinition) error {
	in, err := mergeTarget[*WaitNode](n, incoming)
	if err != nil {
		return err
	}

	if in.Config != nil {
		n.Config = in.Config
	}

	return nil
}

func (*HTTPNode) isNodeDefinition()            {}
func (*TransformNode) isNodeDefinition()       {}
func (*BranchNode) isNodeDefinition()          {}
func (*InstructionNode) isNodeDefinition()     {}
func (*ProcessorNode) isNodeDefinition()       {}
func (*SuccessNode) isNodeDefinition()         {}
func (*FailureNode) isNodeDefinition()         {}
func (*ContextOverrideNode) isNodeDefinition() {}
func (*DelegateNode) isNodeDefinition()        {}
func (*ChildInvokeNode) isNodeDefinition()     {}
func (*WaitNode) isNodeDefinition()            {}

// NewNodeDefinition allocates the empty concrete definition for a type.
func NewNodeDefinition(t NodeType) (NodeDefinition, error) {
	var def NodeDefinition

	switch t {
	case NodeTypeHTTP:
		def = &HTTPNode{}
	case NodeTypeTransform:
		def = &TransformNode{}
	case NodeTypeBranch:
		def = &BranchNode{}
	case NodeTypeInstruction:
		def = &InstructionNode{}
	case NodeTypeProcessor:
		def = &ProcessorNode{}
	case NodeTypeSuccess:
		def = &SuccessNode{}
	case NodeTypeFailure:
		def = &FailureNode{}
	case NodeTypeContextOverride:
		def = &ContextOverrideNode{}
	case NodeTypeDelegate:
		def = &DelegateNode{}
	case NodeTypeChildInvoke:
		def = &ChildInvokeNode{}
	case NodeTypeWait:
		def = &WaitNode{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}

	def.Meta().Type = t

	return def, nil
}

// UnmarshalNodeDefinition decodes a definition, dispatching on its "type" tag.
func UnmarshalNodeDefinition(data []byte) (NodeDefinition, error) {
	var peek struct {
		Type NodeType `json:"type"`
	}

	err := json.Unmarshal(data, &peek)
	if err != nil {
		return nil, fmt.Errorf("failed to decode node definition: %w", err)
	}

	def, err := NewNodeDefinition(peek.Type)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(data, def)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s node definition: %w", peek.Type, err)
	}

	return def, nil
}

// CloneNodeDefinition deep-copies a definition through its JSON form.
func CloneNodeDefinition(def NodeDefinition) (NodeDefinition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	return UnmarshalNodeDefinition(data)
}
