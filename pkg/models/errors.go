package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNodeNotFound indicates a graph or definition lookup did not resolve.
	ErrNodeNotFound = errors.New("node not found")

	// ErrStartNodeNotFound indicates the graph's start node is missing from its states.
	ErrStartNodeNotFound = errors.New("start node not found")

	// ErrWorkflowNotFound indicates no workflow definition exists for the requested id and version.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrIssueNotMapped indicates an issue id has no workflow mapping.
	ErrIssueNotMapped = errors.New("issue not mapped to a workflow")

	// ErrContextKeyCollision indicates a node output would overwrite a reserved or shared context key.
	ErrContextKeyCollision = errors.New("context key collision")

	// ErrContextNotFound indicates the workflow instance has no context document.
	ErrContextNotFound = errors.New("context not found")

	// ErrUnknownNodeType indicates a definition carries an unrecognized type tag.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrNodeTypeMismatch indicates a merge between definitions of different types.
	ErrNodeTypeMismatch = errors.New("node type mismatch")

	// ErrUnsupportedWait indicates a wait strategy the runtime does not implement.
	ErrUnsupportedWait = errors.New("unsupported wait strategy")

	// ErrNoBranchMatched indicates no branch rule was true and no default exists.
	ErrNoBranchMatched = errors.New("no branch matched")

	// ErrInvalidGraph indicates a structurally broken workflow graph.
	ErrInvalidGraph = errors.New("invalid workflow graph")
)

// DefinitionError reports a problem with stored definitions: unknown ids,
// missing nodes, broken graph references. It never succeeds on retry.
type DefinitionError struct {
	WorkflowID string
	Node       string
	Err        error
}

func (e *DefinitionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("definition error in workflow %s at node %s: %v", e.WorkflowID, e.Node, e.Err)
	}

	return fmt.Sprintf("definition error in workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NodeExecutionError reports a node that ran and failed for business reasons.
type NodeExecutionError struct {
	Node string
	Type NodeType
	Err  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("%s node %s failed: %v", e.Type, e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// ScriptError reports a failure to synthesize, compile, run or convert a
// component script.
type ScriptError struct {
	Stage         string // synthesize, compile, run, convert
	ComponentType string
	Err           error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s failed for %s component: %v", e.Stage, e.ComponentType, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a bounded wait that expired.
type TimeoutError struct {
	Channel  string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting on %s", e.Duration, e.Channel)
}

func IsDefinitionError(err error) bool {
	var target *DefinitionError

	return errors.As(err, &target)
}

func IsNodeExecutionError(err error) bool {
	var target *NodeExecutionError

	return errors.As(err, &target)
}

func IsScriptError(err error) bool {
	var target *ScriptError

	return errors.As(err, &target)
}

func IsTimeoutError(err error) bool {
	var target *TimeoutError

	return errors.As(err, &target)
}

// ErrorType names the error class for transport across the execution
// substrate; an empty result means the error is an infrastructure failure.
func ErrorType(err error) string {
	switch {
	case IsScriptError(err):
		return "ScriptError"
	case IsDefinitionError(err):
		return "DefinitionError"
	case IsNodeExecutionError(err):
		return "NodeExecutionError"
	default:
		return ""
	}
}
