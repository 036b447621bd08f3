package models

import (
	"encoding/json"
	"fmt"
)

// WorkflowStatus is the lifecycle status of a workflow instance, and also the
// outcome a node reports back to the state machine.
type WorkflowStatus string

const (
	StatusCreated          WorkflowStatus = "CREATED"
	StatusRunning          WorkflowStatus = "RUNNING"
	StatusWaiting          WorkflowStatus = "WAITING"
	StatusSchedulerWaiting WorkflowStatus = "SCHEDULER_WAITING"
	StatusAsyncComplete    WorkflowStatus = "ASYNC_COMPLETE"
	StatusDelegated        WorkflowStatus = "DELEGATED"
	StatusCompleted        WorkflowStatus = "COMPLETED"
	StatusFailed           WorkflowStatus = "FAILED"
	StatusTerminated       WorkflowStatus = "TERMINATED"
)

// Suspended reports whether the instance is parked waiting for a resume.
func (s WorkflowStatus) Suspended() bool {
	return s == StatusWaiting || s == StatusSchedulerWaiting
}

// Terminal reports whether no further node will run.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAsyncComplete, StatusFailed, StatusTerminated, StatusDelegated:
		return true
	default:
		return false
	}
}

// View is what a suspended instance shows to the human answering it.
type View struct {
	InputOptions []any  `json:"inputOptions,omitempty"`
	LayoutID     string `json:"layoutId,omitempty"`
}

// IssueDetail records how the instance was routed to its workflow.
type IssueDetail struct {
	IssueID    string `json:"issueId,omitempty"`
	Experiment string `json:"experiment,omitempty"`
	Variant    string `json:"variant,omitempty"`
}

// WorkflowState is owned and mutated by the state machine only.
type WorkflowState struct {
	WorkflowID     string         `json:"workflowId"`
	IncidentID     string         `json:"incidentId,omitempty"`
	Status         WorkflowStatus `json:"status"`
	Disposition    string         `json:"disposition,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	View           *View          `json:"view,omitempty"`
	CurrentNodeRef string         `json:"currentNodeRef,omitempty"`
	IssueDetail    *IssueDetail   `json:"issueDetail,omitempty"`
}

// NodeResponse is the full outcome of a node execution. ContextPatch holds
// top-level context rewrites requested by the node.
type NodeResponse struct {
	Status       WorkflowStatus `json:"status"`
	RawResponse  any            `json:"rawResponse,omitempty"`
	NextNode     string         `json:"nextNode,omitempty"`
	Disposition  string         `json:"disposition,omitempty"`
	ContextPatch Context        `json:"contextPatch,omitempty"`
}

// ThinResponse is the projection of a NodeResponse the state machine needs;
// raw payloads stay in the context store.
type ThinResponse struct {
	Status       WorkflowStatus `json:"status"`
	NextNode     string         `json:"nextNode,omitempty"`
	Disposition  string         `json:"disposition,omitempty"`
	View         *View          `json:"view,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// DisconnectedNodeResult is returned for a node executed outside traversal.
type DisconnectedNodeResult struct {
	Node    string         `json:"node"`
	Status  WorkflowStatus `json:"status"`
	Payload any            `json:"payload,omitempty"`
}

// ReturnControl is published when the instance hands control back to the
// caller that started or resumed it.
type ReturnControl struct {
	WorkflowID   string         `json:"workflowId"`
	Status       WorkflowStatus `json:"status"`
	View         *View          `json:"view,omitempty"`
	Disposition  string         `json:"disposition,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

const returnControlPrefix = "nodeflow.return-control."

// ReturnControlChannel names the per-instance channel for ReturnControl messages.
func ReturnControlChannel(workflowID string) string {
	return returnControlPrefix + workflowID
}

// InstructionOutput is the raw payload an instruction node stores in context.
type InstructionOutput struct {
	InputOptions   []any          `json:"inputOptions,omitempty"`
	LayoutID       string         `json:"layoutId,omitempty"`
	Disposition    string         `json:"disposition,omitempty"`
	WorkflowStatus WorkflowStatus `json:"workflowStatus,omitempty"`
	Response       map[string]any `json:"response,omitempty"`
}

// DecodeInstructionOutput reads an instruction payload back from its
// context form, which may be a struct or a generic JSON map.
func DecodeInstructionOutput(raw any) (*InstructionOutput, error) {
	if out, ok := raw.(*InstructionOutput); ok {
		return out, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instruction output: %w", err)
	}

	out := &InstructionOutput{}

	err = json.Unmarshal(data, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruction output: %w", err)
	}

	return out, nil
}
