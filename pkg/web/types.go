package web

import (
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/workflow"
)

// StartRequest starts an instance of a workflow named directly or routed
// through an issue mapping.
type StartRequest struct {
	WorkflowID      string         `json:"workflowId,omitempty"      validate:"required_without=IssueID"`
	WorkflowVersion string         `json:"workflowVersion,omitempty"`
	IssueID         string         `json:"issueId,omitempty"`
	IncidentID      string         `json:"incidentId,omitempty"`
	Context         models.Context `json:"context,omitempty"`
	PerfTest        bool           `json:"perfTest,omitempty"`
}

func (r StartRequest) toWorkflow(tenant string) workflow.StartRequest {
	return workflow.StartRequest{
		Tenant:          tenant,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		IssueID:         r.IssueID,
		IncidentID:      r.IncidentID,
		Context:         r.Context,
		PerfTest:        r.PerfTest,
	}
}

type ResumeRequest struct {
	NodeKey      string         `json:"nodeKey,omitempty"`
	ViewResponse map[string]any `json:"viewResponse" validate:"required"`
}

type DisconnectedRequest struct {
	IssueID  string `json:"issueId,omitempty"`
	NodeName string `json:"nodeName" validate:"required"`
}

// PublishResponse reports the version a publish produced.
type PublishResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type ActivateResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}
