package models

// IssueMapping routes an issue to a workflow, optionally through an A/B
// experiment whose variants each name their own workflow.
type IssueMapping struct {
	IssueID         string      `json:"issueId"                   validate:"required"`
	WorkflowID      string      `json:"workflowId"                validate:"required_without=Experiment"`
	WorkflowVersion string      `json:"workflowVersion,omitempty"`
	Experiment      *Experiment `json:"experiment,omitempty"`
}

type Experiment struct {
	Name     string    `json:"name"     validate:"required"`
	Variants []Variant `json:"variants" validate:"required,min=1,dive"`
}

type Variant struct {
	Name            string `json:"name"                      validate:"required"`
	WorkflowID      string `json:"workflowId"                validate:"required"`
	WorkflowVersion string `json:"workflowVersion,omitempty"`
	Weight          int    `json:"weight"                    validate:"gte=0"`
}

// EnumTable is a read-only lookup table exposed to scripts through ENUM_STORE.
type EnumTable struct {
	ID      string         `json:"id"                validate:"required"`
	Version string         `json:"version,omitempty"`
	Entries map[string]any `json:"entries"           validate:"required"`
}
