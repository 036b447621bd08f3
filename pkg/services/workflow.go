package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Workflow manages workflow graph definitions.
type Workflow struct {
	publishing *Publishing
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(publishing *Publishing, logger *slog.Logger) *Workflow {
	return &Workflow{
		publishing: publishing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "workflow_service"),
	}
}

// SaveSnapshot merges wf into the current draft. A non-nil States map
// replaces the draft's states as a whole so nodes can be removed.
func (w *Workflow) SaveSnapshot(ctx context.Context, tenant string, wf *models.Workflow) (*models.Workflow, error) {
	if wf == nil || wf.ID == "" {
		return nil, fmt.Errorf("%w: workflow id is required", ErrInvalidRequest)
	}

	existing, err := w.publishing.Snapshot(ctx, tenant, wf.ID)

	switch {
	case IsNotFoundError(err):
	case err != nil:
		return nil, err
	default:
		var current models.Workflow

		err = json.Unmarshal(existing, &current)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored snapshot: %w", err)
		}

		mergeWorkflow(&current, wf)
		wf = &current
	}

	wf.Version = models.VersionSnapshot
	wf.Normalize()
	wf.StripDefinitions()

	err = w.validate.Struct(wf)
	if err != nil {
		return nil, NewValidationError("SaveSnapshot", "invalid_workflow", err.Error(), ErrInvalidDefinition)
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}

	err = w.publishing.SaveSnapshot(ctx, models.EntityWorkflow, tenant, wf.ID, data)
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "saved workflow snapshot", "tenant", tenant, "workflow_id", wf.ID, "states", len(wf.States))

	return wf, nil
}

func mergeWorkflow(current, incoming *models.Workflow) {
	if incoming.StartNode != "" {
		current.StartNode = incoming.StartNode
	}

	if incoming.DefaultFailureNode != "" {
		current.DefaultFailureNode = incoming.DefaultFailureNode
	}

	if incoming.PostWorkflowCompletionNodes != nil {
		current.PostWorkflowCompletionNodes = incoming.PostWorkflowCompletionNodes
	}

	if incoming.States != nil {
		current.States = incoming.States
	}
}

// Publish joins the draft with the node definitions it references, checks
// the whole graph and promotes the draft to a new version.
func (w *Workflow) Publish(ctx context.Context, tenant, id string) (int, error) {
	data, err := w.publishing.Snapshot(ctx, tenant, id)
	if err != nil {
		return 0, err
	}

	var wf models.Workflow

	err = json.Unmarshal(data, &wf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	wf.Normalize()

	err = w.join(ctx, tenant, &wf)
	if err == nil {
		err = wf.Validate()
	}

	if err != nil {
		return 0, NewValidationError("Publish", "invalid_graph", err.Error(), ErrInvalidGraph)
	}

	return w.publishing.Promote(ctx, models.EntityWorkflow, tenant, id, data)
}

func (w *Workflow) join(ctx context.Context, tenant string, wf *models.Workflow) error {
	var errs []error

	for name, node := range wf.States {
		data, err := w.publishing.Get(ctx, tenant, node.ResourceID, node.ResourceVersion)
		if IsNotFoundError(err) {
			errs = append(errs, &models.DefinitionError{WorkflowID: wf.ID, Node: name, Err: models.ErrNodeNotFound})

			continue
		}

		if err != nil {
			return err
		}

		def, err := models.UnmarshalNodeDefinition(data)
		if err != nil {
			errs = append(errs, &models.DefinitionError{WorkflowID: wf.ID, Node: name, Err: err})

			continue
		}

		node.Definition = def
	}

	return errors.Join(errs...)
}

func (w *Workflow) Activate(ctx context.Context, tenant, id, version string) error {
	return w.publishing.Activate(ctx, models.EntityWorkflow, tenant, id, version)
}

func (w *Workflow) Get(ctx context.Context, tenant, id, version string) (*models.Workflow, error) {
	data, err := w.publishing.Get(ctx, tenant, id, version)
	if err != nil {
		return nil, err
	}

	var wf models.Workflow

	err = json.Unmarshal(data, &wf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}

	wf.Normalize()

	return &wf, nil
}

func (w *Workflow) Versions(ctx context.Context, tenant, id string) ([]string, error) {
	return w.publishing.Versions(ctx, tenant, id)
}
