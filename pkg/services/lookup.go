package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Issue manages issue-to-workflow mappings. Mappings have no draft: every
// save rewrites the ACTIVE row.
type Issue struct {
	publishing *Publishing
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewIssue(publishing *Publishing, logger *slog.Logger) *Issue {
	return &Issue{
		publishing: publishing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "issue_service"),
	}
}

func (i *Issue) Save(ctx context.Context, tenant string, mapping *models.IssueMapping) error {
	if mapping == nil {
		return fmt.Errorf("%w: mapping is required", ErrInvalidRequest)
	}

	err := i.validate.Struct(mapping)
	if err != nil {
		return NewValidationError("Save", "invalid_issue_mapping", err.Error(), ErrInvalidDefinition)
	}

	if mapping.Experiment != nil {
		total := 0
		for _, v := range mapping.Experiment.Variants {
			total += v.Weight
		}

		if total <= 0 {
			return NewValidationError("Save", "invalid_experiment", "experiment weights must add up to more than zero", ErrInvalidDefinition)
		}
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode issue mapping: %w", err)
	}

	err = i.publishing.SetActive(ctx, models.EntityIssue, tenant, mapping.IssueID, data)
	if err != nil {
		return err
	}

	i.logger.InfoContext(ctx, "saved issue mapping", "tenant", tenant, "issue_id", mapping.IssueID)

	return nil
}

func (i *Issue) Get(ctx context.Context, tenant, issueID string) (*models.IssueMapping, error) {
	data, err := i.publishing.Get(ctx, tenant, issueID, models.VersionActive)
	if err != nil {
		return nil, err
	}

	var mapping models.IssueMapping

	err = json.Unmarshal(data, &mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to decode issue mapping: %w", err)
	}

	return &mapping, nil
}

// Enum manages lookup tables exposed to scripts as ENUM_STORE.
type Enum struct {
	publishing *Publishing
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewEnum(publishing *Publishing, logger *slog.Logger) *Enum {
	return &Enum{
		publishing: publishing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "enum_service"),
	}
}

func (e *Enum) Save(ctx context.Context, tenant string, table *models.EnumTable) error {
	if table == nil {
		return fmt.Errorf("%w: table is required", ErrInvalidRequest)
	}

	err := e.validate.Struct(table)
	if err != nil {
		return NewValidationError("Save", "invalid_enum", err.Error(), ErrInvalidDefinition)
	}

	table.Version = models.VersionActive

	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode enum table: %w", err)
	}

	err = e.publishing.SetActive(ctx, models.EntityEnum, tenant, table.ID, data)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "saved enum table", "tenant", tenant, "enum_id", table.ID, "entries", len(table.Entries))

	return nil
}
