package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// Node manages node definitions.
type Node struct {
	publishing *Publishing
	validate   *validator.Validate
	schemas    map[models.NodeType]*gojsonschema.Schema
	logger     *slog.Logger
}

// NewNode creates a new node service.
func NewNode(publishing *Publishing, logger *slog.Logger) (*Node, error) {
	schemas, err := compileNodeSchemas()
	if err != nil {
		return nil, err
	}

	return &Node{
		publishing: publishing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		schemas:    schemas,
		logger:     logger.With("module", "node_service"),
	}, nil
}

// SaveSnapshot merges def into the current draft, or starts a new draft,
// and stores the result after validating it.
func (n *Node) SaveSnapshot(ctx context.Context, tenant string, def models.NodeDefinition) (models.NodeDefinition, error) {
	if def == nil || def.Meta().ID == "" {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalidRequest)
	}

	id := def.Meta().ID

	existing, err := n.publishing.Snapshot(ctx, tenant, id)

	switch {
	case IsNotFoundError(err):
	case err != nil:
		return nil, err
	default:
		current, err := models.UnmarshalNodeDefinition(existing)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored snapshot: %w", err)
		}

		err = current.Merge(def)
		if err != nil {
			return nil, NewValidationError("SaveSnapshot", "node_type_mismatch", err.Error(), ErrInvalidDefinition)
		}

		def = current
	}

	def.Meta().Version = models.VersionSnapshot

	data, err := n.check(def)
	if err != nil {
		return nil, err
	}

	err = n.publishing.SaveSnapshot(ctx, models.EntityNode, tenant, id, data)
	if err != nil {
		return nil, err
	}

	n.logger.InfoContext(ctx, "saved node snapshot", "tenant", tenant, "node_id", id, "type", def.Meta().Type)

	return def, nil
}

// Publish validates the current draft and promotes it to a new version.
func (n *Node) Publish(ctx context.Context, tenant, id string) (int, error) {
	data, err := n.publishing.Snapshot(ctx, tenant, id)
	if err != nil {
		return 0, err
	}

	def, err := models.UnmarshalNodeDefinition(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	_, err = n.check(def)
	if err != nil {
		return 0, err
	}

	return n.publishing.Promote(ctx, models.EntityNode, tenant, id, data)
}

func (n *Node) Activate(ctx context.Context, tenant, id, version string) error {
	return n.publishing.Activate(ctx, models.EntityNode, tenant, id, version)
}

func (n *Node) Get(ctx context.Context, tenant, id, version string) (models.NodeDefinition, error) {
	data, err := n.publishing.Get(ctx, tenant, id, version)
	if err != nil {
		return nil, err
	}

	return models.UnmarshalNodeDefinition(data)
}

func (n *Node) Versions(ctx context.Context, tenant, id string) ([]string, error) {
	return n.publishing.Versions(ctx, tenant, id)
}

// check runs struct and schema validation and returns the stored form.
func (n *Node) check(def models.NodeDefinition) ([]byte, error) {
	err := n.validate.Struct(def)
	if err != nil {
		return nil, NewValidationError("Validate", "invalid_node", err.Error(), ErrInvalidDefinition)
	}

	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node: %w", err)
	}

	schema, ok := n.schemas[def.Meta().Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownNodeType, def.Meta().Type)
	}

	err = validateSchema(schema, data)
	if err != nil {
		return nil, NewValidationError("Validate", "invalid_node", err.Error(), ErrInvalidDefinition)
	}

	return data, nil
}
