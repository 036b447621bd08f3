// Package catalog serves node, workflow, issue and enum definitions to the
// runtime through versioned caches kept fresh by invalidation messages.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nodeflow/pkg/cache"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

type Config struct {
	RefreshAfter   time.Duration
	MaxSize        int
	RefreshWorkers int
}

// Catalog values are shared between callers and must be treated as read-only.
type Catalog struct {
	nodes     *cache.VersionedCache[models.NodeDefinition, json.RawMessage]
	workflows *cache.VersionedCache[*models.Workflow, json.RawMessage]
	issues    *cache.VersionedCache[*models.IssueMapping, json.RawMessage]
	enums     *cache.VersionedCache[*models.EnumTable, json.RawMessage]
	logger    *slog.Logger
}

func New(store persistence.Store, config Config, logger *slog.Logger) (*Catalog, error) {
	source := cache.StoreSource{Store: store}

	nodes, err := cache.New(cacheConfig(config, models.EntityNode, decodeNode), source, logger)
	if err != nil {
		return nil, err
	}

	workflows, err := cache.New(cacheConfig(config, models.EntityWorkflow, decodeWorkflow), source, logger)
	if err != nil {
		return nil, err
	}

	issues, err := cache.New(cacheConfig(config, models.EntityIssue, decodeJSON[models.IssueMapping]), source, logger)
	if err != nil {
		return nil, err
	}

	enums, err := cache.New(cacheConfig(config, models.EntityEnum, decodeJSON[models.EnumTable]), source, logger)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		nodes:     nodes,
		workflows: workflows,
		issues:    issues,
		enums:     enums,
		logger:    logger.With("module", "catalog"),
	}, nil
}

func cacheConfig[A any](config Config, tag models.EntityTag, decode func(json.RawMessage) (A, error)) cache.Config[A, json.RawMessage] {
	return cache.Config[A, json.RawMessage]{
		Tag:            tag,
		RefreshAfter:   config.RefreshAfter,
		MaxSize:        config.MaxSize,
		RefreshWorkers: config.RefreshWorkers,
		Decode:         decode,
	}
}

func decodeNode(raw json.RawMessage) (models.NodeDefinition, error) {
	return models.UnmarshalNodeDefinition(raw)
}

func decodeWorkflow(raw json.RawMessage) (*models.Workflow, error) {
	wf, err := decodeJSON[models.Workflow](raw)
	if err != nil {
		return nil, err
	}

	wf.Normalize()
	wf.StripDefinitions()

	return wf, nil
}

func decodeJSON[T any](raw json.RawMessage) (*T, error) {
	var out T

	err := json.Unmarshal(raw, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Register subscribes every cache to invalidations for its tag.
func (c *Catalog) Register(subscriber *cache.InvalidationSubscriber) {
	subscriber.Register(models.EntityNode, c.nodes)
	subscriber.Register(models.EntityWorkflow, c.workflows)
	subscriber.Register(models.EntityIssue, c.issues)
	subscriber.Register(models.EntityEnum, c.enums)
}

func (c *Catalog) Node(ctx context.Context, tenant, id, version string) (models.NodeDefinition, bool) {
	return c.nodes.Get(ctx, id, version, tenant)
}

// Workflow returns a private copy of the graph with every node definition
// joined in. A node that does not resolve makes the whole graph unusable.
func (c *Catalog) Workflow(ctx context.Context, tenant, id, version string) (*models.Workflow, error) {
	if version == "" {
		version = models.VersionActive
	}

	cached, ok := c.workflows.Get(ctx, id, version, tenant)
	if !ok {
		return nil, &models.DefinitionError{
			WorkflowID: id,
			Err:        fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, models.RowKey(id, version)),
		}
	}

	wf := cached.Clone()

	for name, node := range wf.States {
		def, ok := c.nodes.Get(ctx, node.ResourceID, node.ResourceVersion, tenant)
		if !ok {
			return nil, &models.DefinitionError{
				WorkflowID: id,
				Node:       name,
				Err:        fmt.Errorf("%w: %s", models.ErrNodeNotFound, models.RowKey(node.ResourceID, node.ResourceVersion)),
			}
		}

		if def.Meta().Type != node.Type {
			return nil, &models.DefinitionError{
				WorkflowID: id,
				Node:       name,
				Err:        fmt.Errorf("%w: graph says %s, definition is %s", models.ErrNodeTypeMismatch, node.Type, def.Meta().Type),
			}
		}

		node.Definition = def
	}

	c.logger.DebugContext(ctx, "resolved workflow", "tenant", tenant, "workflow_id", id, "version", version, "nodes", len(wf.States))

	return wf, nil
}

// IssueMapping returns the active mapping for an issue.
func (c *Catalog) IssueMapping(ctx context.Context, tenant, issueID string) (*models.IssueMapping, error) {
	mapping, ok := c.issues.Get(ctx, issueID, models.VersionActive, tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrIssueNotMapped, issueID)
	}

	return mapping, nil
}

// EnumTables returns the entries of each active enum table by id. Tables that
// cannot be loaded are left out.
func (c *Catalog) EnumTables(ctx context.Context, tenant string, ids []string) map[string]any {
	out := make(map[string]any, len(ids))

	for _, id := range ids {
		table, ok := c.enums.Get(ctx, id, models.VersionActive, tenant)
		if !ok {
			c.logger.WarnContext(ctx, "enum table not available", "tenant", tenant, "enum_id", id)

			continue
		}

		out[id] = table.Entries
	}

	return out
}

func (c *Catalog) Close() {
	c.nodes.Close()
	c.workflows.Close()
	c.issues.Close()
	c.enums.Close()
}
