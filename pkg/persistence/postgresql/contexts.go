package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// ContextStore keeps a head row per document and one row per context key.
type ContextStore struct {
	db *sql.DB
}

var _ persistence.ContextStore = (*ContextStore)(nil)

func NewContextStore(db *sql.DB) *ContextStore {
	return &ContextStore{db: db}
}

func (s *ContextStore) Create(ctx context.Context, workflowID string, doc models.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_contexts (workflow_id) VALUES ($1) ON CONFLICT (workflow_id) DO NOTHING`, workflowID)
	if err != nil {
		_ = tx.Rollback()

		return persistence.NewContextError("Create", workflowID, err)
	}

	created, err := affectedOne(result)
	if err != nil || !created {
		_ = tx.Rollback()

		if err == nil {
			err = persistence.ErrContextExists
		}

		return persistence.NewContextError("Create", workflowID, err)
	}

	err = upsertFields(ctx, tx, workflowID, doc)
	if err != nil {
		_ = tx.Rollback()

		return persistence.NewContextError("Create", workflowID, err)
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	return nil
}

func (s *ContextStore) Load(ctx context.Context, workflowID string) (models.Context, error) {
	exists, err := s.exists(ctx, s.db, workflowID)
	if err != nil {
		return nil, persistence.NewContextError("Load", workflowID, err)
	}

	if !exists {
		return nil, persistence.NewContextError("Load", workflowID, persistence.ErrContextNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT field_key, value FROM workflow_context_fields WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, persistence.NewContextError("Load", workflowID, err)
	}
	defer rows.Close()

	doc := models.Context{}

	for rows.Next() {
		var (
			key string
			raw []byte
		)

		err := rows.Scan(&key, &raw)
		if err != nil {
			return nil, persistence.NewContextError("Load", workflowID, err)
		}

		var value any

		if len(raw) > 0 {
			err = json.Unmarshal(raw, &value)
			if err != nil {
				return nil, persistence.NewContextError("Load", workflowID, fmt.Errorf("field %s: %w", key, err))
			}
		}

		doc[key] = value
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewContextError("Load", workflowID, err)
	}

	return doc, nil
}

func (s *ContextStore) Merge(ctx context.Context, workflowID string, patch models.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	exists, err := s.exists(ctx, tx, workflowID)
	if err != nil || !exists {
		_ = tx.Rollback()

		if err == nil {
			err = persistence.ErrContextNotFound
		}

		return persistence.NewContextError("Merge", workflowID, err)
	}

	err = upsertFields(ctx, tx, workflowID, patch)
	if err != nil {
		_ = tx.Rollback()

		return persistence.NewContextError("Merge", workflowID, err)
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ContextStore) exists(ctx context.Context, q querier, workflowID string) (bool, error) {
	var exists bool

	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_contexts WHERE workflow_id = $1)`, workflowID).Scan(&exists)

	return exists, err
}

func upsertFields(ctx context.Context, tx *sql.Tx, workflowID string, doc models.Context) error {
	query := `
		INSERT INTO workflow_context_fields (workflow_id, field_key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (workflow_id, field_key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	for key, value := range doc {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}

		_, err = tx.ExecContext(ctx, query, workflowID, key, string(raw))
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}

	return nil
}
