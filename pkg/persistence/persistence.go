// Package persistence provides the versioned row store and the per-instance
// context store behind the workflow runtime.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
)

// Row is one stored entity version. Revision starts at 1 and grows by one on
// every write; conditional updates compare against it.
type Row struct {
	Key       string          `json:"key"`
	Revision  int64           `json:"revision"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is a tenant-scoped key/value store of JSON rows with conditional writes.
type Store interface {
	// Get returns ErrRowNotFound when the key does not exist.
	Get(ctx context.Context, tenant, key string) (*Row, error)
	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, tenant, key string, data json.RawMessage) (int64, error)
	// PutIfAbsent writes only when the key does not exist.
	PutIfAbsent(ctx context.Context, tenant, key string, data json.RawMessage) (bool, error)
	// PutIfRevision writes only when the stored revision equals revision.
	PutIfRevision(ctx context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error)
	// Scan lists the rows whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, tenant, prefix string) ([]*Row, error)
}

// ContextStore holds one context document per workflow instance. Documents
// are created once, merged field by field, and never deleted.
type ContextStore interface {
	// Create returns ErrContextExists when the document is already there.
	Create(ctx context.Context, workflowID string, doc models.Context) error
	// Load returns models.ErrContextNotFound for unknown instances.
	Load(ctx context.Context, workflowID string) (models.Context, error)
	// Merge overwrites the given top-level keys, last writer wins per key.
	Merge(ctx context.Context, workflowID string, patch models.Context) error
}

type Persistence interface {
	Store() Store
	Contexts() ContextStore
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
