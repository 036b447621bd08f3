package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/nodeflow/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRowNotFound indicates no row exists for the tenant and key.
	ErrRowNotFound = errors.New("row not found")

	// ErrRevisionConflict indicates a conditional write lost against a concurrent writer.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrContextExists indicates a context document was created twice.
	ErrContextExists = errors.New("context already exists")

	// ErrContextNotFound indicates a workflow instance has no context document.
	ErrContextNotFound = models.ErrContextNotFound
)

// RowError wraps row-related errors with additional context.
type RowError struct {
	Op     string // Operation being performed (e.g., "Get", "PutIfRevision")
	Tenant string
	Key    string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s operation failed for row %s/%s: %v", e.Op, e.Tenant, e.Key, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for row errors.
func (e *RowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRowError(op, tenant, key string, err error) *RowError {
	return &RowError{Op: op, Tenant: tenant, Key: key, Err: err}
}

// ContextError wraps context-store errors with the instance id.
type ContextError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("%s operation failed for context %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

func (e *ContextError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewContextError(op, workflowID string, err error) *ContextError {
	return &ContextError{Op: op, WorkflowID: workflowID, Err: err}
}

// IsRowNotFound checks if an error indicates a row was not found.
func IsRowNotFound(err error) bool {
	return errors.Is(err, ErrRowNotFound)
}

// IsContextNotFound checks if an error indicates a context document was not found.
func IsContextNotFound(err error) bool {
	return errors.Is(err, ErrContextNotFound)
}

func IsContextExists(err error) bool {
	return errors.Is(err, ErrContextExists)
}
