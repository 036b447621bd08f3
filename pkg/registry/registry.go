// Package registry is the dispatch table from node type to executor.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes"
)

var (
	ErrExecutorNotFound   = errors.New("no executor registered for node type")
	ErrExecutorRegistered = errors.New("executor already registered for node type")
)

type Registry struct {
	logger    *slog.Logger
	executors map[models.NodeType]nodes.Executor
	mutex     sync.RWMutex
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		executors: make(map[models.NodeType]nodes.Executor),
	}
}

// Register adds executors; a type may only be registered once.
func (r *Registry) Register(executors ...nodes.Executor) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, executor := range executors {
		t := executor.Type()

		if _, ok := r.executors[t]; ok {
			return fmt.Errorf("%w: %s", ErrExecutorRegistered, t)
		}

		r.executors[t] = executor

		r.logger.Debug("registered node executor", "type", t)
	}

	return nil
}

func (r *Registry) Executor(t models.NodeType) (nodes.Executor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	executor, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, t)
	}

	return executor, nil
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []models.NodeType {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	types := make([]models.NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}
