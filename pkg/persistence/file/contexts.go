package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// ContextStore keeps each context document in its own file.
type ContextStore struct {
	root string
	mu   sync.RWMutex
}

var _ persistence.ContextStore = (*ContextStore)(nil)

func (s *ContextStore) path(workflowID string) string {
	return filepath.Join(s.root, fileName(workflowID))
}

func (s *ContextStore) read(workflowID string) (models.Context, error) {
	doc := models.Context{}

	err := readJSON(s.path(workflowID), &doc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.ErrContextNotFound
	}

	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *ContextStore) Create(_ context.Context, workflowID string, doc models.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path(workflowID))
	if err == nil {
		return persistence.NewContextError("Create", workflowID, persistence.ErrContextExists)
	}

	if doc == nil {
		doc = models.Context{}
	}

	err = writeJSON(s.path(workflowID), doc)
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	return nil
}

func (s *ContextStore) Load(_ context.Context, workflowID string) (models.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.read(workflowID)
	if err != nil {
		return nil, persistence.NewContextError("Load", workflowID, err)
	}

	return doc, nil
}

func (s *ContextStore) Merge(_ context.Context, workflowID string, patch models.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(workflowID)
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	for k, v := range patch {
		doc[k] = v
	}

	err = writeJSON(s.path(workflowID), doc)
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	return nil
}
