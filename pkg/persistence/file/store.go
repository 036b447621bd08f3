package file

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/nodeflow/pkg/persistence"
)

// Store keeps one file per row. Writes are serialized in-process; the
// directory must not be shared between processes.
type Store struct {
	root string
	mu   sync.RWMutex
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) path(tenant, key string) string {
	return filepath.Join(s.root, url.PathEscape(tenant), fileName(key))
}

func (s *Store) read(tenant, key string) (*persistence.Row, error) {
	var row persistence.Row

	err := readJSON(s.path(tenant, key), &row)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.ErrRowNotFound
	}

	if err != nil {
		return nil, err
	}

	return &row, nil
}

func (s *Store) write(tenant, key string, data json.RawMessage, revision int64) error {
	return writeJSON(s.path(tenant, key), &persistence.Row{
		Key:       key,
		Revision:  revision,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *Store) Get(_ context.Context, tenant, key string) (*persistence.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := s.read(tenant, key)
	if err != nil {
		return nil, persistence.NewRowError("Get", tenant, key, err)
	}

	return row, nil
}

func (s *Store) Put(_ context.Context, tenant, key string, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revision int64

	existing, err := s.read(tenant, key)

	switch {
	case err == nil:
		revision = existing.Revision
	case !errors.Is(err, persistence.ErrRowNotFound):
		return 0, persistence.NewRowError("Put", tenant, key, err)
	}

	err = s.write(tenant, key, data, revision+1)
	if err != nil {
		return 0, persistence.NewRowError("Put", tenant, key, err)
	}

	return revision + 1, nil
}

func (s *Store) PutIfAbsent(_ context.Context, tenant, key string, data json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.read(tenant, key)
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, persistence.ErrRowNotFound) {
		return false, persistence.NewRowError("PutIfAbsent", tenant, key, err)
	}

	err = s.write(tenant, key, data, 1)
	if err != nil {
		return false, persistence.NewRowError("PutIfAbsent", tenant, key, err)
	}

	return true, nil
}

func (s *Store) PutIfRevision(_ context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(tenant, key)
	if errors.Is(err, persistence.ErrRowNotFound) {
		return false, nil
	}

	if err != nil {
		return false, persistence.NewRowError("PutIfRevision", tenant, key, err)
	}

	if existing.Revision != revision {
		return false, nil
	}

	err = s.write(tenant, key, data, revision+1)
	if err != nil {
		return false, persistence.NewRowError("PutIfRevision", tenant, key, err)
	}

	return true, nil
}

func (s *Store) Scan(_ context.Context, tenant, prefix string) ([]*persistence.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, url.PathEscape(tenant)))
	if errors.Is(err, os.ErrNotExist) {
		return []*persistence.Row{}, nil
	}

	if err != nil {
		return nil, persistence.NewRowError("Scan", tenant, prefix, err)
	}

	rows := make([]*persistence.Row, 0)

	for _, entry := range entries {
		key, ok := keyFromFileName(entry.Name())
		if !ok || entry.IsDir() || !strings.HasPrefix(key, prefix) {
			continue
		}

		row, err := s.read(tenant, key)
		if err != nil {
			return nil, persistence.NewRowError("Scan", tenant, key, err)
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return rows, nil
}
