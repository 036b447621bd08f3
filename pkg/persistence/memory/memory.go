// Package memory provides an in-process persistence implementation for tests
// and single-node development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

type Persistence struct {
	store    *Store
	contexts *ContextStore
}

func NewPersistence() *Persistence {
	return &Persistence{store: NewStore(), contexts: NewContextStore()}
}

func (p *Persistence) Store() persistence.Store { return p.store }

func (p *Persistence) Contexts() persistence.ContextStore { return p.contexts }

func (p *Persistence) HealthCheck(context.Context) error { return nil }

func (p *Persistence) Close(context.Context) error { return nil }

// Store keeps rows in a map per tenant.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*persistence.Row
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{tenants: map[string]map[string]*persistence.Row{}, now: time.Now}
}

func (s *Store) Get(_ context.Context, tenant, key string) (*persistence.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.tenants[tenant][key]
	if !ok {
		return nil, persistence.NewRowError("Get", tenant, key, persistence.ErrRowNotFound)
	}

	return copyRow(row), nil
}

func (s *Store) Put(_ context.Context, tenant, key string, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revision int64 = 1
	if row, ok := s.tenants[tenant][key]; ok {
		revision = row.Revision + 1
	}

	s.write(tenant, key, data, revision)

	return revision, nil
}

func (s *Store) PutIfAbsent(_ context.Context, tenant, key string, data json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant][key]; ok {
		return false, nil
	}

	s.write(tenant, key, data, 1)

	return true, nil
}

func (s *Store) PutIfRevision(_ context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tenants[tenant][key]
	if !ok || row.Revision != revision {
		return false, nil
	}

	s.write(tenant, key, data, revision+1)

	return true, nil
}

func (s *Store) Scan(_ context.Context, tenant, prefix string) ([]*persistence.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*persistence.Row, 0)

	for key, row := range s.tenants[tenant] {
		if strings.HasPrefix(key, prefix) {
			rows = append(rows, copyRow(row))
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return rows, nil
}

func (s *Store) write(tenant, key string, data json.RawMessage, revision int64) {
	rows, ok := s.tenants[tenant]
	if !ok {
		rows = map[string]*persistence.Row{}
		s.tenants[tenant] = rows
	}

	rows[key] = &persistence.Row{
		Key:       key,
		Revision:  revision,
		Data:      append(json.RawMessage(nil), data...),
		UpdatedAt: s.now().UTC(),
	}
}

func copyRow(row *persistence.Row) *persistence.Row {
	out := *row
	out.Data = append(json.RawMessage(nil), row.Data...)

	return &out
}

// ContextStore keeps each document as encoded fields so readers never share
// mutable values with writers.
type ContextStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]json.RawMessage
}

func NewContextStore() *ContextStore {
	return &ContextStore{docs: map[string]map[string]json.RawMessage{}}
}

func (s *ContextStore) Create(_ context.Context, workflowID string, doc models.Context) error {
	fields, err := encodeFields(doc)
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[workflowID]; ok {
		return persistence.NewContextError("Create", workflowID, persistence.ErrContextExists)
	}

	s.docs[workflowID] = fields

	return nil
}

func (s *ContextStore) Load(_ context.Context, workflowID string) (models.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.docs[workflowID]
	if !ok {
		return nil, persistence.NewContextError("Load", workflowID, persistence.ErrContextNotFound)
	}

	doc := make(models.Context, len(fields))

	for key, raw := range fields {
		var value any

		err := json.Unmarshal(raw, &value)
		if err != nil {
			return nil, persistence.NewContextError("Load", workflowID, err)
		}

		doc[key] = value
	}

	return doc, nil
}

func (s *ContextStore) Merge(_ context.Context, workflowID string, patch models.Context) error {
	fields, err := encodeFields(patch)
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[workflowID]
	if !ok {
		return persistence.NewContextError("Merge", workflowID, persistence.ErrContextNotFound)
	}

	for key, raw := range fields {
		doc[key] = raw
	}

	return nil
}

func encodeFields(doc models.Context) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(doc))

	for key, value := range doc {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}

		fields[key] = raw
	}

	return fields, nil
}
