package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukex/nodeflow/pkg/mocks"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/memory"
	"github.com/dukex/nodeflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

type recordedInvalidations struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordedInvalidations) Publish(_ context.Context, tag models.EntityTag, tokens ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range tokens {
		r.messages = append(r.messages, string(tag)+" "+token)
	}
}

func (r *recordedInvalidations) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = nil
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	store         *memory.Store
	invalidations *recordedInvalidations
	publishing    *services.Publishing
	nodes         *services.Node
	workflows     *services.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	invalidations := &recordedInvalidations{}
	publishing := services.NewPublishing(store, invalidations, slog.Default())

	nodes, err := services.NewNode(publishing, slog.Default())
	require.NoError(t, err)

	return &fixture{
		store:         store,
		invalidations: invalidations,
		publishing:    publishing,
		nodes:         nodes,
		workflows:     services.NewWorkflow(publishing, slog.Default()),
	}
}

func successNode(id, comment string) *models.SuccessNode {
	return &models.SuccessNode{
		NodeMeta: models.NodeMeta{ID: id, Name: "done", Type: models.NodeTypeSuccess},
		Comment:  ptr(comment),
	}
}

func httpNode(id string) *models.HTTPNode {
	return &models.HTTPNode{
		NodeMeta: models.NodeMeta{ID: id, Name: "call", Type: models.NodeTypeHTTP},
		Request:  &models.HTTPComponents{URL: models.Static("https://example.com"), Method: "GET"},
	}
}

func storedVersion(t *testing.T, store persistence.Store, key string) string {
	t.Helper()

	row, err := store.Get(context.Background(), tenant, key)
	require.NoError(t, err)

	version, err := models.DocumentVersion(row.Data)
	require.NoError(t, err)

	return version
}

func TestPublishing_PublishProtocol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.nodes.SaveSnapshot(ctx, tenant, successNode("N1", "all good"))
	require.NoError(t, err)
	assert.Equal(t, []string{"NODE N1_SNAPSHOT"}, f.invalidations.messages)

	f.invalidations.reset()

	version, err := f.nodes.Publish(ctx, tenant, "N1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "1", storedVersion(t, f.store, "N1_1"))
	assert.Equal(t, "1", storedVersion(t, f.store, "N1_LATEST"))
	assert.Equal(t, []string{"NODE N1_1", "NODE N1_LATEST"}, f.invalidations.messages)

	f.invalidations.reset()

	version, err = f.nodes.Publish(ctx, tenant, "N1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "2", storedVersion(t, f.store, "N1_2"))
	assert.Equal(t, "2", storedVersion(t, f.store, "N1_LATEST"))
	assert.Equal(t, "1", storedVersion(t, f.store, "N1_1"))
	assert.Equal(t, []string{"NODE N1_2", "NODE N1_LATEST"}, f.invalidations.messages)

	// The draft itself is untouched by publishing.
	assert.Equal(t, models.VersionSnapshot, storedVersion(t, f.store, "N1_SNAPSHOT"))
}

func TestPublishing_PublishWithoutSnapshot(t *testing.T) {
	f := newFixture(t)

	_, err := f.nodes.Publish(context.Background(), tenant, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrSnapshotNotFound)
	assert.True(t, services.IsNotFoundError(err))
}

func TestPublishing_LostLatestRaceIsAConflict(t *testing.T) {
	store := &mocks.MockStore{}
	invalidations := &mocks.MockInvalidations{}
	publishing := services.NewPublishing(store, invalidations, slog.Default())
	ctx := context.Background()

	store.On("Get", ctx, tenant, "N1_SNAPSHOT").
		Return(&persistence.Row{Key: "N1_SNAPSHOT", Revision: 1, Data: json.RawMessage(`{"id":"N1","version":"SNAPSHOT"}`)}, nil)
	store.On("Get", ctx, tenant, "N1_LATEST").
		Return(&persistence.Row{Key: "N1_LATEST", Revision: 3, Data: json.RawMessage(`{"id":"N1","version":"1"}`)}, nil)
	store.On("Scan", ctx, tenant, "N1_").Return([]*persistence.Row{
		{Key: "N1_1", Revision: 1, Data: json.RawMessage(`{"id":"N1","version":"1"}`)},
		{Key: "N1_LATEST", Revision: 3, Data: json.RawMessage(`{"id":"N1","version":"1"}`)},
	}, nil)
	store.On("PutIfAbsent", ctx, tenant, "N1_2", mock.Anything).Return(true, nil)
	store.On("PutIfRevision", ctx, tenant, "N1_LATEST", mock.Anything, int64(3)).Return(false, nil)

	_, err := publishing.Publish(ctx, models.EntityNode, tenant, "N1")
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))

	store.AssertExpectations(t)
	invalidations.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishing_ExistingVersionRowIsAConflict(t *testing.T) {
	store := &mocks.MockStore{}
	invalidations := &mocks.MockInvalidations{}
	publishing := services.NewPublishing(store, invalidations, slog.Default())
	ctx := context.Background()

	store.On("Get", ctx, tenant, "N1_LATEST").Return(nil, persistence.NewRowError("Get", tenant, "N1_LATEST", persistence.ErrRowNotFound))
	store.On("Scan", ctx, tenant, "N1_").Return([]*persistence.Row{}, nil)
	store.On("PutIfAbsent", ctx, tenant, "N1_1", mock.Anything).Return(false, nil)

	_, err := publishing.Promote(ctx, models.EntityNode, tenant, "N1", json.RawMessage(`{"id":"N1"}`))
	require.ErrorIs(t, err, services.ErrVersionConflict)

	store.AssertNotCalled(t, "PutIfAbsent", ctx, tenant, "N1_LATEST", mock.Anything)
	invalidations.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

// flakyStore fails the next failures LATEST moves.
type flakyStore struct {
	*memory.Store
	failures int
}

func (s *flakyStore) PutIfRevision(ctx context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	if s.failures > 0 {
		s.failures--

		return false, errors.New("connection reset")
	}

	return s.Store.PutIfRevision(ctx, tenant, key, data, revision)
}

func TestPublishing_RecoversFromFailedLatestMove(t *testing.T) {
	tests := []struct {
		name        string
		changeDraft bool
		version     int
		stale       string
	}{
		{
			name:    "retry adopts the written version",
			version: 2,
		},
		{
			name:        "changed draft skips the written version",
			changeDraft: true,
			version:     3,
			stale:       "second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{Store: memory.NewStore()}
			invalidations := &recordedInvalidations{}
			publishing := services.NewPublishing(store, invalidations, slog.Default())
			ctx := context.Background()

			nodes, err := services.NewNode(publishing, slog.Default())
			require.NoError(t, err)

			_, err = nodes.SaveSnapshot(ctx, tenant, successNode("N1", "first"))
			require.NoError(t, err)

			_, err = nodes.Publish(ctx, tenant, "N1")
			require.NoError(t, err)

			_, err = nodes.SaveSnapshot(ctx, tenant, successNode("N1", "second"))
			require.NoError(t, err)

			store.failures = 1

			_, err = nodes.Publish(ctx, tenant, "N1")
			require.ErrorContains(t, err, "connection reset")
			assert.Equal(t, "1", storedVersion(t, store, "N1_LATEST"))

			if tt.changeDraft {
				_, err = nodes.SaveSnapshot(ctx, tenant, successNode("N1", "third"))
				require.NoError(t, err)
			}

			invalidations.reset()

			version, err := nodes.Publish(ctx, tenant, "N1")
			require.NoError(t, err)
			assert.Equal(t, tt.version, version)

			latest := fmt.Sprint(tt.version)
			assert.Equal(t, latest, storedVersion(t, store, "N1_LATEST"))
			assert.Equal(t, []string{"NODE N1_" + latest, "NODE N1_LATEST"}, invalidations.messages)

			if tt.stale != "" {
				def, err := nodes.Get(ctx, tenant, "N1", "2")
				require.NoError(t, err)
				assert.Equal(t, tt.stale, *def.(*models.SuccessNode).Comment)
			}
		})
	}
}

func TestPublishing_Activate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.nodes.SaveSnapshot(ctx, tenant, successNode("N1", "v1"))
	require.NoError(t, err)

	_, err = f.nodes.Publish(ctx, tenant, "N1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		version string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "pointer versions cannot be activated",
			version: models.VersionSnapshot,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, services.ErrInvalidVersion)
				assert.True(t, services.IsValidationError(err))
			},
		},
		{
			name:    "unpublished version",
			version: "5",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, services.ErrVersionNotFound)
			},
		},
		{
			name:    "published version",
			version: "1",
			check: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.invalidations.reset()
			tt.check(t, f.nodes.Activate(ctx, tenant, "N1", tt.version))
		})
	}

	assert.Equal(t, "1", storedVersion(t, f.store, "N1_ACTIVE"))
	assert.Equal(t, []string{"NODE N1_ACTIVE"}, f.invalidations.messages)

	active, err := f.nodes.Get(ctx, tenant, "N1", models.VersionActive)
	require.NoError(t, err)
	assert.Equal(t, "v1", *active.(*models.SuccessNode).Comment)
}

func TestPublishing_Versions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.nodes.SaveSnapshot(ctx, tenant, successNode("N1", "x"))
	require.NoError(t, err)

	// A neighbour whose id shares the prefix must not leak into the listing.
	_, err = f.nodes.SaveSnapshot(ctx, tenant, successNode("N1_extra", "y"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = f.nodes.Publish(ctx, tenant, "N1")
		require.NoError(t, err)
	}

	require.NoError(t, f.nodes.Activate(ctx, tenant, "N1", "2"))

	versions, err := f.nodes.Versions(ctx, tenant, "N1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "ACTIVE", "LATEST", "SNAPSHOT"}, versions)
}

func TestNode_SaveSnapshotMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.nodes.SaveSnapshot(ctx, tenant, successNode("N1", "first"))
	require.NoError(t, err)

	saved, err := f.nodes.SaveSnapshot(ctx, tenant, &models.SuccessNode{
		NodeMeta:      models.NodeMeta{ID: "N1", Type: models.NodeTypeSuccess},
		ExecutionMode: ptr("SYNC"),
	})
	require.NoError(t, err)

	node, ok := saved.(*models.SuccessNode)
	require.True(t, ok)
	assert.Equal(t, "done", node.Name)
	assert.Equal(t, "first", *node.Comment)
	assert.Equal(t, "SYNC", *node.ExecutionMode)
	assert.Equal(t, models.VersionSnapshot, node.Version)

	stored, err := f.nodes.Get(ctx, tenant, "N1", models.VersionSnapshot)
	require.NoError(t, err)
	assert.Equal(t, node, stored)
}

func TestNode_SaveSnapshotValidation(t *testing.T) {
	tests := []struct {
		name string
		prep func(t *testing.T, f *fixture)
		def  models.NodeDefinition
		code string
	}{
		{
			name: "http node without request",
			def: &models.HTTPNode{
				NodeMeta: models.NodeMeta{ID: "H1", Name: "call", Type: models.NodeTypeHTTP},
			},
			code: "invalid_node",
		},
		{
			name: "component with unknown kind",
			def: &models.HTTPNode{
				NodeMeta: models.NodeMeta{ID: "H1", Name: "call", Type: models.NodeTypeHTTP},
				Request: &models.HTTPComponents{
					URL: &models.ComponentDetail[string]{Kind: "DYNAMIC", Value: "x"},
				},
			},
			code: "invalid_node",
		},
		{
			name: "missing name",
			def: &models.FailureNode{
				NodeMeta: models.NodeMeta{ID: "F1", Type: models.NodeTypeFailure},
			},
			code: "invalid_node",
		},
		{
			name: "merging a different type",
			prep: func(t *testing.T, f *fixture) {
				_, err := f.nodes.SaveSnapshot(context.Background(), tenant, successNode("N1", "x"))
				require.NoError(t, err)
			},
			def: &models.FailureNode{
				NodeMeta: models.NodeMeta{ID: "N1", Name: "oops", Type: models.NodeTypeFailure},
			},
			code: "node_type_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prep != nil {
				tt.prep(t, f)
			}

			_, err := f.nodes.SaveSnapshot(context.Background(), tenant, tt.def)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))

			var serviceErr *services.ServiceError
			require.ErrorAs(t, err, &serviceErr)
			assert.Equal(t, tt.code, serviceErr.Code)
		})
	}
}

func TestNode_SaveSnapshotRequiresID(t *testing.T) {
	f := newFixture(t)

	_, err := f.nodes.SaveSnapshot(context.Background(), tenant, &models.DelegateNode{})
	require.ErrorIs(t, err, services.ErrInvalidRequest)
}

func publishNodes(t *testing.T, f *fixture, defs ...models.NodeDefinition) {
	t.Helper()

	for _, def := range defs {
		_, err := f.nodes.SaveSnapshot(context.Background(), tenant, def)
		require.NoError(t, err)

		_, err = f.nodes.Publish(context.Background(), tenant, def.Meta().ID)
		require.NoError(t, err)
	}
}

func graph(states map[string]*models.WorkflowNode) *models.Workflow {
	return &models.Workflow{ID: "wf1", StartNode: "A", States: states}
}

func TestWorkflow_PublishValidatesGraph(t *testing.T) {
	tests := []struct {
		name    string
		states  map[string]*models.WorkflowNode
		wantErr bool
	}{
		{
			name: "valid",
			states: map[string]*models.WorkflowNode{
				"A": {ResourceID: "http", ResourceVersion: "1", Type: models.NodeTypeHTTP, NextNode: "B"},
				"B": {ResourceID: "ok", ResourceVersion: "1", Type: models.NodeTypeSuccess, End: true},
			},
		},
		{
			name: "dangling next node",
			states: map[string]*models.WorkflowNode{
				"A": {ResourceID: "http", ResourceVersion: "1", Type: models.NodeTypeHTTP, NextNode: "C"},
			},
			wantErr: true,
		},
		{
			name: "unpublished node version",
			states: map[string]*models.WorkflowNode{
				"A": {ResourceID: "http", ResourceVersion: "9", Type: models.NodeTypeHTTP},
			},
			wantErr: true,
		},
		{
			name: "graph type disagrees with definition",
			states: map[string]*models.WorkflowNode{
				"A": {ResourceID: "ok", ResourceVersion: "1", Type: models.NodeTypeHTTP},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			publishNodes(t, f, httpNode("http"), successNode("ok", "done"))

			_, err := f.workflows.SaveSnapshot(ctx, tenant, graph(tt.states))
			require.NoError(t, err)

			version, err := f.workflows.Publish(ctx, tenant, "wf1")
			if tt.wantErr {
				require.ErrorIs(t, err, services.ErrInvalidGraph)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, 1, version)

			stored, err := f.workflows.Get(ctx, tenant, "wf1", "1")
			require.NoError(t, err)
			assert.Equal(t, "1", stored.Version)
			assert.Equal(t, "B", stored.States["A"].NextNode)
			assert.Equal(t, "A", stored.States["A"].InstanceName)
			assert.Nil(t, stored.States["A"].Definition)
		})
	}
}

func TestWorkflow_SaveSnapshotReplacesStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflows.SaveSnapshot(ctx, tenant, graph(map[string]*models.WorkflowNode{
		"A": {ResourceID: "http", ResourceVersion: "1", Type: models.NodeTypeHTTP, NextNode: "B"},
		"B": {ResourceID: "ok", ResourceVersion: "1", Type: models.NodeTypeSuccess},
	}))
	require.NoError(t, err)

	saved, err := f.workflows.SaveSnapshot(ctx, tenant, &models.Workflow{
		ID:                 "wf1",
		DefaultFailureNode: "B",
	})
	require.NoError(t, err)
	assert.Equal(t, "A", saved.StartNode)
	assert.Equal(t, "B", saved.DefaultFailureNode)
	assert.Len(t, saved.States, 2)

	saved, err = f.workflows.SaveSnapshot(ctx, tenant, &models.Workflow{
		ID: "wf1",
		States: map[string]*models.WorkflowNode{
			"A": {ResourceID: "ok", ResourceVersion: "1", Type: models.NodeTypeSuccess},
		},
	})
	require.NoError(t, err)
	assert.Len(t, saved.States, 1)
	assert.Equal(t, models.NodeTypeSuccess, saved.States["A"].Type)
}

func TestWorkflow_SaveSnapshotValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.workflows.SaveSnapshot(context.Background(), tenant, &models.Workflow{ID: "wf1", StartNode: "A"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestIssue_Save(t *testing.T) {
	f := newFixture(t)
	issues := services.NewIssue(f.publishing, slog.Default())
	ctx := context.Background()

	tests := []struct {
		name    string
		mapping *models.IssueMapping
		wantErr bool
	}{
		{
			name:    "direct mapping",
			mapping: &models.IssueMapping{IssueID: "late-delivery", WorkflowID: "wf1", WorkflowVersion: "2"},
		},
		{
			name: "experiment mapping",
			mapping: &models.IssueMapping{
				IssueID: "refund",
				Experiment: &models.Experiment{Name: "refund-flow", Variants: []models.Variant{
					{Name: "control", WorkflowID: "wf1", Weight: 50},
					{Name: "treatment", WorkflowID: "wf2", Weight: 50},
				}},
			},
		},
		{
			name: "experiment without weight",
			mapping: &models.IssueMapping{
				IssueID: "refund",
				Experiment: &models.Experiment{Name: "refund-flow", Variants: []models.Variant{
					{Name: "control", WorkflowID: "wf1"},
				}},
			},
			wantErr: true,
		},
		{
			name:    "no workflow and no experiment",
			mapping: &models.IssueMapping{IssueID: "orphan"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := issues.Save(ctx, tenant, tt.mapping)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, services.IsValidationError(err))

				return
			}

			require.NoError(t, err)

			stored, err := issues.Get(ctx, tenant, tt.mapping.IssueID)
			require.NoError(t, err)
			assert.Equal(t, tt.mapping, stored)
		})
	}
}

func TestEnum_Save(t *testing.T) {
	f := newFixture(t)
	enums := services.NewEnum(f.publishing, slog.Default())
	ctx := context.Background()

	err := enums.Save(ctx, tenant, &models.EnumTable{ID: "tiers", Entries: map[string]any{"gold": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ENUM tiers_ACTIVE"}, f.invalidations.messages)
	assert.Equal(t, models.VersionActive, storedVersion(t, f.store, "tiers_ACTIVE"))

	err = enums.Save(ctx, tenant, &models.EnumTable{ID: "tiers"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}
