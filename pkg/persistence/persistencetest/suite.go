// Package persistencetest holds the behaviour every persistence
// implementation must share, run against each backend from its own tests.
package persistencetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreSuite exercises the row store contract.
func RunStoreSuite(t *testing.T, store persistence.Store) {
	t.Helper()

	ctx := context.Background()

	t.Run("get missing row", func(t *testing.T) {
		_, err := store.Get(ctx, "suite", "missing_1")
		require.Error(t, err)
		assert.True(t, persistence.IsRowNotFound(err))
	})

	t.Run("put bumps revision", func(t *testing.T) {
		rev, err := store.Put(ctx, "suite", "put_SNAPSHOT", json.RawMessage(`{"v":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), rev)

		rev, err = store.Put(ctx, "suite", "put_SNAPSHOT", json.RawMessage(`{"v":2}`))
		require.NoError(t, err)
		assert.Equal(t, int64(2), rev)

		row, err := store.Get(ctx, "suite", "put_SNAPSHOT")
		require.NoError(t, err)
		assert.Equal(t, int64(2), row.Revision)
		assert.JSONEq(t, `{"v":2}`, string(row.Data))
		assert.Equal(t, "put_SNAPSHOT", row.Key)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		_, err := store.Put(ctx, "tenant-a", "iso_1", json.RawMessage(`{"t":"a"}`))
		require.NoError(t, err)

		_, err = store.Get(ctx, "tenant-b", "iso_1")
		assert.True(t, persistence.IsRowNotFound(err))
	})

	t.Run("put if absent", func(t *testing.T) {
		created, err := store.PutIfAbsent(ctx, "suite", "absent_1", json.RawMessage(`{"first":true}`))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.PutIfAbsent(ctx, "suite", "absent_1", json.RawMessage(`{"first":false}`))
		require.NoError(t, err)
		assert.False(t, created)

		row, err := store.Get(ctx, "suite", "absent_1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"first":true}`, string(row.Data))
	})

	t.Run("put if revision", func(t *testing.T) {
		rev, err := store.Put(ctx, "suite", "cas_LATEST", json.RawMessage(`{"version":"1"}`))
		require.NoError(t, err)

		ok, err := store.PutIfRevision(ctx, "suite", "cas_LATEST", json.RawMessage(`{"version":"2"}`), rev+5)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.PutIfRevision(ctx, "suite", "cas_LATEST", json.RawMessage(`{"version":"2"}`), rev)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.PutIfRevision(ctx, "suite", "cas_missing", json.RawMessage(`{}`), 1)
		require.NoError(t, err)
		assert.False(t, ok)

		row, err := store.Get(ctx, "suite", "cas_LATEST")
		require.NoError(t, err)
		assert.Equal(t, rev+1, row.Revision)
	})

	t.Run("concurrent put if absent has one winner", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				created, err := store.PutIfAbsent(ctx, "suite", "race_2", json.RawMessage(`{}`))
				assert.NoError(t, err)

				if created {
					winners.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("scan by prefix", func(t *testing.T) {
		for _, key := range []string{"scan_1", "scan_2", "scan_LATEST", "scanner_1", "other_1"} {
			_, err := store.Put(ctx, "scan-tenant", key, json.RawMessage(`{}`))
			require.NoError(t, err)
		}

		rows, err := store.Scan(ctx, "scan-tenant", "scan_")
		require.NoError(t, err)

		keys := make([]string, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, row.Key)
		}

		assert.Equal(t, []string{"scan_1", "scan_2", "scan_LATEST"}, keys)
	})
}

// RunContextSuite exercises the context store contract.
func RunContextSuite(t *testing.T, contexts persistence.ContextStore) {
	t.Helper()

	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		_, err := contexts.Load(ctx, "nope")
		assert.True(t, persistence.IsContextNotFound(err))
	})

	t.Run("create load merge", func(t *testing.T) {
		initial := models.Context{"input": map[string]any{"id": "42"}}
		initial.SetPerfTest(true)

		require.NoError(t, contexts.Create(ctx, "wf-1", initial))

		err := contexts.Create(ctx, "wf-1", models.Context{})
		assert.True(t, persistence.IsContextExists(err))

		require.NoError(t, contexts.Merge(ctx, "wf-1", models.Context{"A": map[string]any{"ok": true}}))
		require.NoError(t, contexts.Merge(ctx, "wf-1", models.Context{"A": map[string]any{"ok": false}, "B": "done"}))

		doc, err := contexts.Load(ctx, "wf-1")
		require.NoError(t, err)

		assert.Equal(t, map[string]any{"id": "42"}, doc["input"])
		assert.Equal(t, map[string]any{"ok": false}, doc["A"])
		assert.Equal(t, "done", doc["B"])
		assert.True(t, doc.PerfTest())
	})

	t.Run("empty document still exists", func(t *testing.T) {
		require.NoError(t, contexts.Create(ctx, "wf-empty", models.Context{}))

		doc, err := contexts.Load(ctx, "wf-empty")
		require.NoError(t, err)
		assert.Empty(t, doc)
	})

	t.Run("merge into missing document", func(t *testing.T) {
		err := contexts.Merge(ctx, "wf-missing", models.Context{"A": 1})
		assert.True(t, persistence.IsContextNotFound(err))
	})
}
