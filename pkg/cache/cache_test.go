package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// countingSource wraps a store, counting fetches and optionally holding them
// until gate is closed.
type countingSource struct {
	store   persistence.Store
	fetches atomic.Int32
	gate    chan struct{}
	fail    atomic.Bool
}

func (s *countingSource) Fetch(ctx context.Context, tenant, rowKey string) (json.RawMessage, error) {
	s.fetches.Add(1)

	if s.gate != nil {
		<-s.gate
	}

	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}

	return StoreSource{Store: s.store}.Fetch(ctx, tenant, rowKey)
}

type doc struct {
	Name string `json:"name"`
}

func decodeDoc(raw json.RawMessage) (*doc, error) {
	var d doc

	err := json.Unmarshal(raw, &d)
	if err != nil {
		return nil, err
	}

	return &d, nil
}

func newTestCache(t *testing.T, source Source[json.RawMessage]) (*VersionedCache[*doc, json.RawMessage], *fakeClock) {
	t.Helper()

	c, err := New(Config[*doc, json.RawMessage]{
		Tag:          models.EntityWorkflow,
		RefreshAfter: time.Minute,
		MaxSize:      100,
		Decode:       decodeDoc,
	}, source, slog.Default())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now

	t.Cleanup(c.Close)

	return c, clock
}

func put(t *testing.T, store persistence.Store, tenant, key, name string) {
	t.Helper()

	_, err := store.Put(context.Background(), tenant, key, json.RawMessage(`{"name":"`+name+`"}`))
	require.NoError(t, err)
}

func TestVersionedCache_MissThenHit(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_SNAPSHOT", "draft")

	source := &countingSource{store: store}
	c, _ := newTestCache(t, source)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, ok := c.Get(ctx, "wf1", "SNAPSHOT", "acme")
		require.True(t, ok)
		assert.Equal(t, "draft", got.Name)
	}

	assert.Equal(t, int32(1), source.fetches.Load())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestVersionedCache_InvalidateForcesOneReload(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_SNAPSHOT", "v1")

	source := &countingSource{store: store}
	c, _ := newTestCache(t, source)
	ctx := context.Background()

	_, ok := c.Get(ctx, "wf1", "SNAPSHOT", "acme")
	require.True(t, ok)

	put(t, store, "acme", "wf1_SNAPSHOT", "v2")
	c.Invalidate("wf1_SNAPSHOT")

	for i := 0; i < 3; i++ {
		got, ok := c.Get(ctx, "wf1", "SNAPSHOT", "acme")
		require.True(t, ok)
		assert.Equal(t, "v2", got.Name)
	}

	assert.Equal(t, int32(2), source.fetches.Load())
}

func TestVersionedCache_ConcurrentMissesCollapse(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_1", "released")

	source := &countingSource{store: store, gate: make(chan struct{})}
	c, _ := newTestCache(t, source)

	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		started.Add(1)

		go func() {
			defer wg.Done()

			started.Done()

			got, ok := c.Get(context.Background(), "wf1", "1", "acme")
			assert.True(t, ok)
			assert.Equal(t, "released", got.Name)
		}()
	}

	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	assert.Equal(t, int32(1), source.fetches.Load())
}

func TestVersionedCache_FailuresAreNotCached(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_ACTIVE", "live")

	source := &countingSource{store: store}
	source.fail.Store(true)

	c, _ := newTestCache(t, source)
	ctx := context.Background()

	_, ok := c.Get(ctx, "wf1", "ACTIVE", "acme")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	_, ok = c.Get(ctx, "missing", "ACTIVE", "acme")
	assert.False(t, ok)

	source.fail.Store(false)

	got, ok := c.Get(ctx, "wf1", "ACTIVE", "acme")
	require.True(t, ok)
	assert.Equal(t, "live", got.Name)
	assert.Equal(t, int64(2), c.Stats().LoadFailures)
}

func TestVersionedCache_RefreshAheadServesStale(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_LATEST", "old")

	source := &countingSource{store: store}
	c, clock := newTestCache(t, source)
	ctx := context.Background()

	_, ok := c.Get(ctx, "wf1", "LATEST", "acme")
	require.True(t, ok)

	put(t, store, "acme", "wf1_LATEST", "new")
	clock.Advance(2 * time.Minute)

	got, ok := c.Get(ctx, "wf1", "LATEST", "acme")
	require.True(t, ok)
	assert.Equal(t, "old", got.Name)

	require.Eventually(t, func() bool {
		got, ok := c.Get(ctx, "wf1", "LATEST", "acme")

		return ok && got.Name == "new"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), c.Stats().Refreshes)
}

func TestVersionedCache_RefreshDropsDeletedRow(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_LATEST", "old")

	c, _ := newTestCache(t, &countingSource{store: memory.NewStore()})
	ctx := context.Background()

	// Seed through a source that has the row, then swap to one that does not.
	c.source = &countingSource{store: store}
	_, ok := c.Get(ctx, "wf1", "LATEST", "acme")
	require.True(t, ok)

	c.source = &countingSource{store: memory.NewStore()}
	require.True(t, c.Refresh(ctx, "wf1", "LATEST", "acme"))

	require.Eventually(t, func() bool { return c.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestVersionedCache_InvalidateAcrossTenants(t *testing.T) {
	store := memory.NewStore()
	put(t, store, "acme", "wf1_ACTIVE", "a")
	put(t, store, "globex", "wf1_ACTIVE", "g")
	put(t, store, "acme", "wf2_ACTIVE", "other")

	c, _ := newTestCache(t, &countingSource{store: store})
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		_, ok := c.Get(ctx, "wf1", "ACTIVE", tenant)
		require.True(t, ok)
	}

	_, ok := c.Get(ctx, "wf2", "ACTIVE", "acme")
	require.True(t, ok)
	require.Equal(t, 3, c.Len())

	c.Invalidate("wf1_ACTIVE")
	assert.Equal(t, 1, c.Len())

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
}

func TestNew_RequiresDecode(t *testing.T) {
	_, err := New(Config[*doc, json.RawMessage]{Tag: models.EntityNode}, StoreSource{}, slog.Default())
	assert.Error(t, err)
}
