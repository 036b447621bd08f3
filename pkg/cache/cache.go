// Package cache keeps versioned entity rows hot for the runtime. Entries are
// loaded synchronously on a miss and reloaded in the background once they
// are older than the refresh interval, while the stale value keeps being
// served.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshAfter   = 5 * time.Minute
	DefaultMaxSize        = 10_000
	DefaultRefreshWorkers = 4
	refreshTimeout        = 30 * time.Second
)

// Source fetches the stored form of one row.
type Source[D any] interface {
	Fetch(ctx context.Context, tenant, rowKey string) (D, error)
}

// StoreSource reads rows from a persistence.Store.
type StoreSource struct {
	Store persistence.Store
}

func (s StoreSource) Fetch(ctx context.Context, tenant, rowKey string) (json.RawMessage, error) {
	row, err := s.Store.Get(ctx, tenant, rowKey)
	if err != nil {
		return nil, err
	}

	return row.Data, nil
}

type Config[A, D any] struct {
	Tag            models.EntityTag
	RefreshAfter   time.Duration
	MaxSize        int
	RefreshWorkers int
	Decode         func(D) (A, error)
}

type Stats struct {
	Hits         int64
	Misses       int64
	Loads        int64
	LoadFailures int64
	Refreshes    int64
}

type key struct {
	tenant string
	rowKey string
}

type entry[A any] struct {
	value      A
	loadedAt   time.Time
	refreshing atomic.Bool
}

// VersionedCache maps (tenant, "<id>_<version>") to a decoded entity.
// A failed load is reported as a miss and is never cached.
type VersionedCache[A, D any] struct {
	config  Config[A, D]
	source  Source[D]
	entries *lru.Cache[key, *entry[A]]
	loads   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time

	// generation moves on every invalidation so loads that started before it
	// do not write back what they fetched.
	generation atomic.Uint64

	refreshers *errgroup.Group
	ctx        context.Context
	cancel     context.CancelFunc

	hits, misses, loadCount, loadFailures, refreshes atomic.Int64
}

func New[A, D any](config Config[A, D], source Source[D], logger *slog.Logger) (*VersionedCache[A, D], error) {
	if config.Decode == nil {
		return nil, errors.New("cache decode function is required")
	}

	if config.RefreshAfter <= 0 {
		config.RefreshAfter = DefaultRefreshAfter
	}

	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}

	if config.RefreshWorkers <= 0 {
		config.RefreshWorkers = DefaultRefreshWorkers
	}

	entries, err := lru.New[key, *entry[A]](config.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", config.Tag, err)
	}

	refreshers := &errgroup.Group{}
	refreshers.SetLimit(config.RefreshWorkers)

	ctx, cancel := context.WithCancel(context.Background())

	return &VersionedCache[A, D]{
		config:     config,
		source:     source,
		entries:    entries,
		logger:     logger.With("module", "versioned_cache", "tag", string(config.Tag)),
		now:        time.Now,
		refreshers: refreshers,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (c *VersionedCache[A, D]) Tag() models.EntityTag { return c.config.Tag }

// Get returns the entity for id at version. A miss loads synchronously; a hit
// older than RefreshAfter schedules a background reload and returns the
// current value immediately.
func (c *VersionedCache[A, D]) Get(ctx context.Context, id, version, tenant string) (A, bool) {
	k := key{tenant: tenant, rowKey: models.RowKey(id, version)}

	if e, ok := c.entries.Get(k); ok {
		c.hits.Add(1)

		if c.now().Sub(e.loadedAt) >= c.config.RefreshAfter {
			c.scheduleRefresh(k, e)
		}

		return e.value, true
	}

	c.misses.Add(1)

	value, err, _ := c.loads.Do(k.tenant+"\x00"+k.rowKey, func() (any, error) {
		if e, ok := c.entries.Peek(k); ok {
			return e.value, nil
		}

		return c.load(context.WithoutCancel(ctx), k)
	})
	if err != nil {
		var zero A

		return zero, false
	}

	return value.(A), true
}

// Refresh reloads one entry in the background. It reports whether the
// reload was accepted by the worker pool.
func (c *VersionedCache[A, D]) Refresh(_ context.Context, id, version, tenant string) bool {
	k := key{tenant: tenant, rowKey: models.RowKey(id, version)}

	e, ok := c.entries.Peek(k)
	if !ok {
		e = &entry[A]{}
	}

	return c.scheduleRefresh(k, e)
}

// Invalidate drops rowKey for every tenant.
func (c *VersionedCache[A, D]) Invalidate(rowKey string) {
	c.generation.Add(1)

	removed := 0

	for _, k := range c.entries.Keys() {
		if k.rowKey == rowKey && c.entries.Remove(k) {
			removed++
		}
	}

	c.logger.Debug("invalidated row", "row_key", rowKey, "removed", removed)
}

func (c *VersionedCache[A, D]) InvalidateAll() {
	c.generation.Add(1)
	c.entries.Purge()

	c.logger.Debug("invalidated all rows")
}

func (c *VersionedCache[A, D]) Len() int { return c.entries.Len() }

func (c *VersionedCache[A, D]) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Loads:        c.loadCount.Load(),
		LoadFailures: c.loadFailures.Load(),
		Refreshes:    c.refreshes.Load(),
	}
}

// Close stops accepting refreshes and waits for the running ones.
func (c *VersionedCache[A, D]) Close() {
	c.cancel()
	_ = c.refreshers.Wait()
}

func (c *VersionedCache[A, D]) load(ctx context.Context, k key) (A, error) {
	generation := c.generation.Load()

	value, err := c.fetch(ctx, k)
	if err != nil {
		var zero A

		return zero, err
	}

	if c.generation.Load() == generation {
		c.entries.Add(k, &entry[A]{value: value, loadedAt: c.now()})
	}

	return value, nil
}

func (c *VersionedCache[A, D]) fetch(ctx context.Context, k key) (A, error) {
	var zero A

	c.loadCount.Add(1)

	stored, err := c.source.Fetch(ctx, k.tenant, k.rowKey)
	if err != nil {
		c.loadFailures.Add(1)

		if persistence.IsRowNotFound(err) {
			c.logger.DebugContext(ctx, "row not found", "tenant", k.tenant, "row_key", k.rowKey)
		} else {
			c.logger.WarnContext(ctx, "failed to load row", "tenant", k.tenant, "row_key", k.rowKey, "error", err)
		}

		return zero, err
	}

	value, err := c.config.Decode(stored)
	if err != nil {
		c.loadFailures.Add(1)
		c.logger.WarnContext(ctx, "failed to decode row", "tenant", k.tenant, "row_key", k.rowKey, "error", err)

		return zero, err
	}

	return value, nil
}

func (c *VersionedCache[A, D]) scheduleRefresh(k key, e *entry[A]) bool {
	if c.ctx.Err() != nil || !e.refreshing.CompareAndSwap(false, true) {
		return false
	}

	accepted := c.refreshers.TryGo(func() error {
		defer e.refreshing.Store(false)

		c.reload(k, e)

		return nil
	})
	if !accepted {
		e.refreshing.Store(false)
		c.logger.Debug("refresh pool saturated, serving stale entry", "tenant", k.tenant, "row_key", k.rowKey)
	}

	return accepted
}

func (c *VersionedCache[A, D]) reload(k key, stale *entry[A]) {
	ctx, cancel := context.WithTimeout(c.ctx, refreshTimeout)
	defer cancel()

	c.refreshes.Add(1)

	generation := c.generation.Load()

	value, err := c.fetch(ctx, k)

	switch {
	case persistence.IsRowNotFound(err):
		if current, ok := c.entries.Peek(k); ok && current == stale {
			c.entries.Remove(k)
		}
	case err != nil:
		// keep serving the stale value
	case c.generation.Load() == generation:
		c.entries.Add(k, &entry[A]{value: value, loadedAt: c.now()})
	}
}
