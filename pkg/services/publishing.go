package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// Invalidations announces rewritten rows to every cache.
type Invalidations interface {
	Publish(ctx context.Context, tag models.EntityTag, tokens ...string)
}

// Publishing implements the version protocol shared by every entity tag:
// SNAPSHOT is the draft, each publish appends an immutable integer version
// and moves LATEST, and ACTIVE points at a chosen integer version.
type Publishing struct {
	store         persistence.Store
	invalidations Invalidations
	logger        *slog.Logger
}

// NewPublishing creates a new publishing service.
func NewPublishing(store persistence.Store, invalidations Invalidations, logger *slog.Logger) *Publishing {
	return &Publishing{
		store:         store,
		invalidations: invalidations,
		logger:        logger.With("module", "publishing"),
	}
}

// SaveSnapshot overwrites the draft of id.
func (p *Publishing) SaveSnapshot(ctx context.Context, tag models.EntityTag, tenant, id string, data json.RawMessage) error {
	key := models.RowKey(id, models.VersionSnapshot)

	_, err := p.store.Put(ctx, tenant, key, data)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	p.invalidations.Publish(ctx, tag, key)

	return nil
}

// Snapshot returns the draft of id.
func (p *Publishing) Snapshot(ctx context.Context, tenant, id string) (json.RawMessage, error) {
	row, err := p.store.Get(ctx, tenant, models.RowKey(id, models.VersionSnapshot))
	if persistence.IsRowNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return row.Data, nil
}

// Publish promotes the current snapshot of id to the next integer version.
func (p *Publishing) Publish(ctx context.Context, tag models.EntityTag, tenant, id string) (int, error) {
	data, err := p.Snapshot(ctx, tenant, id)
	if err != nil {
		return 0, err
	}

	return p.Promote(ctx, tag, tenant, id, data)
}

// Promote writes data as the next integer version and moves LATEST to it.
// The version row is create-only and LATEST is compare-and-set, so of two
// concurrent publishers exactly one wins and the other gets
// ErrVersionConflict. A version row above LATEST is left by a publish whose
// LATEST write failed: it is adopted when it holds the same document and
// skipped otherwise.
func (p *Publishing) Promote(ctx context.Context, tag models.EntityTag, tenant, id string, data json.RawMessage) (int, error) {
	latestKey := models.RowKey(id, models.VersionLatest)

	var (
		current        int
		latestRevision int64
	)

	latest, err := p.store.Get(ctx, tenant, latestKey)

	switch {
	case persistence.IsRowNotFound(err):
	case err != nil:
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	default:
		latestRevision = latest.Revision

		version, err := models.DocumentVersion(latest.Data)
		if err != nil {
			return 0, err
		}

		n, ok := models.ParseIntegerVersion(version)
		if !ok {
			return 0, fmt.Errorf("%w: latest row of %s carries version %q", ErrInvalidVersion, id, version)
		}

		current = n
	}

	highest, orphan, err := p.highestRelease(ctx, tenant, id)
	if err != nil {
		return 0, err
	}

	next := max(current, highest) + 1
	adopted := false

	if orphan != nil && highest > current {
		same, err := sameDocument(orphan.Data, data, strconv.Itoa(highest))
		if err != nil {
			return 0, err
		}

		if same {
			next = highest
			adopted = true
		}

		p.logger.WarnContext(ctx, "found version above latest",
			"tag", tag, "tenant", tenant, "id", id, "version", highest, "latest", current, "adopted", adopted)
	}

	nextVersion := strconv.Itoa(next)

	doc, err := models.WithDocumentVersion(data, nextVersion)
	if err != nil {
		return 0, err
	}

	versionKey := models.RowKey(id, nextVersion)

	if !adopted {
		created, err := p.store.PutIfAbsent(ctx, tenant, versionKey, doc)
		if err != nil {
			return 0, fmt.Errorf("failed to write version %d: %w", next, err)
		}

		if !created {
			return 0, fmt.Errorf("%w: %s", ErrVersionConflict, versionKey)
		}
	}

	var moved bool

	if latestRevision == 0 {
		moved, err = p.store.PutIfAbsent(ctx, tenant, latestKey, doc)
	} else {
		moved, err = p.store.PutIfRevision(ctx, tenant, latestKey, doc, latestRevision)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to move latest: %w", err)
	}

	if !moved {
		return 0, fmt.Errorf("%w: %s", ErrVersionConflict, latestKey)
	}

	p.invalidations.Publish(ctx, tag, versionKey, latestKey)

	p.logger.InfoContext(ctx, "published version", "tag", tag, "tenant", tenant, "id", id, "version", next)

	return next, nil
}

// highestRelease returns the largest integer version stored for id and its
// row, or zero and nil when id was never published.
func (p *Publishing) highestRelease(ctx context.Context, tenant, id string) (int, *persistence.Row, error) {
	rows, err := p.store.Scan(ctx, tenant, id+"_")
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list versions: %w", err)
	}

	var (
		highest int
		found   *persistence.Row
	)

	for _, row := range rows {
		rowID, version, ok := models.ParseRowKey(row.Key)
		if !ok || rowID != id {
			continue
		}

		if n, ok := models.ParseIntegerVersion(version); ok && n > highest {
			highest = n
			found = row
		}
	}

	return highest, found, nil
}

// sameDocument reports whether stored equals data stamped with version.
func sameDocument(stored, data json.RawMessage, version string) (bool, error) {
	stamped, err := models.WithDocumentVersion(data, version)
	if err != nil {
		return false, err
	}

	var a, b any

	err = json.Unmarshal(stored, &a)
	if err != nil {
		return false, fmt.Errorf("failed to decode stored version: %w", err)
	}

	err = json.Unmarshal(stamped, &b)
	if err != nil {
		return false, err
	}

	return reflect.DeepEqual(a, b), nil
}

// Activate points ACTIVE at an existing integer version.
func (p *Publishing) Activate(ctx context.Context, tag models.EntityTag, tenant, id, version string) error {
	if _, ok := models.ParseIntegerVersion(version); !ok {
		return fmt.Errorf("%w: only published versions can be activated, got %q", ErrInvalidVersion, version)
	}

	data, err := p.Get(ctx, tenant, id, version)
	if err != nil {
		return err
	}

	return p.SetActive(ctx, tag, tenant, id, data)
}

// SetActive writes the ACTIVE row directly, for entities without a
// publish step such as issue mappings and enum tables.
func (p *Publishing) SetActive(ctx context.Context, tag models.EntityTag, tenant, id string, data json.RawMessage) error {
	activeKey := models.RowKey(id, models.VersionActive)

	_, err := p.store.Put(ctx, tenant, activeKey, data)
	if err != nil {
		return fmt.Errorf("failed to write active version: %w", err)
	}

	p.invalidations.Publish(ctx, tag, activeKey)

	p.logger.InfoContext(ctx, "activated version", "tag", tag, "tenant", tenant, "id", id)

	return nil
}

// Get reads one stored version of id.
func (p *Publishing) Get(ctx context.Context, tenant, id, version string) (json.RawMessage, error) {
	key := models.RowKey(id, version)

	row, err := p.store.Get(ctx, tenant, key)
	if persistence.IsRowNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return row.Data, nil
}

// Versions lists the stored versions of id: integers ascending, then pointers.
func (p *Publishing) Versions(ctx context.Context, tenant, id string) ([]string, error) {
	rows, err := p.store.Scan(ctx, tenant, id+"_")
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	var (
		releases []int
		pointers []string
	)

	for _, row := range rows {
		rowID, version, ok := models.ParseRowKey(row.Key)
		if !ok || rowID != id {
			continue
		}

		if n, ok := models.ParseIntegerVersion(version); ok {
			releases = append(releases, n)
		} else if models.IsPointerVersion(version) {
			pointers = append(pointers, version)
		}
	}

	sort.Ints(releases)
	sort.Strings(pointers)

	out := make([]string, 0, len(releases)+len(pointers))
	for _, n := range releases {
		out = append(out, strconv.Itoa(n))
	}

	return append(out, pointers...), nil
}
