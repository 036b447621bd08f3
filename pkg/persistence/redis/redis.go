// Package redis provides a Redis persistence implementation: one hash per row,
// a lexicographic key index per tenant, and one hash per context document.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "nodeflow:"

	fieldRevision = "rev"
	fieldData     = "data"
	fieldUpdated  = "updated"

	// createdField marks a context document that exists but has no keys yet.
	createdField = "\x00created"
)

// Lua scripts for atomic operations.
var (
	putScript = redis.NewScript(`
		local rev = redis.call('HINCRBY', KEYS[1], 'rev', 1)
		redis.call('HSET', KEYS[1], 'data', ARGV[1], 'updated', ARGV[2])
		redis.call('ZADD', KEYS[2], 0, ARGV[3])
		return rev
	`)

	putIfAbsentScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'rev', 1, 'data', ARGV[1], 'updated', ARGV[2])
		redis.call('ZADD', KEYS[2], 0, ARGV[3])
		return 1
	`)

	putIfRevisionScript = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'rev')
		if not current or tonumber(current) ~= tonumber(ARGV[3]) then
			return 0
		end
		redis.call('HSET', KEYS[1], 'rev', tonumber(ARGV[3]) + 1, 'data', ARGV[1], 'updated', ARGV[2])
		return 1
	`)

	createContextScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], unpack(ARGV))
		return 1
	`)

	mergeContextScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		if #ARGV > 0 then
			redis.call('HSET', KEYS[1], unpack(ARGV))
		end
		return 1
	`)
)

// Persistence implements persistence.Persistence on a Redis client.
type Persistence struct {
	client   redis.UniversalClient
	logger   *slog.Logger
	store    *Store
	contexts *ContextStore
}

// NewPersistence connects using a redis:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	options, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return New(client, logger), nil
}

func New(client redis.UniversalClient, logger *slog.Logger) *Persistence {
	return &Persistence{
		client:   client,
		logger:   logger,
		store:    NewStore(client, defaultPrefix),
		contexts: NewContextStore(client, defaultPrefix),
	}
}

func (p *Persistence) Store() persistence.Store { return p.store }

func (p *Persistence) Contexts() persistence.ContextStore { return p.contexts }

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(context.Context) error {
	return p.client.Close()
}

// Store keeps each row in a hash and each tenant's keys in a sorted set
// scored 0, so prefix scans are lexicographic range reads.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ persistence.Store = (*Store)(nil)

func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) rowKey(tenant, key string) string {
	return s.prefix + "row:" + tenant + ":" + key
}

func (s *Store) indexKey(tenant string) string {
	return s.prefix + "rows:" + tenant
}

func (s *Store) Get(ctx context.Context, tenant, key string) (*persistence.Row, error) {
	fields, err := s.client.HGetAll(ctx, s.rowKey(tenant, key)).Result()
	if err != nil {
		return nil, persistence.NewRowError("Get", tenant, key, err)
	}

	if len(fields) == 0 {
		return nil, persistence.NewRowError("Get", tenant, key, persistence.ErrRowNotFound)
	}

	row, err := decodeRow(key, fields)
	if err != nil {
		return nil, persistence.NewRowError("Get", tenant, key, err)
	}

	return row, nil
}

func (s *Store) Put(ctx context.Context, tenant, key string, data json.RawMessage) (int64, error) {
	rev, err := putScript.Run(ctx, s.client,
		[]string{s.rowKey(tenant, key), s.indexKey(tenant)},
		string(data), s.timestamp(), key,
	).Int64()
	if err != nil {
		return 0, persistence.NewRowError("Put", tenant, key, err)
	}

	return rev, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, tenant, key string, data json.RawMessage) (bool, error) {
	created, err := putIfAbsentScript.Run(ctx, s.client,
		[]string{s.rowKey(tenant, key), s.indexKey(tenant)},
		string(data), s.timestamp(), key,
	).Int()
	if err != nil {
		return false, persistence.NewRowError("PutIfAbsent", tenant, key, err)
	}

	return created == 1, nil
}

func (s *Store) PutIfRevision(ctx context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	updated, err := putIfRevisionScript.Run(ctx, s.client,
		[]string{s.rowKey(tenant, key)},
		string(data), s.timestamp(), revision,
	).Int()
	if err != nil {
		return false, persistence.NewRowError("PutIfRevision", tenant, key, err)
	}

	return updated == 1, nil
}

func (s *Store) Scan(ctx context.Context, tenant, prefix string) ([]*persistence.Row, error) {
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(tenant), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, persistence.NewRowError("Scan", tenant, prefix, err)
	}

	if len(keys) == 0 {
		return []*persistence.Row{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.rowKey(tenant, key))
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewRowError("Scan", tenant, prefix, err)
	}

	rows := make([]*persistence.Row, 0, len(keys))

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}

		row, err := decodeRow(keys[i], fields)
		if err != nil {
			return nil, persistence.NewRowError("Scan", tenant, keys[i], err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func decodeRow(key string, fields map[string]string) (*persistence.Row, error) {
	revision, err := strconv.ParseInt(fields[fieldRevision], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid revision: %w", err)
	}

	updated, err := time.Parse(time.RFC3339Nano, fields[fieldUpdated])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	return &persistence.Row{
		Key:       key,
		Revision:  revision,
		Data:      json.RawMessage(fields[fieldData]),
		UpdatedAt: updated,
	}, nil
}

// ContextStore keeps one hash per workflow instance, one field per context key.
type ContextStore struct {
	client redis.UniversalClient
	prefix string
}

var _ persistence.ContextStore = (*ContextStore)(nil)

func NewContextStore(client redis.UniversalClient, prefix string) *ContextStore {
	return &ContextStore{client: client, prefix: prefix}
}

func (s *ContextStore) key(workflowID string) string {
	return s.prefix + "ctx:" + workflowID
}

func (s *ContextStore) Create(ctx context.Context, workflowID string, doc models.Context) error {
	args, err := fieldArgs(doc)
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	args = append(args, createdField, "1")

	created, err := createContextScript.Run(ctx, s.client, []string{s.key(workflowID)}, args...).Int()
	if err != nil {
		return persistence.NewContextError("Create", workflowID, err)
	}

	if created == 0 {
		return persistence.NewContextError("Create", workflowID, persistence.ErrContextExists)
	}

	return nil
}

func (s *ContextStore) Load(ctx context.Context, workflowID string) (models.Context, error) {
	fields, err := s.client.HGetAll(ctx, s.key(workflowID)).Result()
	if err != nil {
		return nil, persistence.NewContextError("Load", workflowID, err)
	}

	if len(fields) == 0 {
		return nil, persistence.NewContextError("Load", workflowID, persistence.ErrContextNotFound)
	}

	doc := make(models.Context, len(fields))

	for key, raw := range fields {
		if key == createdField {
			continue
		}

		var value any

		err := json.Unmarshal([]byte(raw), &value)
		if err != nil {
			return nil, persistence.NewContextError("Load", workflowID, fmt.Errorf("field %s: %w", key, err))
		}

		doc[key] = value
	}

	return doc, nil
}

func (s *ContextStore) Merge(ctx context.Context, workflowID string, patch models.Context) error {
	args, err := fieldArgs(patch)
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	merged, err := mergeContextScript.Run(ctx, s.client, []string{s.key(workflowID)}, args...).Int()
	if err != nil {
		return persistence.NewContextError("Merge", workflowID, err)
	}

	if merged == 0 {
		return persistence.NewContextError("Merge", workflowID, persistence.ErrContextNotFound)
	}

	return nil
}

func fieldArgs(doc models.Context) ([]any, error) {
	args := make([]any, 0, len(doc)*2+2)

	for key, value := range doc {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		args = append(args, key, string(raw))
	}

	return args, nil
}
