package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dukex/nodeflow/pkg/persistence"
)

// Store keeps rows in the entity_rows table.
type Store struct {
	db *sql.DB
}

var _ persistence.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, tenant, key string) (*persistence.Row, error) {
	query := `SELECT row_key, revision, data, updated_at FROM entity_rows WHERE tenant = $1 AND row_key = $2`

	row, err := scanRow(s.db.QueryRowContext(ctx, query, tenant, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRowError("Get", tenant, key, persistence.ErrRowNotFound)
	}

	if err != nil {
		return nil, persistence.NewRowError("Get", tenant, key, err)
	}

	return row, nil
}

func (s *Store) Put(ctx context.Context, tenant, key string, data json.RawMessage) (int64, error) {
	query := `
		INSERT INTO entity_rows (tenant, row_key, revision, data, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (tenant, row_key) DO UPDATE SET
			revision = entity_rows.revision + 1,
			data = EXCLUDED.data,
			updated_at = NOW()
		RETURNING revision`

	var revision int64

	err := s.db.QueryRowContext(ctx, query, tenant, key, string(data)).Scan(&revision)
	if err != nil {
		return 0, persistence.NewRowError("Put", tenant, key, err)
	}

	return revision, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, tenant, key string, data json.RawMessage) (bool, error) {
	query := `
		INSERT INTO entity_rows (tenant, row_key, revision, data, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (tenant, row_key) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, tenant, key, string(data))
	if err != nil {
		return false, persistence.NewRowError("PutIfAbsent", tenant, key, err)
	}

	return affectedOne(result)
}

func (s *Store) PutIfRevision(ctx context.Context, tenant, key string, data json.RawMessage, revision int64) (bool, error) {
	query := `
		UPDATE entity_rows SET revision = revision + 1, data = $3, updated_at = NOW()
		WHERE tenant = $1 AND row_key = $2 AND revision = $4`

	result, err := s.db.ExecContext(ctx, query, tenant, key, string(data), revision)
	if err != nil {
		return false, persistence.NewRowError("PutIfRevision", tenant, key, err)
	}

	return affectedOne(result)
}

func (s *Store) Scan(ctx context.Context, tenant, prefix string) ([]*persistence.Row, error) {
	query := `
		SELECT row_key, revision, data, updated_at FROM entity_rows
		WHERE tenant = $1 AND row_key LIKE $2 ESCAPE '\'
		ORDER BY row_key COLLATE "C"`

	rows, err := s.db.QueryContext(ctx, query, tenant, escapeLike(prefix)+"%")
	if err != nil {
		return nil, persistence.NewRowError("Scan", tenant, prefix, err)
	}
	defer rows.Close()

	out := make([]*persistence.Row, 0)

	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, persistence.NewRowError("Scan", tenant, prefix, err)
		}

		out = append(out, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewRowError("Scan", tenant, prefix, err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (*persistence.Row, error) {
	var (
		row  persistence.Row
		data []byte
	)

	err := scanner.Scan(&row.Key, &row.Revision, &data, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}

	row.Data = json.RawMessage(data)

	return &row, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
