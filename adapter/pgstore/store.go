// Package pgstore keeps xgate's durable state in one PostgreSQL table.
//
// Store name: "postgres"
//
// Rows are (bucket, key, value, updated_at). Counters are rows whose value
// is the decimal text of the count, updated with a single upsert so
// concurrent Incr calls never lose an increment.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/trickstertwo/xgate"
)

const StoreName = "postgres"

func init() {
	if err := xgate.RegisterStore(StoreName, func(cfg map[string]any) (xgate.Store, error) {
		return Open(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate/pgstore: failed to register store: %w", err))
	}
}

type queries struct {
	migrate, get, set, del, incr, keys string
}

func buildQueries(table string) queries {
	return queries{
		migrate: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, key)
		)`,
		get: `SELECT value FROM ` + table + ` WHERE bucket = $1 AND key = $2`,
		set: `
			INSERT INTO ` + table + ` (bucket, key, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		del: `DELETE FROM ` + table + ` WHERE bucket = $1 AND key = $2`,
		incr: `
			INSERT INTO ` + table + ` AS t (bucket, key, value, updated_at)
			VALUES ($1, $2, convert_to($3::bigint::text, 'UTF8'), now())
			ON CONFLICT (bucket, key) DO UPDATE
			SET value = convert_to((convert_from(t.value, 'UTF8')::bigint + $3::bigint)::text, 'UTF8'),
			    updated_at = now()
			RETURNING convert_from(value, 'UTF8')::bigint`,
		keys: `SELECT key FROM ` + table + ` WHERE bucket = $1`,
	}
}

// Store is an xgate.Store over database/sql with the lib/pq driver.
type Store struct {
	db *sql.DB
	q  queries
}

var _ xgate.Store = (*Store)(nil)

// Open connects, pings and migrates when configured to.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xgate.StoreError("ping", err)
	}
	s := New(db, cfg.Table)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open database. The table name must already be validated.
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, q: buildQueries(table)}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q.migrate)
	return xgate.StoreError("migrate", err)
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.q.get, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xgate.StoreError("get", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, bucket, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.q.set, bucket, key, value)
	return xgate.StoreError("set", err)
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, s.q.del, bucket, key)
	return xgate.StoreError("delete", err)
}

func (s *Store) Incr(ctx context.Context, bucket, key string, delta int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q.incr, bucket, key, delta).Scan(&n); err != nil {
		return 0, xgate.StoreError("incr", err)
	}
	return n, nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q.keys, bucket)
	if err != nil {
		return nil, xgate.StoreError("keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, xgate.StoreError("keys", err)
		}
		keys = append(keys, k)
	}
	return keys, xgate.StoreError("keys", rows.Err())
}

func (s *Store) Close() error { return s.db.Close() }
