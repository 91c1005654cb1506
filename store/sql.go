package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SQLStore persists keys in the kv table created by db.Migrate. It works with
// both the pgx (postgres) and modernc (sqlite) drivers.
type SQLStore struct {
	notifier
	db       *sql.DB
	postgres bool
}

// NewSQL wraps an open database. driver is the database/sql driver name the
// connection was opened with ("pgx" or "sqlite").
func NewSQL(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, postgres: driver == "pgx"}
}

// rebind rewrites '?' placeholders into '$n' for postgres.
func (s *SQLStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key=?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := s.get(ctx, key)
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return v, ok, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	old, _, _ := s.get(ctx, key)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO kv (key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`),
		key, string(value), time.Now().UTC())
	if err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	s.notify(Change{Key: key, Old: old, New: value})
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	old, existed, _ := s.get(ctx, key)
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv WHERE key=?`), key); err != nil {
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	if existed {
		s.notify(Change{Key: key, Old: old, Removed: true})
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
