// Package db provides connection helpers and schema migration for the kv table
// that backs the persistent store. Postgres (pgx) is used when DB_DSN is a
// postgres URL; otherwise DB_DSN is treated as a SQLite file path (modernc, no cgo).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // sqlite driver registered as 'sqlite'
)

// DefaultDSN is the local SQLite file used when DB_DSN is unset.
const DefaultDSN = "data/warden.db"

// Driver returns the database/sql driver name for a DSN.
func Driver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// Connect opens the database named by dsn and returns it with its driver name.
func Connect(dsn string) (*sql.DB, string, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	driver := Driver(dsn)
	if driver == "sqlite" {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		dsn = "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", err
	}
	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY between concurrent store writes.
		database.SetMaxOpenConns(1)
	}
	slog.Info("database opened", slog.String("driver", driver), slog.String("component", "db"))
	return database, driver, nil
}

// Migrate applies the idempotent embedded schema. It works on both drivers.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	ts := "TIMESTAMP"
	if driver == "pgx" {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at ` + ts + `
		)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", driver, i, err)
		}
	}
	return nil
}
