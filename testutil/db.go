package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/channel-warden/db"
	"github.com/onnwee/channel-warden/store"
)

// SetupTestDB connects to TEST_PG_DSN and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, driver, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.RunMigrations(database, driver); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(context.Background(), `DELETE FROM kv`); err != nil {
		t.Fatalf("failed to reset kv: %v", err)
	}
	return database
}

// SQLiteStore returns a store backed by a fresh SQLite file in t.TempDir().
func SQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	database, driver, err := db.Connect(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database, driver); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return store.NewSQL(database, driver)
}
