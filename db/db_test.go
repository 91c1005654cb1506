package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDriver(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/warden":   "pgx",
		"postgresql://u:p@localhost/warden": "pgx",
		"data/warden.db":                    "sqlite",
		"/tmp/x.db":                         "sqlite",
	}
	for dsn, want := range cases {
		if got := Driver(dsn); got != want {
			t.Errorf("Driver(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestMigrateSQLiteIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warden.db")
	database, driver, err := Connect(path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer database.Close()
	if driver != "sqlite" {
		t.Fatalf("driver = %q", driver)
	}
	for i := 0; i < 2; i++ {
		if err := RunMigrations(database, driver); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	if _, err := database.ExecContext(context.Background(), `INSERT INTO kv (key,value) VALUES ('a','1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestRunMigrationsPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	database, driver, err := Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer database.Close()
	if err := RunMigrations(database, driver); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, dirty, err := MigrationVersion(database)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 || dirty {
		t.Fatalf("version=%d dirty=%v", v, dirty)
	}
}
