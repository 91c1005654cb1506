// Package main provides a CLI tool to migrate the stored OAuth token from plaintext to encrypted storage.
//
// The daemon reads plaintext tokens written before ENCRYPTION_KEY was set and
// only seals a token when it next authorizes. This tool seals the stored token
// in place so the plaintext copy does not linger until then.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//
// Environment Variables:
//
//	DB_DSN: Database connection string or SQLite path (default data/warden.db)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/channel-warden/crypto"
	"github.com/onnwee/channel-warden/db"
	"github.com/onnwee/channel-warden/store"
)

// Outcome of a migration run.
const (
	resultMissing  = "missing"
	resultSealed   = "already_sealed"
	resultDryRun   = "would_seal"
	resultMigrated = "sealed"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	sealer, err := crypto.NewAESSealer(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("error", err))
		os.Exit(1)
	}

	database, driver, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	result, err := migrateToken(ctx, store.NewSQL(database, driver), sealer, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully", slog.String("result", result), slog.Bool("dry_run", *dryRun))
}

// migrateToken seals the stored token if it is still plaintext.
func migrateToken(ctx context.Context, st store.Store, sealer crypto.Sealer, dryRun bool) (string, error) {
	var stored string
	ok, err := store.GetJSON(ctx, st, store.KeyToken, &stored)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if !ok || stored == "" {
		slog.Info("no stored token found to migrate")
		return resultMissing, nil
	}
	if crypto.IsSealed(stored) {
		// Make sure the key matches before reporting success.
		if _, err := sealer.Open(stored); err != nil {
			return "", errors.New("token is sealed with a different key")
		}
		slog.Info("token already encrypted")
		return resultSealed, nil
	}
	if dryRun {
		slog.Info("would migrate token (dry-run)")
		return resultDryRun, nil
	}

	sealed, err := sealer.Seal(stored)
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	if err := store.SetJSON(ctx, st, store.KeyToken, sealed); err != nil {
		return "", fmt.Errorf("update token: %w", err)
	}
	slog.Info("migrated token successfully")
	return resultMigrated, nil
}
