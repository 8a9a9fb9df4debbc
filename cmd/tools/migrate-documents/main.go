// Command migrate-documents copies the JSON credential and account documents
// into Postgres so a panel can switch storage drivers without losing state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"tubepanel/internal/storage"
)

func main() {
	dataDir := flag.String("data-dir", "data", "directory holding users.json and accounts.json")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (TUBEPANEL_POSTGRES_DSN, DATABASE_URL)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("TUBEPANEL_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, TUBEPANEL_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	documents := []string{"users", "accounts"}

	var pool *pgxpool.Pool
	for _, name := range documents {
		source := storage.NewFileDocument(filepath.Join(*dataDir, name+".json"))
		body, err := source.Load(ctx)
		if err != nil {
			logger.Error("failed to read source document", "document", name, "error", err)
			os.Exit(1)
		}
		if len(body) == 0 {
			logger.Warn("source document empty, skipping", "document", name)
			continue
		}

		var target *storage.PostgresDocument
		if pool == nil {
			target, err = storage.NewPostgresDocument(ctx, dsn, name)
			if err == nil {
				pool = target.Pool()
				defer target.Close()
			}
		} else {
			target, err = storage.NewPostgresDocumentWithPool(ctx, pool, name)
		}
		if err != nil {
			logger.Error("failed to open target document", "document", name, "error", err)
			os.Exit(1)
		}

		if err := target.Save(ctx, body); err != nil {
			logger.Error("failed to write target document", "document", name, "error", err)
			os.Exit(1)
		}
		if err := verify(ctx, target); err != nil {
			logger.Error("verification failed", "document", name, "error", err)
			os.Exit(1)
		}
		logger.Info("migrated document", "document", name, "bytes", len(body))
	}

	logger.Info("migration completed")
}

// verify reloads the migrated document. Postgres normalizes JSONB, so the
// check is presence rather than a byte comparison.
func verify(ctx context.Context, doc *storage.PostgresDocument) error {
	stored, err := doc.Load(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return fmt.Errorf("document is empty after migration")
	}
	return nil
}
