package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDocumentSchema = `
CREATE TABLE IF NOT EXISTS documents (
    name       TEXT PRIMARY KEY,
    body       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresDocument stores one named document as a single row, keeping the
// whole-document read-modify-write discipline while moving durability to
// Postgres. The same connection pool may back multiple named documents.
type PostgresDocument struct {
	pool *pgxpool.Pool
	name string
	// ownsPool marks pools created by this instance for Close.
	ownsPool bool
}

// NewPostgresDocument connects to Postgres, ensures the documents table
// exists, and returns a handle for the named document.
func NewPostgresDocument(ctx context.Context, dsn, name string) (*PostgresDocument, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("document name is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	doc := &PostgresDocument{pool: pool, name: trimmed, ownsPool: true}
	if _, err := pool.Exec(ctx, postgresDocumentSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return doc, nil
}

// NewPostgresDocumentWithPool reuses an existing pool for the named document.
// The caller retains ownership of the pool.
func NewPostgresDocumentWithPool(ctx context.Context, pool *pgxpool.Pool, name string) (*PostgresDocument, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("document name is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if _, err := pool.Exec(ctx, postgresDocumentSchema); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return &PostgresDocument{pool: pool, name: trimmed}, nil
}

// Load fetches the document body. A missing row is not an error.
func (d *PostgresDocument) Load(ctx context.Context) ([]byte, error) {
	var body []byte
	err := d.pool.QueryRow(ctx, `SELECT body FROM documents WHERE name = $1`, d.name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", d.name, err)
	}
	return body, nil
}

// Save upserts the document body.
func (d *PostgresDocument) Save(ctx context.Context, body []byte) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO documents (name, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		d.name, body)
	if err != nil {
		return fmt.Errorf("save document %s: %w", d.name, err)
	}
	return nil
}

// Pool exposes the underlying connection pool so sibling documents can share
// it.
func (d *PostgresDocument) Pool() *pgxpool.Pool {
	return d.pool
}

// Close releases the connection pool when this instance created it.
func (d *PostgresDocument) Close() {
	if d.ownsPool && d.pool != nil {
		d.pool.Close()
	}
}
