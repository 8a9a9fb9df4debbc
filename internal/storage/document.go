// Package storage persists the credential document and the account ledger.
// Both follow a document-as-database pattern: the whole document is read at
// startup and rewritten on every mutation, guarded by a per-document mutex.
// The DocumentStore interface isolates that pattern so the backing medium can
// change (file today, Postgres row optionally) without touching callers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DocumentStore is the capability contract for whole-document persistence. A
// missing document loads as a nil body with no error.
type DocumentStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, body []byte) error
}

// FileDocument stores a document as a single file, replaced atomically via a
// temp file and rename so readers never observe a partial write.
type FileDocument struct {
	path string
}

// NewFileDocument returns a file-backed document at the given path.
func NewFileDocument(path string) *FileDocument {
	return &FileDocument{path: path}
}

// Load reads the entire document. A missing file is not an error.
func (d *FileDocument) Load(_ context.Context) ([]byte, error) {
	body, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", d.path, err)
	}
	return body, nil
}

// Save atomically replaces the document contents.
func (d *FileDocument) Save(_ context.Context, body []byte) error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(body); err != nil {
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush temp document: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp document: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("replace document %s: %w", d.path, err)
	}
	success = true
	return nil
}
