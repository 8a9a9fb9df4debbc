// Package media persists uploaded video files and their JSON metadata
// sidecars on local disk.
package media

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"tubepanel/internal/models"
)

// Store writes media blobs and sidecars under a single directory. Stored
// filenames are timestamped and scrubbed so a hostile original name can never
// escape the directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore constructs a media store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// SafeFilename normalizes a client-supplied filename to NFC and strips
// everything except letters, digits, dots, dashes and underscores. Path
// separators never survive.
func SafeFilename(name string) string {
	name = filepath.Base(name)
	name = norm.NFC.String(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return "upload"
	}
	return cleaned
}

// Save streams the media to disk and writes the sidecar next to it. The
// returned meta carries the stored filename.
func (s *Store) Save(meta models.VideoMeta, media io.Reader) (models.VideoMeta, error) {
	stored := fmt.Sprintf("%d_%s", s.now().UnixMilli(), SafeFilename(meta.OriginalFilename))
	path := filepath.Join(s.dir, stored)

	file, err := os.Create(path)
	if err != nil {
		return models.VideoMeta{}, fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(file, media); err != nil {
		file.Close()
		os.Remove(path)
		return models.VideoMeta{}, fmt.Errorf("write media file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return models.VideoMeta{}, fmt.Errorf("close media file: %w", err)
	}

	meta.StoredFilename = stored
	if err := s.WriteSidecar(meta); err != nil {
		os.Remove(path)
		return models.VideoMeta{}, err
	}
	return meta, nil
}

// WriteSidecar creates or replaces the metadata sidecar for a stored file.
func (s *Store) WriteSidecar(meta models.VideoMeta) error {
	if meta.StoredFilename == "" {
		return fmt.Errorf("sidecar requires a stored filename")
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	path := filepath.Join(s.dir, meta.StoredFilename+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// List returns every sidecar, newest stored file first. Unreadable sidecars
// are skipped rather than failing the listing.
func (s *Store) List() ([]models.VideoMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read media directory: %w", err)
	}
	metas := make([]models.VideoMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta models.VideoMeta
		if err := json.Unmarshal(body, &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StoredFilename > metas[j].StoredFilename
	})
	return metas, nil
}

// Open returns a reader over a stored media file.
func (s *Store) Open(storedFilename string) (io.ReadCloser, error) {
	if storedFilename != SafeFilename(storedFilename) && storedFilename != filepath.Base(storedFilename) {
		return nil, fmt.Errorf("invalid stored filename")
	}
	return os.Open(filepath.Join(s.dir, filepath.Base(storedFilename)))
}

// Delete removes a stored media file together with its sidecar. A missing
// blob reports os.ErrNotExist; a missing sidecar alone is ignored because the
// blob is the record of existence.
func (s *Store) Delete(storedFilename string) error {
	if storedFilename == "" || storedFilename != filepath.Base(storedFilename) {
		return fmt.Errorf("invalid stored filename")
	}
	path := filepath.Join(s.dir, storedFilename)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove media file: %w", err)
	}
	if err := os.Remove(path + ".json"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}
