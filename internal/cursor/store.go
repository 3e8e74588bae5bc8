package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warfeedhq/ingest/pkg/types"
)

// SchemaVersion is stamped into every persisted cursor. A cursor loaded with
// a different version is discarded and the source starts over with a fresh
// backfill rather than risk misreading stale fields.
const SchemaVersion = 1

// ErrNotFound is returned by Load when no cursor has been saved for a source.
var ErrNotFound = errors.New("cursor not found")

// Store persists one cursor file per source under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn cursor.
type Store struct {
	dir string
}

// NewStore creates the cursor directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cursor directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cursor directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the cursor for a source. A missing file or a schema version
// mismatch both report ErrNotFound so the caller treats the source as new.
func (s *Store) Load(sourceID string) (types.Cursor, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Cursor{}, ErrNotFound
		}
		return types.Cursor{}, fmt.Errorf("reading cursor for %s: %w", sourceID, err)
	}

	var c types.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return types.Cursor{}, fmt.Errorf("decoding cursor for %s: %w", sourceID, err)
	}
	if c.SchemaVersion != SchemaVersion {
		return types.Cursor{}, ErrNotFound
	}
	return c, nil
}

// Save writes the cursor atomically. The temp file lives in the same
// directory as the final file so the rename stays on one filesystem.
func (s *Store) Save(sourceID string, c types.Cursor) error {
	c.SchemaVersion = SchemaVersion
	c.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cursor for %s: %w", sourceID, err)
	}

	final := s.path(sourceID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cursor file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cursor for %s: %w", sourceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing cursor for %s: %w", sourceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing cursor for %s: %w", sourceID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming cursor for %s: %w", sourceID, err)
	}
	return nil
}

// Delete removes the cursor for a source. Deleting an absent cursor is not
// an error.
func (s *Store) Delete(sourceID string) error {
	if err := os.Remove(s.path(sourceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting cursor for %s: %w", sourceID, err)
	}
	return nil
}

// Sweep removes cursors whose source is no longer known and whose file has
// not been touched within the retention window. Returns the ids removed.
func (s *Store) Sweep(known map[string]bool, retention time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing cursor directory: %w", err)
	}

	// Filenames hold sanitized ids, so the known set is compared in the
	// same namespace.
	keep := make(map[string]bool, len(known))
	for id := range known {
		keep[sanitize(id)] = true
	}

	var removed []string
	cutoff := time.Now().Add(-retention)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if keep[id] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if retention > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (s *Store) path(sourceID string) string {
	return filepath.Join(s.dir, sanitize(sourceID)+".json")
}

// sanitize keeps cursor filenames flat regardless of what characters the
// source id contains.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
