// ABOUTME: File-backed snapshot store with atomic replace and revision history
// ABOUTME: Writes the envelope to a temp file and renames it over the primary path

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/2389/fold-queue/internal/queue"
)

// FileStore persists snapshots to a single JSON file, replaced atomically on
// every save. When retain is positive, each save also lands a copy under a
// revisions/ directory next to the primary file, pruned to the newest retain
// entries. Revision filenames are ULIDs, so lexical order is time order.
type FileStore struct {
	mu     sync.Mutex
	path   string
	retain int
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file store writing to path. retain <= 0 disables
// revision copies.
func NewFileStore(path string, retain int) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	return &FileStore{
		path:   path,
		retain: retain,
		logger: slog.Default().With("component", "snapshot"),
	}, nil
}

// SaveSnapshot encodes the snapshot and atomically replaces the primary
// file, then lands a revision copy.
func (s *FileStore) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := Encode(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing snapshot: %w", err)
	}

	if s.retain > 0 {
		if err := s.writeRevision(raw); err != nil {
			// The primary file is already in place; revisions are best effort.
			s.logger.Warn("snapshot revision copy failed", "error", err)
		}
	}

	s.logger.Debug("snapshot saved", "path", s.path, "bytes", len(raw))
	return nil
}

func (s *FileStore) writeRevision(raw []byte) error {
	revDir := filepath.Join(filepath.Dir(s.path), "revisions")
	if err := os.MkdirAll(revDir, 0755); err != nil {
		return fmt.Errorf("creating revisions directory: %w", err)
	}

	name := ulid.Make().String() + ".json"
	if err := os.WriteFile(filepath.Join(revDir, name), raw, 0644); err != nil {
		return fmt.Errorf("writing revision: %w", err)
	}
	return s.pruneRevisions(revDir)
}

func (s *FileStore) pruneRevisions(revDir string) error {
	entries, err := os.ReadDir(revDir)
	if err != nil {
		return fmt.Errorf("listing revisions: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.retain {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-s.retain] {
		if err := os.Remove(filepath.Join(revDir, name)); err != nil {
			return fmt.Errorf("pruning revision %s: %w", name, err)
		}
	}
	return nil
}

// LoadLatest reads and decodes the primary snapshot file.
func (s *FileStore) LoadLatest(ctx context.Context) (*queue.Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return Decode(raw)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
