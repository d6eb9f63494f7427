// ABOUTME: SQLite-backed snapshot store using modernc.org/sqlite
// ABOUTME: Keeps a bounded history of envelopes with automatic schema creation

package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/2389/fold-queue/internal/queue"
)

// SQLiteStore persists snapshot envelopes in a SQLite database, one row per
// save, pruned to the newest retain rows. Unlike the file store, history
// survives in a single file that can be inspected with ordinary SQL.
type SQLiteStore struct {
	db     *sql.DB
	retain int
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite snapshot store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. retain <= 0 keeps every row.
func NewSQLiteStore(path string, retain int) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "snapshot")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		retain: retain,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite snapshot store initialized", "path", path)
	return s, nil
}

// createSchema creates the snapshot table if it doesn't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			taken_at DATETIME NOT NULL,
			digest TEXT NOT NULL,
			doc BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at
			ON snapshots(taken_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot inserts one envelope row and prunes history past retain.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *queue.Snapshot) error {
	env, err := NewEnvelope(snap)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	id := ulid.Make().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, taken_at, digest, doc) VALUES (?, ?, ?, ?)`,
		id, env.TakenAt, env.Digest, raw)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	if s.retain > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE id NOT IN (
				SELECT id FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT ?
			)`, s.retain)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
	}

	s.logger.Debug("snapshot saved", "id", id, "bytes", len(raw))
	return nil
}

// LoadLatest returns the newest stored snapshot.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*queue.Snapshot, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return Decode(raw)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
