// ABOUTME: Store interface over the snapshot backends plus the no-snapshot sentinel
// ABOUTME: Every backend persists envelopes and loads the most recent one

package snapshot

import (
	"context"
	"errors"

	"github.com/2389/fold-queue/internal/queue"
)

// ErrNoSnapshot is returned by LoadLatest when the backend holds no
// snapshot yet. Callers treat it as a fresh start, not a failure.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Store persists snapshots and loads the most recent one. SaveSnapshot
// satisfies queue.Persister, so a Store plugs straight into the Manager.
type Store interface {
	queue.Persister

	// LoadLatest returns the most recently saved snapshot, or ErrNoSnapshot.
	LoadLatest(ctx context.Context) (*queue.Snapshot, error)

	// Close releases the backend.
	Close() error
}
