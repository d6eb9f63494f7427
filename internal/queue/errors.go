// ABOUTME: Sentinel errors for the queue engine, matched with errors.Is
// ABOUTME: Validation errors reject synchronously; turn errors finalize per Node

package queue

import (
	"context"
	"errors"
)

var (
	// ErrUnknownParent is returned when a parent id does not resolve to a
	// known Node. Rejected synchronously; nothing is enqueued.
	ErrUnknownParent = errors.New("unknown parent node")

	// ErrCorrelationInUse is returned when a correlation key is already
	// held by a live (pending or processing) Node. Keys whose holder
	// reached a terminal state may be registered again.
	ErrCorrelationInUse = errors.New("correlation key already in use")

	// ErrTreeNotFound is returned when a root id does not resolve to a
	// Tree.
	ErrTreeNotFound = errors.New("tree not found")

	// ErrExecutorRequired is returned by NewManager when no TurnExecutor
	// was configured.
	ErrExecutorRequired = errors.New("turn executor is required")

	// ErrTurnCancelled tags a turn failure caused by cooperative
	// cancellation. Executors may return it directly; errors wrapping
	// context.Canceled or context.DeadlineExceeded are treated the same.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrCorruptSnapshot is returned by Restore when a snapshot's
	// structure or derived indexes diverge from its raw node set. Fatal:
	// a diverged correlation index would route replies to the wrong
	// branch.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// isCancellation reports whether err is, or wraps, a cancellation signal.
func isCancellation(err error) bool {
	return errors.Is(err, ErrTurnCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
