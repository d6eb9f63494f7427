// ABOUTME: Node is one conversation turn: immutable identity plus mutable state
// ABOUTME: Declares the node state machine values persisted in snapshots

package queue

import "time"

// NodeState is the lifecycle state of a Node.
//
// State machine: pending -> processing -> {done, error} on turn completion;
// pending -> stale when cleared while still queued; processing -> error with
// the cancelled tag when the turn observed a cancellation signal. Terminal
// states are never revisited.
type NodeState string

const (
	StatePending    NodeState = "pending"
	StateProcessing NodeState = "processing"
	StateDone       NodeState = "done"
	StateError      NodeState = "error"
	StateStale      NodeState = "stale"
)

// Terminal reports whether the state is final.
func (s NodeState) Terminal() bool {
	switch s {
	case StateDone, StateError, StateStale:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s NodeState) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateDone, StateError, StateStale:
		return true
	}
	return false
}

// Node is one request/response turn within a Tree.
//
// ID, ParentID, CorrelationKey, CreatedAt, Seq and Payload are fixed at
// creation. State, SessionToken, Detail and Cancelled are mutated only by the
// owning Tree under its lock. Payload bytes are opaque to the engine; callers
// must not modify them after enqueueing.
type Node struct {
	// ID is unique across the whole Repository. A branch root's ID doubles
	// as the Tree's root id.
	ID string `json:"id"`

	// ParentID references an earlier Node in the same Tree. Empty only for
	// a branch root.
	ParentID string `json:"parent_id,omitempty"`

	// CorrelationKey is the opaque external string a later reply event uses
	// to find this Node. Stored verbatim, never parsed.
	CorrelationKey string `json:"correlation_key"`

	// SessionToken is the backend continuity value in effect after this
	// Node's turn. Empty until the branch's first successful turn.
	SessionToken string `json:"session_token,omitempty"`

	State     NodeState `json:"state"`
	CreatedAt time.Time `json:"created_at"`

	// Seq is the Node's registration sequence within its Tree, assigned
	// under the Tree lock. It makes "most recently registered" well defined
	// when a correlation index is rebuilt from raw nodes.
	Seq int64 `json:"seq"`

	Payload []byte `json:"payload,omitempty"`

	// Detail carries the terminal outcome: the response text for done, the
	// failure message for error, the clear reason for stale.
	Detail string `json:"detail,omitempty"`

	// Cancelled marks an error state produced by an observed cancellation
	// rather than an executor failure.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Live reports whether the Node still holds its correlation key. Pending and
// processing Nodes are live; terminal Nodes release their key for
// re-registration.
func (n *Node) Live() bool {
	return !n.State.Terminal()
}
