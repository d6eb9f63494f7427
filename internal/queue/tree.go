// ABOUTME: Tree owns one conversation branch: its nodes, FIFO queue and indexes
// ABOUTME: Every field is guarded by the Tree's own lock; turn handle lives here

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tree owns the Nodes of one conversation branch together with the branch's
// pending FIFO queue, its correlation index, the branch session token, and
// the cancel handle of the turn in flight. All mutation happens under the
// Tree's lock; other components use the exported operations and never reach
// into fields. Trees are created through Repository.CreateTree and live for
// the process lifetime; clearing drains pending work but never deletes.
type Tree struct {
	mu sync.Mutex

	rootID      string
	nodes       map[string]*Node
	pending     []string          // queued node ids, head first
	correlation map[string]string // correlation key -> most recent node id

	// sessionToken is the branch's current backend continuity value,
	// updated after each successful turn and passed into the next one.
	sessionToken string

	// seq numbers node registrations so a rebuilt correlation index can
	// pick the most recent holder of a key deterministically.
	seq int64

	// active is true while a Processor owns this branch. cancelTurn and
	// currentID are set only while a turn is actually in flight.
	active     bool
	cancelTurn context.CancelFunc
	currentID  string
}

// turn carries everything a Processor needs outside the Tree lock: a copy of
// the dequeued Node, the branch token to hand the executor, and the turn's
// cancellable context.
type turn struct {
	node  Node
	token string
	ctx   context.Context
}

func newTree() *Tree {
	return &Tree{
		nodes:       make(map[string]*Node),
		correlation: make(map[string]string),
	}
}

// RootID returns the id of the branch's root Node.
func (t *Tree) RootID() string {
	return t.rootID
}

// AddNode appends one turn to the branch. parentID must name an existing
// Node in this Tree; it may be empty only for the very first Node, which
// becomes the root. correlationKey must not be held by a live Node in this
// Tree; a key whose previous holder is terminal is registered anew. The
// Node starts pending at the tail of the queue and its id is returned.
//
// Repository-managed Trees are mutated through Repository.AddNode, which
// wraps this with the node index update; calling this directly is for the
// Tree-level API and tests.
func (t *Tree) AddNode(parentID, correlationKey string, payload []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addNodeLocked(parentID, correlationKey, payload)
}

func (t *Tree) addNodeLocked(parentID, correlationKey string, payload []byte) (string, error) {
	if parentID == "" {
		if len(t.nodes) > 0 {
			return "", fmt.Errorf("%w: branch already has a root", ErrUnknownParent)
		}
	} else if _, ok := t.nodes[parentID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
	}

	if prev, ok := t.correlation[correlationKey]; ok && t.nodes[prev].Live() {
		return "", fmt.Errorf("%w: %q held by node %s", ErrCorrelationInUse, correlationKey, prev)
	}

	t.seq++
	n := &Node{
		ID:             ulid.Make().String(),
		ParentID:       parentID,
		CorrelationKey: correlationKey,
		State:          StatePending,
		CreatedAt:      time.Now().UTC(),
		Seq:            t.seq,
		Payload:        payload,
	}
	if parentID == "" {
		t.rootID = n.ID
	}

	t.nodes[n.ID] = n
	t.correlation[correlationKey] = n.ID
	t.pending = append(t.pending, n.ID)
	return n.ID, nil
}

// FindByCorrelation returns a copy of the Node most recently registered
// under key. O(1) via the correlation index.
func (t *Tree) FindByCorrelation(key string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.correlation[key]
	if !ok {
		return Node{}, false
	}
	return *t.nodes[id], true
}

// CancelCurrentTurn signals cooperative cancellation to the in-flight turn,
// if any, and reports whether a turn was actually running. Non-blocking, and
// changes no Node state; the Processor finalizes the turn when the executor
// observes the signal.
func (t *Tree) CancelCurrentTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelTurn == nil {
		return false
	}
	t.cancelTurn()
	return true
}

// ClearPending atomically drains the queue. Every drained Node transitions
// pending -> stale; a Node currently processing is untouched. Returns copies
// of the drained Nodes in queue order for caller-side notification.
func (t *Tree) ClearPending() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil
	}
	drained := make([]Node, 0, len(t.pending))
	for _, id := range t.pending {
		n := t.nodes[id]
		n.State = StateStale
		n.Detail = "cleared before execution"
		drained = append(drained, *n)
	}
	t.pending = nil
	return drained
}

// PendingIDs returns a copy of the queue, head first.
func (t *Tree) PendingIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, len(t.pending))
	copy(ids, t.pending)
	return ids
}

// Node returns a copy of the Node with the given id.
func (t *Tree) Node(id string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodeCount returns the number of Nodes in the branch, any state.
func (t *Tree) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// SessionToken returns the branch's current continuity token. Empty until
// the first successful turn.
func (t *Tree) SessionToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionToken
}

// hasLiveCorrelation reports whether key is currently held by a live Node in
// this Tree. Used under the Repository guard to enforce key uniqueness
// across branches.
func (t *Tree) hasLiveCorrelation(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.correlation[key]
	return ok && t.nodes[id].Live()
}

// claim marks the Tree active when it has queued work and no live
// Processor. Reports whether the caller now owns the branch and must start
// one. Checking and setting under the lock is what keeps Processors 1:1
// with Trees.
func (t *Tree) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active || len(t.pending) == 0 {
		return false
	}
	t.active = true
	return true
}

// release clears the active flag when the owning Processor exits without
// draining the queue (manager shutdown). Queued Nodes stay pending.
func (t *Tree) release() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// beginTurn pops the queue head, marks it processing and binds the turn's
// cancel handle. Returns false, releasing branch ownership, when the queue
// is empty. Called only by the Processor that claimed this Tree.
func (t *Tree) beginTurn(base context.Context) (turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		t.active = false
		return turn{}, false
	}

	id := t.pending[0]
	t.pending = t.pending[1:]
	n := t.nodes[id]
	n.State = StateProcessing

	ctx, cancel := context.WithCancel(base)
	t.cancelTurn = cancel
	t.currentID = id

	return turn{node: *n, token: t.sessionToken, ctx: ctx}, true
}

// finishTurn finalizes the in-flight Node and drops the turn handle. A nil
// execErr marks the Node done and advances the branch session token; any
// error marks it error, tagged cancelled when the turn context was cancelled
// or the error chain says so. Returns the transition to forward to the
// notifier.
func (t *Tree) finishTurn(id string, res *TurnResult, execErr error, turnCtx context.Context) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Read the cancellation signal before releasing the turn handle;
	// releasing cancels the context as cleanup.
	signalled := turnCtx.Err() != nil
	if t.cancelTurn != nil {
		t.cancelTurn()
		t.cancelTurn = nil
	}
	t.currentID = ""

	n := t.nodes[id]
	if execErr != nil {
		n.State = StateError
		n.Detail = execErr.Error()
		n.Cancelled = signalled || isCancellation(execErr)
	} else {
		n.State = StateDone
		if res.SessionToken != "" {
			t.sessionToken = res.SessionToken
		}
		n.SessionToken = t.sessionToken
		n.Detail = res.Response
	}

	return Transition{
		NodeID:    n.ID,
		RootID:    t.rootID,
		State:     n.State,
		Detail:    n.Detail,
		Cancelled: n.Cancelled,
	}
}

// finalizeInterrupted marks every Node restored in processing state as a
// cancelled error. A snapshot taken mid-turn legitimately contains one; after
// a restart there is no turn left to finish it. Returns the transitions to
// notify. Called by Manager.Start before any Processor is woken.
func (t *Tree) finalizeInterrupted(detail string) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, n := range t.nodes {
		if n.State != StateProcessing {
			continue
		}
		n.State = StateError
		n.Detail = detail
		n.Cancelled = true
		out = append(out, Transition{
			NodeID:    n.ID,
			RootID:    t.rootID,
			State:     n.State,
			Detail:    n.Detail,
			Cancelled: true,
		})
	}
	return out
}

// snapshotTree copies the branch into its persisted form.
func (t *Tree) snapshotTree() TreeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make(map[string]Node, len(t.nodes))
	for id, n := range t.nodes {
		nodes[id] = *n
	}
	q := make([]string, len(t.pending))
	copy(q, t.pending)
	return TreeSnapshot{Nodes: nodes, PendingQueue: q}
}
