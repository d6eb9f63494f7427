// ABOUTME: Repository holds every Tree plus the node id -> root id index
// ABOUTME: Snapshot/Restore round-trip the full structure, rebuilding derived indexes

package queue

import (
	"fmt"
	"sync"
)

// Repository is the top-level registry of Trees. It owns the cross-branch
// node index that makes parent resolution O(1) and enforces correlation key
// uniqueness across branches. Compound mutations (CreateTree, AddNode) run
// under the Repository write lock so the uniqueness check, the Tree mutation
// and the index insert land atomically.
//
// Lock order is Repository before Tree, never the reverse.
type Repository struct {
	mu        sync.RWMutex
	trees     map[string]*Tree  // root node id -> Tree
	nodeIndex map[string]string // node id -> root node id
}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		trees:     make(map[string]*Tree),
		nodeIndex: make(map[string]string),
	}
}

// CreateTree starts a new branch whose root Node carries the given
// correlation key and payload. The key must not be live anywhere in the
// Repository.
func (r *Repository) CreateTree(correlationKey string, payload []byte) (*Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.correlationLiveLocked(correlationKey, nil) {
		return nil, fmt.Errorf("%w: %q held in another branch", ErrCorrelationInUse, correlationKey)
	}

	t := newTree()
	if _, err := t.AddNode("", correlationKey, payload); err != nil {
		return nil, err
	}
	r.trees[t.RootID()] = t
	r.nodeIndex[t.RootID()] = t.RootID()
	return t, nil
}

// AddNode appends a Node under parentID, which may live in any Tree. Returns
// the new Node's id and its Tree.
func (r *Repository) AddNode(parentID, correlationKey string, payload []byte) (string, *Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rootID, ok := r.nodeIndex[parentID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
	}
	t := r.trees[rootID]

	if r.correlationLiveLocked(correlationKey, t) {
		return "", nil, fmt.Errorf("%w: %q held in another branch", ErrCorrelationInUse, correlationKey)
	}

	id, err := t.AddNode(parentID, correlationKey, payload)
	if err != nil {
		return "", nil, err
	}
	r.nodeIndex[id] = rootID
	return id, t, nil
}

// correlationLiveLocked reports whether key is live in any Tree other than
// skip. Callers hold the Repository write lock; the per-Tree checks take each
// Tree's lock in turn.
func (r *Repository) correlationLiveLocked(key string, skip *Tree) bool {
	for _, t := range r.trees {
		if t == skip {
			continue
		}
		if t.hasLiveCorrelation(key) {
			return true
		}
	}
	return false
}

// HasNode reports whether id names a known Node in any Tree.
func (r *Repository) HasNode(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodeIndex[id]
	return ok
}

// TreeForNode resolves the Tree containing the given Node id. O(1).
func (r *Repository) TreeForNode(id string) (*Tree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rootID, ok := r.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return r.trees[rootID], true
}

// Tree returns the Tree rooted at rootID.
func (r *Repository) Tree(rootID string) (*Tree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[rootID]
	return t, ok
}

// TreeCount returns the number of Trees.
func (r *Repository) TreeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trees)
}

// Trees returns the current Trees in no particular order.
func (r *Repository) Trees() []*Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tree, 0, len(r.trees))
	for _, t := range r.trees {
		out = append(out, t)
	}
	return out
}

// Snapshot captures the full Repository as plain data: every Tree's nodes
// and pending queue plus the node index. Safe to serialize and hand to
// Restore later.
func (r *Repository) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trees := make(map[string]TreeSnapshot, len(r.trees))
	for rootID, t := range r.trees {
		trees[rootID] = t.snapshotTree()
	}
	idx := make(map[string]string, len(r.nodeIndex))
	for id, rootID := range r.nodeIndex {
		idx[id] = rootID
	}
	return &Snapshot{Trees: trees, NodeIndex: idx}
}

// Snapshot is the persisted form of a Repository.
type Snapshot struct {
	Trees     map[string]TreeSnapshot `json:"trees"`
	NodeIndex map[string]string       `json:"node_index"`
}

// TreeSnapshot is the persisted form of one Tree. The correlation index,
// session token and sequence counter are derived from Nodes on restore.
type TreeSnapshot struct {
	Nodes        map[string]Node `json:"nodes"`
	PendingQueue []string        `json:"pending_queue"`
}

// Restore rebuilds a Repository from a Snapshot. Derived structures (each
// Tree's correlation index, session token and sequence counter, and the
// node index) are reconstructed from the raw Nodes; if the rebuilt node
// index diverges from the snapshot's, or the structure is inconsistent,
// Restore fails with ErrCorruptSnapshot. Nodes come back verbatim, states
// included: a Node captured mid-turn is still processing afterwards, and
// Manager.Start is the place that finalizes such orphans.
func Restore(snap *Snapshot) (*Repository, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptSnapshot)
	}

	r := NewRepository()
	for rootID, ts := range snap.Trees {
		t, err := restoreTree(rootID, ts)
		if err != nil {
			return nil, err
		}
		r.trees[rootID] = t
		for id := range ts.Nodes {
			if prev, dup := r.nodeIndex[id]; dup {
				return nil, fmt.Errorf("%w: node %s appears in trees %s and %s", ErrCorruptSnapshot, id, prev, rootID)
			}
			r.nodeIndex[id] = rootID
		}
	}

	// The stored node index must match the one derived from the trees
	// exactly; a divergence means replies would resolve into the wrong
	// branch, so it is fatal rather than repairable.
	if len(snap.NodeIndex) != len(r.nodeIndex) {
		return nil, fmt.Errorf("%w: node index has %d entries, trees carry %d nodes", ErrCorruptSnapshot, len(snap.NodeIndex), len(r.nodeIndex))
	}
	for id, rootID := range snap.NodeIndex {
		if got, ok := r.nodeIndex[id]; !ok || got != rootID {
			return nil, fmt.Errorf("%w: node index maps %s to %s, trees say %s", ErrCorruptSnapshot, id, rootID, got)
		}
	}

	// Live correlation keys must be unique across branches, same as the
	// guard enforced on the write path.
	live := make(map[string]string)
	for rootID, t := range r.trees {
		for key, id := range t.correlation {
			if !t.nodes[id].Live() {
				continue
			}
			if prev, dup := live[key]; dup {
				return nil, fmt.Errorf("%w: correlation key %q live in trees %s and %s", ErrCorruptSnapshot, key, prev, rootID)
			}
			live[key] = rootID
		}
	}

	return r, nil
}

// restoreTree validates one branch and rebuilds its derived state.
func restoreTree(rootID string, ts TreeSnapshot) (*Tree, error) {
	root, ok := ts.Nodes[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: tree %s has no root node", ErrCorruptSnapshot, rootID)
	}
	if root.ParentID != "" {
		return nil, fmt.Errorf("%w: root node %s has parent %s", ErrCorruptSnapshot, rootID, root.ParentID)
	}

	t := newTree()
	t.rootID = rootID

	seqs := make(map[int64]string, len(ts.Nodes))
	for id, n := range ts.Nodes {
		if n.ID != id {
			return nil, fmt.Errorf("%w: node keyed %s carries id %s", ErrCorruptSnapshot, id, n.ID)
		}
		if !n.State.Valid() {
			return nil, fmt.Errorf("%w: node %s has state %q", ErrCorruptSnapshot, id, n.State)
		}
		if id != rootID {
			if n.ParentID == "" {
				return nil, fmt.Errorf("%w: node %s has no parent but is not the root", ErrCorruptSnapshot, id)
			}
			if _, ok := ts.Nodes[n.ParentID]; !ok {
				return nil, fmt.Errorf("%w: node %s references missing parent %s", ErrCorruptSnapshot, id, n.ParentID)
			}
		}
		if prev, dup := seqs[n.Seq]; dup {
			return nil, fmt.Errorf("%w: nodes %s and %s share sequence %d", ErrCorruptSnapshot, prev, id, n.Seq)
		}
		seqs[n.Seq] = id

		node := n
		t.nodes[id] = &node
		if n.Seq > t.seq {
			t.seq = n.Seq
		}
	}

	// Correlation index and session token rebuild: the most recently
	// registered Node wins a key; the newest non-empty token is the
	// branch token.
	keySeq := make(map[string]int64)
	var tokenSeq int64
	for id, n := range t.nodes {
		if best, ok := keySeq[n.CorrelationKey]; !ok || n.Seq > best {
			keySeq[n.CorrelationKey] = n.Seq
			t.correlation[n.CorrelationKey] = id
		}
		if n.SessionToken != "" && n.Seq > tokenSeq {
			tokenSeq = n.Seq
			t.sessionToken = n.SessionToken
		}
	}

	seen := make(map[string]bool, len(ts.PendingQueue))
	for _, id := range ts.PendingQueue {
		n, ok := t.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w: pending queue of tree %s references missing node %s", ErrCorruptSnapshot, rootID, id)
		}
		if n.State != StatePending {
			return nil, fmt.Errorf("%w: queued node %s is %s, not pending", ErrCorruptSnapshot, id, n.State)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: node %s queued twice in tree %s", ErrCorruptSnapshot, id, rootID)
		}
		seen[id] = true
	}
	for id, n := range t.nodes {
		if n.State == StatePending && !seen[id] {
			return nil, fmt.Errorf("%w: pending node %s missing from queue of tree %s", ErrCorruptSnapshot, id, rootID)
		}
	}
	t.pending = append(t.pending, ts.PendingQueue...)

	return t, nil
}
