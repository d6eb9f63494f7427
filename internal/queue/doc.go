// Package queue implements a branching asynchronous conversation engine.
//
// # Overview
//
// The queue package is the core of fold-queue: it tracks conversation turns
// as Nodes organized into Trees (one per independent branch), runs at most
// one turn per branch at a time while branches proceed concurrently, and
// keeps the whole structure snapshottable for crash recovery.
//
// # Nodes and Trees
//
// A Node is one request/response turn:
//
//   - ID: Unique across the Repository (ULID)
//   - ParentID: The turn it continues; empty only for a branch root
//   - CorrelationKey: Opaque external key replies use to find the turn
//   - SessionToken: Backend continuity value carried along the branch
//   - State: pending -> processing -> done | error, or stale when cleared
//
// A Tree owns one branch: its Nodes, a FIFO pending queue, a correlation
// key index for O(1) reply routing, and the branch session token.
//
// # Repository
//
// The Repository registers every Tree plus a node id to root id index, so
// any Node resolves to its branch in O(1). Compound writes run under the
// Repository lock: creating a branch and appending a Node both check that
// the correlation key is not live anywhere before mutating.
//
// # Manager and Processors
//
// The Manager is the front door:
//
//	mgr, err := queue.NewManager(repo, queue.ManagerConfig{Executor: ex})
//	id, err := mgr.Enqueue("", "corr-1", payload) // new branch
//	id, err = mgr.Enqueue(parentID, "corr-2", payload)
//
// Enqueueing into a branch with no live Processor claims the Tree and
// starts one. The Processor pops the queue head under the Tree lock, runs
// the executor with no lock held, finalizes the Node, and loops until the
// queue empties. The active flag on the Tree keeps Processors one to one
// with busy branches.
//
// # Cancellation
//
// CancelTree signals the in-flight turn's context and drains the branch
// queue, marking drained Nodes stale. Cancellation is cooperative: the
// engine never kills an executor call, it finalizes the Node as a cancelled
// error once the executor returns.
//
// # Snapshots
//
// Repository.Snapshot copies the full structure as plain data and Restore
// rebuilds it, reconstructing the derived indexes from raw Nodes. A
// snapshot whose stored node index diverges from the rebuilt one is
// rejected as corrupt. Nodes captured mid-turn come back in processing
// state; Manager.Start finalizes them as cancelled errors and resumes
// queued work.
//
// # Observability
//
// Every state change flows to the configured Notifier at least once, in
// per-branch order. Metrics and turn spans go through the interfaces in
// internal/observability and default to no-ops.
package queue
