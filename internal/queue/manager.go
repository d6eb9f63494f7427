// ABOUTME: Manager routes enqueues to Trees, wakes Processors and owns lifecycle
// ABOUTME: Declares the executor, notifier and persister seams the engine calls out through

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fold-queue/internal/observability"
)

// TurnRequest is handed to the executor for one conversation turn.
type TurnRequest struct {
	// NodeID identifies the turn being executed.
	NodeID string

	// Payload is the Node's opaque request body, untouched by the engine.
	Payload []byte

	// SessionToken is the branch continuity value from the previous
	// successful turn. Empty on a branch's first turn.
	SessionToken string
}

// TurnResult is a successful turn outcome.
type TurnResult struct {
	// Response is the turn's reply body, stored on the Node.
	Response string

	// SessionToken replaces the branch token when non-empty. Executors
	// whose backend did not rotate the token leave it empty.
	SessionToken string
}

// TurnExecutor performs one turn against a backend. Implementations must
// honor ctx cancellation: when ctx is done, return promptly with ctx.Err()
// or an error wrapping ErrTurnCancelled. The engine never kills a turn;
// cancellation is cooperative.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// Transition reports one Node state change.
type Transition struct {
	NodeID    string    `json:"node_id"`
	RootID    string    `json:"root_id"`
	State     NodeState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// Notifier receives every Node transition at least once, in per-branch
// order. Calls are made outside engine locks, so implementations may block
// briefly, but slow notifiers delay the branch's next turn.
type Notifier interface {
	NotifyTransition(tr Transition)
}

// Persister stores Repository snapshots. The engine calls SaveSnapshot from
// a single background goroutine and once more during Shutdown.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}

const (
	defaultFlushDebounce = 250 * time.Millisecond
	flushTimeout         = 5 * time.Second
)

// ManagerConfig carries the Manager's collaborators. Executor is required;
// everything else defaults to a quiet no-op.
type ManagerConfig struct {
	Executor  TurnExecutor
	Notifier  Notifier
	Persister Persister

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// FlushDebounce is how long the background flusher waits after a
	// change before snapshotting, absorbing bursts into one write.
	FlushDebounce time.Duration

	// TurnTimeout bounds a single executor call when positive. Zero means
	// turns run until they finish or are cancelled.
	TurnTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Notifier == nil {
		c.Notifier = noopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = defaultFlushDebounce
	}
	return c
}

// Manager is the engine's front door: it routes incoming turns to the right
// Tree, creates branches for parentless turns, starts a Processor per branch
// with queued work, and owns the snapshot flusher and shutdown sequence.
type Manager struct {
	repo      *Repository
	executor  TurnExecutor
	notifier  Notifier
	persister Persister
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager

	turnTimeout   time.Duration
	flushDebounce time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	flushCh   chan struct{}
	flushStop chan struct{}
	flushWG   sync.WaitGroup

	closed atomic.Bool
}

// NewManager wires a Manager over the given Repository. The Repository may
// be freshly created or restored from a snapshot; call Start afterwards to
// finalize interrupted turns and resume queued work.
func NewManager(repo *Repository, cfg ManagerConfig) (*Manager, error) {
	if cfg.Executor == nil {
		return nil, ErrExecutorRequired
	}
	cfg = cfg.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		repo:          repo,
		executor:      cfg.Executor,
		notifier:      cfg.Notifier,
		persister:     cfg.Persister,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		spans:         cfg.Spans,
		turnTimeout:   cfg.TurnTimeout,
		flushDebounce: cfg.FlushDebounce,
		baseCtx:       baseCtx,
		cancelBase:    cancel,
	}

	if m.persister != nil {
		m.flushCh = make(chan struct{}, 1)
		m.flushStop = make(chan struct{})
		m.flushWG.Add(1)
		go m.flushLoop()
	}
	return m, nil
}

// Repository exposes the underlying store for inspection and snapshots.
func (m *Manager) Repository() *Repository {
	return m.repo
}

// Enqueue adds one turn. An empty parentID starts a new branch whose root is
// the returned Node; otherwise the Node joins its parent's Tree at the tail
// of the queue. Validation failures (unknown parent, live correlation key)
// reject synchronously and enqueue nothing.
func (m *Manager) Enqueue(parentID, correlationKey string, payload []byte) (string, error) {
	var (
		t       *Tree
		id      string
		err     error
		created bool
	)
	if parentID == "" {
		t, err = m.repo.CreateTree(correlationKey, payload)
		if err != nil {
			return "", err
		}
		id = t.RootID()
		created = true
	} else {
		id, t, err = m.repo.AddNode(parentID, correlationKey, payload)
		if err != nil {
			return "", err
		}
	}

	m.logger.Debug("turn enqueued",
		"node_id", id,
		"root_id", t.RootID(),
		"parent_id", parentID,
		"new_tree", created)
	m.notifier.NotifyTransition(Transition{NodeID: id, RootID: t.RootID(), State: StatePending})
	m.metrics.RecordEnqueue(m.baseCtx, created)
	m.requestFlush()
	m.wake(t)
	return id, nil
}

// CancelTree cancels the branch's in-flight turn, if any, and drains its
// queue, marking every queued Node stale. Drained Nodes are forwarded to the
// notifier in queue order. Reports whether anything was actually cancelled
// or drained; an idle branch (or unknown root) returns false. Non-blocking:
// a running turn finalizes on its own once the executor observes the signal.
func (m *Manager) CancelTree(rootID string) bool {
	t, ok := m.repo.Tree(rootID)
	if !ok {
		return false
	}

	// Drain before signalling the in-flight turn. The other way round, the
	// Processor could pop the next Node in the gap and run it.
	drained := t.ClearPending()
	cancelled := t.CancelCurrentTurn()
	for _, n := range drained {
		m.notifier.NotifyTransition(Transition{
			NodeID: n.ID,
			RootID: rootID,
			State:  n.State,
			Detail: n.Detail,
		})
	}

	if !cancelled && len(drained) == 0 {
		return false
	}
	m.metrics.RecordClear(m.baseCtx, len(drained))
	m.requestFlush()
	m.logger.Info("branch cancelled",
		"root_id", rootID,
		"turn_cancelled", cancelled,
		"drained", len(drained))
	return true
}

// ResolveParent finds the Node a reply correlates with. A live holder of the
// key wins outright (live keys are unique across branches); otherwise the
// most recently created terminal holder is returned, so replies to a
// finished turn still land on the newest registration.
func (m *Manager) ResolveParent(correlationKey string) (string, bool) {
	var (
		bestID string
		bestAt time.Time
		found  bool
	)
	for _, t := range m.repo.Trees() {
		n, ok := t.FindByCorrelation(correlationKey)
		if !ok {
			continue
		}
		if n.Live() {
			return n.ID, true
		}
		if !found || n.CreatedAt.After(bestAt) {
			bestID, bestAt, found = n.ID, n.CreatedAt, true
		}
	}
	return bestID, found
}

// Start finalizes turns a restored snapshot captured mid-flight and wakes a
// Processor for every branch with queued work. Call once after NewManager,
// before accepting traffic; a Manager over a fresh Repository may skip it.
func (m *Manager) Start() {
	var interrupted int
	for _, t := range m.repo.Trees() {
		for _, tr := range t.finalizeInterrupted("interrupted by restart") {
			m.notifier.NotifyTransition(tr)
			interrupted++
		}
		m.wake(t)
	}
	if interrupted > 0 {
		m.requestFlush()
	}
	m.logger.Info("queue manager started",
		"trees", m.repo.TreeCount(),
		"interrupted_turns", interrupted)
}

// wake starts a Processor for the Tree unless one is already live or there
// is nothing queued. claim under the Tree lock keeps Processors 1:1.
func (m *Manager) wake(t *Tree) {
	if !t.claim() {
		return
	}
	m.wg.Add(1)
	go newProcessor(m, t).run()
}

// requestFlush nudges the background flusher. Coalescing happens in the
// channel: a flush already pending absorbs the signal.
func (m *Manager) requestFlush() {
	if m.persister == nil {
		return
	}
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

func (m *Manager) flushLoop() {
	defer m.flushWG.Done()
	for {
		select {
		case <-m.flushStop:
			return
		case <-m.flushCh:
		}

		// Debounce: wait out the burst, then write once.
		timer := time.NewTimer(m.flushDebounce)
		select {
		case <-m.flushStop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := m.Flush(ctx); err != nil {
			m.logger.Warn("background snapshot failed", "error", err)
		}
		cancel()
	}
}

// Flush snapshots the Repository and hands it to the persister. No-op
// without one.
func (m *Manager) Flush(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	snap := m.repo.Snapshot()
	var nodes int64
	for _, ts := range snap.Trees {
		nodes += int64(len(ts.Nodes))
	}
	if err := m.persister.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	m.metrics.RecordSnapshot(ctx, nodes)
	return nil
}

// Shutdown stops the engine: in-flight turns are cancelled cooperatively,
// Processors exit without dequeuing further work (queued Nodes stay pending
// for the next start), the flusher stops, and one final snapshot is written.
// ctx bounds the wait for in-flight turns only; the final snapshot gets its
// own timeout so a slow turn cannot starve persistence.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("queue manager stopping")
	m.cancelBase()

	var errs []error
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for processors: %w", ctx.Err()))
	}

	if m.persister != nil {
		close(m.flushStop)
		m.flushWG.Wait()

		fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := m.Flush(fctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	m.logger.Info("queue manager stopped")
	return errors.Join(errs...)
}

type noopNotifier struct{}

func (noopNotifier) NotifyTransition(Transition) {}
