// ABOUTME: In-memory fan-out broadcaster for Node state transitions
// ABOUTME: Publishes every transition to subscribers of a branch or of all branches

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fold-queue/internal/queue"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllBranches subscribes to every branch's transitions.
	AllBranches = "*"
)

// Broadcaster provides in-memory pub/sub for Node transitions. Subscribers
// register for a branch root id (or AllBranches) and receive transitions as
// the engine emits them. This enables live progress watching without
// polling the Repository.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan queue.Transition // rootID -> subID -> ch
	logger      *slog.Logger
}

var _ queue.Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan queue.Transition),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for transitions on the given branch root
// id, or on every branch when rootID is AllBranches. Returns a channel that
// receives transitions and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, rootID string) (<-chan queue.Transition, string) {
	subID := uuid.New().String()
	ch := make(chan queue.Transition, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[rootID]; !ok {
		b.subscribers[rootID] = make(map[string]chan queue.Transition)
	}
	b.subscribers[rootID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"root_id", rootID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(rootID, subID)
	}()

	return ch, subID
}

// NotifyTransition sends the transition to all subscribers of its branch and
// to wildcard subscribers. Non-blocking: transitions are dropped for
// subscribers whose channels are full.
func (b *Broadcaster) NotifyTransition(tr queue.Transition) {
	b.mu.RLock()
	// Copy subscriber channels under read lock to avoid holding lock during sends
	var targets []chan queue.Transition
	for _, key := range [2]string{tr.RootID, AllBranches} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- tr:
			// Sent
		default:
			// Subscriber channel full: drop for this subscriber
			b.logger.Debug("dropped transition for slow subscriber",
				"root_id", tr.RootID,
				"node_id", tr.NodeID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(rootID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[rootID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty branch entries
	if len(subs) == 0 {
		delete(b.subscribers, rootID)
	}

	b.logger.Debug("subscriber removed",
		"root_id", rootID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for rootID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, rootID)
	}

	b.logger.Debug("broadcaster closed")
}
