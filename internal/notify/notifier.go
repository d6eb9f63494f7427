// ABOUTME: Notifier implementations: structured-log sink and ordered multi fan-out
// ABOUTME: LogNotifier maps Node states to slog levels

package notify

import (
	"log/slog"

	"github.com/2389/fold-queue/internal/queue"
)

// LogNotifier writes every transition to a structured logger. Terminal
// failures log at warn, cancellations and stale drains at info, the rest at
// debug.
type LogNotifier struct {
	logger *slog.Logger
}

var _ queue.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log notifier. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) NotifyTransition(tr queue.Transition) {
	attrs := []any{
		"node_id", tr.NodeID,
		"root_id", tr.RootID,
		"state", string(tr.State),
	}
	if tr.Detail != "" {
		attrs = append(attrs, "detail", tr.Detail)
	}

	switch {
	case tr.State == queue.StateError && !tr.Cancelled:
		n.logger.Warn("node transition", attrs...)
	case tr.Cancelled || tr.State == queue.StateStale:
		n.logger.Info("node transition", attrs...)
	default:
		n.logger.Debug("node transition", attrs...)
	}
}

// MultiNotifier forwards each transition to every wrapped notifier in order.
type MultiNotifier []queue.Notifier

var _ queue.Notifier = (MultiNotifier)(nil)

func (m MultiNotifier) NotifyTransition(tr queue.Transition) {
	for _, n := range m {
		n.NotifyTransition(tr)
	}
}
