// ABOUTME: Processor drains one Tree's queue: pop under lock, execute outside it
// ABOUTME: Exactly one runs per active branch; exits when the queue empties or the Manager stops

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Processor drains one branch: it pops the queue head under the Tree lock,
// runs the executor with no lock held, finalizes the Node, and loops until
// the queue is empty. The Tree's active flag is held for exactly the
// lifetime of run, so branch turns never interleave while branches proceed
// independently.
type Processor struct {
	mgr    *Manager
	tree   *Tree
	logger *slog.Logger
}

func newProcessor(m *Manager, t *Tree) *Processor {
	return &Processor{
		mgr:    m,
		tree:   t,
		logger: m.logger.With("component", "processor", "root_id", t.RootID()),
	}
}

func (p *Processor) run() {
	defer p.mgr.wg.Done()

	for {
		if p.mgr.baseCtx.Err() != nil {
			// Shutdown: leave queued Nodes pending for the next start.
			p.tree.release()
			return
		}

		tn, ok := p.tree.beginTurn(p.mgr.baseCtx)
		if !ok {
			return
		}
		p.mgr.notifier.NotifyTransition(Transition{
			NodeID: tn.node.ID,
			RootID: p.tree.RootID(),
			State:  StateProcessing,
		})

		start := time.Now()
		res, err := p.invoke(tn)
		if err == nil && res == nil {
			err = errors.New("turn executor returned no result")
		}

		tr := p.tree.finishTurn(tn.node.ID, res, err, tn.ctx)
		p.mgr.notifier.NotifyTransition(tr)

		outcome := "done"
		switch {
		case tr.Cancelled:
			outcome = "cancelled"
			p.logger.Info("turn cancelled", "node_id", tr.NodeID, "detail", tr.Detail)
		case tr.State == StateError:
			outcome = "error"
			p.logger.Warn("turn failed", "node_id", tr.NodeID, "error", tr.Detail)
		default:
			p.logger.Debug("turn completed", "node_id", tr.NodeID, "duration", time.Since(start))
		}
		p.mgr.metrics.RecordTurn(context.Background(), outcome, time.Since(start))
		p.mgr.requestFlush()
	}
}

// invoke runs the executor under the turn's span and optional timeout. No
// Tree or Repository lock is held here, so CancelTree and Enqueue stay
// responsive while a turn is in flight.
func (p *Processor) invoke(tn turn) (*TurnResult, error) {
	ctx := tn.ctx
	if p.mgr.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.mgr.turnTimeout)
		defer cancel()
	}

	ctx, span := p.mgr.spans.StartTurnSpan(ctx, p.tree.RootID(), tn.node.ID)
	res, err := p.mgr.executor.ExecuteTurn(ctx, TurnRequest{
		NodeID:       tn.node.ID,
		Payload:      tn.node.Payload,
		SessionToken: tn.token,
	})
	p.mgr.spans.EndSpanWithError(span, err)
	return res, err
}
