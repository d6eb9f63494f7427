// ABOUTME: Deterministic local executor for replay runs and tests: echoes prompts
// ABOUTME: Supports an optional per-turn delay and scripted failures

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/fold-queue/internal/queue"
)

// EchoExecutor answers every turn with the prompt itself. No backend, no
// network: replay runs and engine tests use it to exercise queueing,
// cancellation and session plumbing deterministically.
type EchoExecutor struct {
	// Delay holds each turn open before answering, honoring ctx. Zero
	// answers immediately.
	Delay time.Duration

	// Prefix is prepended to every response. Defaults to "echo: ".
	Prefix string

	// FailSubstring makes any turn whose prompt contains it fail. Empty
	// disables scripted failures.
	FailSubstring string
}

var _ queue.TurnExecutor = (*EchoExecutor)(nil)

func (e *EchoExecutor) ExecuteTurn(ctx context.Context, req queue.TurnRequest) (*queue.TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt, _ := parsePayload(req.Payload)

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if e.FailSubstring != "" && strings.Contains(prompt, e.FailSubstring) {
		return nil, fmt.Errorf("scripted failure on prompt %q", prompt)
	}

	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}

	token := req.SessionToken
	if token == "" {
		token = ulid.Make().String()
	}
	return &queue.TurnResult{Response: prefix + prompt, SessionToken: token}, nil
}
