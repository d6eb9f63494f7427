// ABOUTME: Turn executor over any eino chat model, with OpenAI-compatible constructor
// ABOUTME: Keeps per-session message history in memory, keyed by ULID session tokens

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/2389/fold-queue/internal/queue"
)

// ErrUnknownSession is returned when a turn carries a session token this
// executor has no history for. Chat completion backends are stateless, so a
// token minted before a process restart cannot be resumed here; start the
// branch's continuation fresh instead.
var ErrUnknownSession = errors.New("unknown session token")

// ChatModelExecutor adapts any eino chat model to the turn executor
// interface. The backend is stateless, so session continuity lives here: the
// session token is a ULID keying the accumulated message history, appended
// after every successful turn.
type ChatModelExecutor struct {
	model  model.BaseChatModel
	system string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]*schema.Message
}

var _ queue.TurnExecutor = (*ChatModelExecutor)(nil)

// ChatModelConfig configures the OpenAI-compatible constructor.
type ChatModelConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32

	// System is the default system prompt for new sessions. A payload's
	// own system text takes precedence.
	System string
}

// NewChatModelExecutor creates an executor over an OpenAI-compatible chat
// completion endpoint.
func NewChatModelExecutor(ctx context.Context, cfg ChatModelConfig) (*ChatModelExecutor, error) {
	modelConfig := &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		modelConfig.Temperature = &temperature
	}

	m, err := openai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("creating chat model: %w", err)
	}
	return NewChatModelExecutorWithModel(m, cfg.System), nil
}

// NewChatModelExecutorWithModel wraps an already-constructed chat model.
func NewChatModelExecutorWithModel(m model.BaseChatModel, system string) *ChatModelExecutor {
	return &ChatModelExecutor{
		model:    m,
		system:   system,
		logger:   slog.Default().With("component", "executor", "backend", "chatmodel"),
		sessions: make(map[string][]*schema.Message),
	}
}

// ExecuteTurn appends the prompt to the session's history, generates a
// completion, and records the exchange. A turn without a session token
// starts a new session and mints its token.
func (e *ChatModelExecutor) ExecuteTurn(ctx context.Context, req queue.TurnRequest) (*queue.TurnResult, error) {
	prompt, system := parsePayload(req.Payload)

	e.mu.Lock()
	token := req.SessionToken
	var history []*schema.Message
	if token == "" {
		token = ulid.Make().String()
		if system == "" {
			system = e.system
		}
		if system != "" {
			history = append(history, schema.SystemMessage(system))
		}
	} else {
		h, ok := e.sessions[token]
		if !ok {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, token)
		}
		history = h
	}
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, schema.UserMessage(prompt))
	e.mu.Unlock()

	// Generate outside the lock; the engine serializes turns per branch,
	// and each branch owns its token, so concurrent calls never share one.
	out, err := e.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}

	e.mu.Lock()
	e.sessions[token] = append(messages, schema.AssistantMessage(out.Content, nil))
	e.mu.Unlock()

	e.logger.Debug("turn generated",
		"node_id", req.NodeID,
		"session_token", token,
		"history_len", len(messages)+1)
	return &queue.TurnResult{Response: out.Content, SessionToken: token}, nil
}

// SessionCount reports how many sessions hold history. Mostly for tests and
// the inspect command.
func (e *ChatModelExecutor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
