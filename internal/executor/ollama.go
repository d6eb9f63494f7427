// ABOUTME: Turn executor backed by a local Ollama server
// ABOUTME: Carries the backend KV context through the opaque session token

package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/2389/fold-queue/internal/queue"
)

// OllamaExecutor runs each turn as one generate call against an Ollama
// server. Session continuity uses the backend's own mechanism: the KV
// context returned by a completed generation is encoded into the session
// token and fed back on the branch's next turn, so forked branches diverge
// from whatever context their parent turn established.
type OllamaExecutor struct {
	client *api.Client
	model  string
	logger *slog.Logger
}

var _ queue.TurnExecutor = (*OllamaExecutor)(nil)

// NewOllamaExecutor creates an executor for the given model. host is the
// server base URL; empty falls back to the client's environment defaults
// (OLLAMA_HOST or localhost).
func NewOllamaExecutor(host, model string) (*OllamaExecutor, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}

	var client *api.Client
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parsing ollama host: %w", err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}

	return &OllamaExecutor{
		client: client,
		model:  model,
		logger: slog.Default().With("component", "executor", "backend", "ollama"),
	}, nil
}

// ExecuteTurn sends one generation request and accumulates the streamed
// response. The stream callback checks ctx so cancellation takes effect
// between fragments, not just between turns.
func (e *OllamaExecutor) ExecuteTurn(ctx context.Context, req queue.TurnRequest) (*queue.TurnResult, error) {
	prompt, system := parsePayload(req.Payload)

	kv, err := decodeKVContext(req.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("decoding session token: %w", err)
	}

	greq := &api.GenerateRequest{
		Model:   e.model,
		Prompt:  prompt,
		System:  system,
		Context: kv,
	}

	var sb strings.Builder
	var finalKV []int
	err = e.client.Generate(ctx, greq, func(resp api.GenerateResponse) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sb.WriteString(resp.Response)
		if resp.Done {
			finalKV = resp.Context
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}

	token, err := encodeKVContext(finalKV)
	if err != nil {
		return nil, fmt.Errorf("encoding session token: %w", err)
	}

	e.logger.Debug("turn generated",
		"node_id", req.NodeID,
		"response_len", sb.Len(),
		"kv_len", len(finalKV))
	return &queue.TurnResult{Response: sb.String(), SessionToken: token}, nil
}

// encodeKVContext packs the KV context into an opaque token string. An
// empty context yields an empty token, which keeps the branch's previous
// token in place.
func encodeKVContext(kv []int) (string, error) {
	if len(kv) == 0 {
		return "", nil
	}
	data, err := json.Marshal(kv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeKVContext unpacks a session token back into a KV context. An empty
// token means a fresh conversation.
func decodeKVContext(token string) ([]int, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var kv []int
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, err
	}
	return kv, nil
}
