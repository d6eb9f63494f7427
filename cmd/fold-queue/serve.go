// ABOUTME: The serve subcommand: engine wiring plus the NDJSON op loop
// ABOUTME: Ops arrive on stdin, transitions stream to stdout, logs go to stderr

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/fold-queue/internal/config"
	"github.com/2389/fold-queue/internal/executor"
	"github.com/2389/fold-queue/internal/notify"
	"github.com/2389/fold-queue/internal/observability"
	"github.com/2389/fold-queue/internal/queue"
	"github.com/2389/fold-queue/internal/snapshot"
)

// op is one NDJSON command line read from stdin.
type op struct {
	Op             string `json:"op"`
	ParentID       string `json:"parent_id,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Payload        string `json:"payload,omitempty"`
	RootID         string `json:"root_id,omitempty"`
}

// opResult is the acknowledgement line written for each op, interleaved
// with transition events on stdout.
type opResult struct {
	Kind           string `json:"kind"`
	Op             string `json:"op"`
	NodeID         string `json:"node_id,omitempty"`
	RootID         string `json:"root_id,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Cancelled      bool   `json:"cancelled"`
	Found          bool   `json:"found"`
	Error          string `json:"error,omitempty"`
}

// event wraps a Transition for the stdout stream so readers can tell it
// apart from op acknowledgements.
type event struct {
	Kind string `json:"kind"`
	queue.Transition
}

func runServe(ctx context.Context) error {
	// Load .env if present; real env vars win.
	_ = godotenv.Load()

	// Print banner
	color.New(color.FgCyan).Fprint(os.Stderr, banner)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "  version %s\n\n", version)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting fold-queue",
		"version", version,
		"config", configPath,
		"snapshot_backend", cfg.Snapshot.Backend,
		"executor_backend", cfg.Executor.Backend)

	store, err := buildStore(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	repo, err := loadRepository(ctx, store, logger)
	if err != nil {
		return err
	}

	exec, err := buildExecutor(ctx, cfg.Executor)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	broadcaster := notify.NewBroadcaster(logger)
	defer broadcaster.Close()

	managerCfg := queue.ManagerConfig{
		Executor: exec,
		Notifier: notify.MultiNotifier{
			notify.NewLogNotifier(logger),
			broadcaster,
		},
		Logger:        logger,
		Metrics:       observability.NewMetricsRecorder(),
		Spans:         observability.NewSpanManager(),
		FlushDebounce: cfg.Engine.FlushDebounce,
		TurnTimeout:   cfg.Engine.TurnTimeout,
	}
	if store != nil {
		managerCfg.Persister = store
	}

	manager, err := queue.NewManager(repo, managerCfg)
	if err != nil {
		return fmt.Errorf("creating queue manager: %w", err)
	}

	manager.Start()

	green := color.New(color.FgGreen)
	green.Fprintf(os.Stderr, "  ▶ engine started (%d trees restored)\n", repo.TreeCount())
	green.Fprintf(os.Stderr, "  ▶ reading ops from stdin (enqueue / cancel / resolve)\n\n")

	// Stream every transition to stdout as NDJSON. The subscription is not
	// tied to the signal context: transitions emitted while Shutdown drains
	// in-flight turns must still reach stdout. The deferred Close tears the
	// channel down after Shutdown returns.
	events, _ := broadcaster.Subscribe(context.Background(), notify.AllBranches)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for tr := range events {
			writeLine(event{Kind: "transition", Transition: tr})
		}
	}()

	// The op loop owns stdin. Scanner errors and EOF end the loop; a signal
	// instead unblocks the select below while the scanner stays parked.
	opsDone := make(chan struct{})
	go func() {
		defer close(opsDone)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			writeLine(handleOp(manager, []byte(line)))
		}
		if err := scanner.Err(); err != nil {
			logger.Error("reading stdin", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-opsDone:
		logger.Info("stdin closed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down engine: %w", err)
	}

	// Flush the event stream before returning.
	broadcaster.Close()
	<-streamDone

	logger.Info("shutdown complete")
	return nil
}

// handleOp dispatches one decoded op line to the Manager.
func handleOp(m *queue.Manager, line []byte) opResult {
	var o op
	if err := sonic.Unmarshal(line, &o); err != nil {
		return opResult{Kind: "result", Error: fmt.Sprintf("decoding op: %v", err)}
	}

	switch o.Op {
	case "enqueue":
		nodeID, err := m.Enqueue(o.ParentID, o.CorrelationKey, []byte(o.Payload))
		if err != nil {
			return opResult{Kind: "result", Op: o.Op, CorrelationKey: o.CorrelationKey, Error: err.Error()}
		}
		return opResult{Kind: "result", Op: o.Op, NodeID: nodeID, CorrelationKey: o.CorrelationKey}

	case "cancel":
		cancelled := m.CancelTree(o.RootID)
		return opResult{Kind: "result", Op: o.Op, RootID: o.RootID, Cancelled: cancelled}

	case "resolve":
		parentID, ok := m.ResolveParent(o.CorrelationKey)
		return opResult{Kind: "result", Op: o.Op, CorrelationKey: o.CorrelationKey, ParentID: parentID, Found: ok}

	default:
		return opResult{Kind: "result", Op: o.Op, Error: fmt.Sprintf("unknown op %q", o.Op)}
	}
}

// writeLine marshals v as one NDJSON line on stdout.
func writeLine(v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		slog.Error("encoding output line", "error", err)
		return
	}
	fmt.Fprintf(os.Stdout, "%s\n", data)
}

// buildStore opens the configured snapshot backend. The none backend
// returns a nil store: the engine runs purely in memory.
func buildStore(ctx context.Context, cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case "file":
		return snapshot.NewFileStore(cfg.Path, cfg.Retain)
	case "sqlite":
		return snapshot.NewSQLiteStore(cfg.Path, cfg.Retain)
	case "redis":
		return snapshot.NewRedisStore(ctx, cfg.URL, cfg.Key, cfg.TTL)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

// loadRepository restores state from the store, or starts fresh when the
// store is empty or absent.
func loadRepository(ctx context.Context, store snapshot.Store, logger *slog.Logger) (*queue.Repository, error) {
	if store == nil {
		return queue.NewRepository(), nil
	}

	snap, err := store.LoadLatest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		logger.Info("no snapshot found, starting fresh")
		return queue.NewRepository(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	repo, err := queue.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restoring snapshot: %w", err)
	}

	logger.Info("snapshot restored", "trees", repo.TreeCount())
	return repo, nil
}

// buildExecutor creates the configured turn executor.
func buildExecutor(ctx context.Context, cfg config.ExecutorConfig) (queue.TurnExecutor, error) {
	switch cfg.Backend {
	case "ollama":
		return executor.NewOllamaExecutor(cfg.Host, cfg.Model)
	case "chatmodel":
		return executor.NewChatModelExecutor(ctx, executor.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			System:      cfg.System,
		})
	case "echo":
		return &executor.EchoExecutor{}, nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Backend)
	}
}
