// ABOUTME: Entry point for fold-replay
// ABOUTME: Replays a recorded NDJSON op file against a queue engine

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"

	"github.com/2389/fold-queue/internal/executor"
	"github.com/2389/fold-queue/internal/queue"
	"github.com/2389/fold-queue/internal/snapshot"
)

const banner = `
    ╭─────────────────────────────────────╮
    │                                     │
    │   ┏━╸┏━┓╻  ╺┳┓   ┏━┓┏━╸┏━┓╻  ┏━┓╻ ╻ │
    │   ┣╸ ┃ ┃┃   ┃┃   ┣┳┛┣╸ ┣━┛┃  ┣━┫┗┳┛ │
    │   ╹  ┗━┛┗━╸╺┻┛   ╹┗╸┗━╸╹  ┗━╸╹ ╹ ╹  │
    │                                     │
    │          fold-replay tool           │
    │                                     │
    ╰─────────────────────────────────────╯
`

// getConfigPath returns the path to the replay config file.
// Priority: FOLD_REPLAY_CONFIG env var > ./fold-replay.toml
func getConfigPath() string {
	if envPath := os.Getenv("FOLD_REPLAY_CONFIG"); envPath != "" {
		return envPath
	}
	return "fold-replay.toml"
}

// op mirrors the NDJSON command lines fold-queue serve consumes, so a
// recorded session replays verbatim.
type op struct {
	Op             string `json:"op"`
	ParentID       string `json:"parent_id,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Payload        string `json:"payload,omitempty"`
	RootID         string `json:"root_id,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fold-replay <ops-file>")
		fmt.Println()
		fmt.Println("Replays an NDJSON op file (enqueue / cancel / resolve lines)")
		fmt.Println("against a fresh or restored engine. Config: fold-replay.toml")
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opsFile string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	exec, err := buildExecutor(ctx, cfg.Executor)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	var store snapshot.Store
	repo := queue.NewRepository()
	if cfg.Replay.Snapshot != "" {
		store, err = snapshot.NewFileStore(cfg.Replay.Snapshot, 1)
		if err != nil {
			return fmt.Errorf("opening snapshot file: %w", err)
		}
		defer store.Close()

		snap, err := store.LoadLatest(ctx)
		switch {
		case errors.Is(err, snapshot.ErrNoSnapshot):
			// fresh engine, state saved on exit
		case err != nil:
			return fmt.Errorf("loading snapshot: %w", err)
		default:
			repo, err = queue.Restore(snap)
			if err != nil {
				return fmt.Errorf("restoring snapshot: %w", err)
			}
		}
	}

	tracker := newTracker()

	managerCfg := queue.ManagerConfig{
		Executor: exec,
		Notifier: tracker,
		Logger:   logger,
	}
	if store != nil {
		managerCfg.Persister = store
	}

	manager, err := queue.NewManager(repo, managerCfg)
	if err != nil {
		return fmt.Errorf("creating queue manager: %w", err)
	}
	manager.Start()

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Ops file: %s\n", opsFile)
	green.Print("    ▶ ")
	fmt.Printf("Executor: %s\n", cfg.Executor.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Rate:     %s\n", cfg.Replay.Rate)
	if cfg.Replay.Snapshot != "" {
		green.Print("    ▶ ")
		fmt.Printf("Snapshot: %s (%d trees restored)\n", cfg.Replay.Snapshot, repo.TreeCount())
	}
	fmt.Println()

	dispatched, opErrs, err := replayOps(ctx, manager, tracker, opsFile, cfg.Replay.Rate)
	if err != nil {
		return err
	}

	// Give in-flight turns a chance to land before shutting down.
	if ctx.Err() == nil {
		tracker.waitSettled(ctx, cfg.Replay.DrainTimeout)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down engine: %w", err)
	}

	tracker.printSummary(dispatched, opErrs)
	return nil
}

// replayOps reads the op file line by line and dispatches each op, pacing
// by rate. Returns the number of nodes enqueued and the op errors hit.
func replayOps(ctx context.Context, m *queue.Manager, tracker *replayTracker, path string, rate time.Duration) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening ops file: %w", err)
	}
	defer f.Close()

	var dispatched, opErrs int
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if ctx.Err() != nil {
			color.New(color.FgYellow).Printf("  interrupted at line %d\n", lineNo)
			break
		}

		var o op
		if err := sonic.Unmarshal([]byte(line), &o); err != nil {
			opErrs++
			color.New(color.FgRed).Printf("  line %d: bad op: %v\n", lineNo, err)
			continue
		}

		switch o.Op {
		case "enqueue":
			nodeID, err := m.Enqueue(o.ParentID, o.CorrelationKey, []byte(o.Payload))
			if err != nil {
				opErrs++
				color.New(color.FgRed).Printf("  line %d: enqueue %s: %v\n", lineNo, o.CorrelationKey, err)
				continue
			}
			tracker.expect(nodeID)
			dispatched++
		case "cancel":
			m.CancelTree(o.RootID)
		case "resolve":
			parentID, ok := m.ResolveParent(o.CorrelationKey)
			if ok {
				color.New(color.FgHiBlack).Printf("  resolve %s -> %s\n", o.CorrelationKey, parentID)
			} else {
				color.New(color.FgHiBlack).Printf("  resolve %s -> no live node\n", o.CorrelationKey)
			}
		default:
			opErrs++
			color.New(color.FgRed).Printf("  line %d: unknown op %q\n", lineNo, o.Op)
			continue
		}

		if rate > 0 {
			select {
			case <-time.After(rate):
			case <-ctx.Done():
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return dispatched, opErrs, fmt.Errorf("reading ops file: %w", err)
	}

	return dispatched, opErrs, nil
}

// replayTracker prints each transition as it happens and tallies terminal
// states for the end summary.
type replayTracker struct {
	mu       sync.Mutex
	expected map[string]bool
	terminal map[queue.NodeState]int
}

var _ queue.Notifier = (*replayTracker)(nil)

func newTracker() *replayTracker {
	return &replayTracker{
		expected: make(map[string]bool),
		terminal: make(map[queue.NodeState]int),
	}
}

// expect registers a node the summary should wait for.
func (t *replayTracker) expect(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected[nodeID] = true
}

func (t *replayTracker) NotifyTransition(tr queue.Transition) {
	t.mu.Lock()
	if tr.State.Terminal() {
		t.terminal[tr.State]++
		delete(t.expected, tr.NodeID)
	}
	t.mu.Unlock()

	ts := color.New(color.FgHiBlack).Sprint(time.Now().Format("15:04:05"))
	state := stateColor(tr.State).Sprintf("%-10s", tr.State)
	line := fmt.Sprintf("%s %s %s", ts, state, tr.NodeID)
	if tr.Cancelled {
		line += color.New(color.FgRed).Sprint(" cancelled")
	}
	if tr.Detail != "" {
		line += "  " + truncate(tr.Detail, 60)
	}
	fmt.Println(line)
}

// waitSettled blocks until every expected node has reached a terminal
// state, the timeout passes, or ctx is cancelled.
func (t *replayTracker) waitSettled(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		t.mu.Lock()
		outstanding := len(t.expected)
		t.mu.Unlock()
		if outstanding == 0 {
			return
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func (t *replayTracker) printSummary(dispatched, opErrs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Println()
	color.New(color.Bold).Println("Replay summary")
	fmt.Printf("  nodes enqueued: %d\n", dispatched)
	if opErrs > 0 {
		color.New(color.FgRed).Printf("  op errors:      %d\n", opErrs)
	}

	states := make([]string, 0, len(t.terminal))
	for s := range t.terminal {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		state := queue.NodeState(s)
		stateColor(state).Printf("  %-10s", s)
		fmt.Printf(" %d\n", t.terminal[state])
	}

	if n := len(t.expected); n > 0 {
		color.New(color.FgYellow).Printf("  unfinished: %d (still pending or processing at shutdown)\n", n)
	}
}

func stateColor(s queue.NodeState) *color.Color {
	switch s {
	case queue.StatePending:
		return color.New(color.FgYellow)
	case queue.StateProcessing:
		return color.New(color.FgCyan)
	case queue.StateDone:
		return color.New(color.FgGreen)
	case queue.StateError:
		return color.New(color.FgRed)
	case queue.StateStale:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.Reset)
	}
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// buildExecutor creates the configured turn executor.
func buildExecutor(ctx context.Context, cfg ExecutorConfig) (queue.TurnExecutor, error) {
	switch cfg.Backend {
	case "ollama":
		return executor.NewOllamaExecutor(cfg.Host, cfg.Model)
	case "chatmodel":
		return executor.NewChatModelExecutor(ctx, executor.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			System:  cfg.System,
		})
	case "echo":
		return &executor.EchoExecutor{}, nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Backend)
	}
}

