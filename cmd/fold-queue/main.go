// ABOUTME: Entry point for the fold-queue daemon
// ABOUTME: Manages branching conversation queues over pluggable executors

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fold-queue/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __       _     _
 / _| ___ | | __| |       __ _ _   _  ___ _   _  ___
| |_ / _ \| |/ _' |_____ / _' | | | |/ _ \ | | |/ _ \
|  _| (_) | | (_| |_____| (_| | |_| |  __/ |_| |  __/
|_|  \___/|_|\__,_|      \__, |\__,_|\___|\__,_|\___|
                            |_|
`

// getConfigPath returns the path to the fold-queue config file.
// Priority: FOLDQUEUE_CONFIG env var > XDG_CONFIG_HOME/fold-queue/config.yaml > ~/.config/fold-queue/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FOLDQUEUE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fold-queue.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fold-queue", "config.yaml")
}

// getDataPath returns the path to the fold-queue data directory.
// Priority: XDG_DATA_HOME/fold-queue > ~/.local/share/fold-queue
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fold-queue")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fold-queue <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the queue daemon (NDJSON ops on stdin)")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  inspect   Load the configured snapshot and print its trees")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "inspect":
		err = runInspect(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes. Logs go
// to stderr so the NDJSON event stream on stdout stays machine-readable.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fold-queue configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultSnapshotPath := filepath.Join(defaultDataPath, "snapshot.json")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Snapshot persistence
	fmt.Println("\n--- Snapshot Configuration ---")
	snapBackend := prompt(reader, "Snapshot backend (file/sqlite/redis/none)", "file")
	var snapPath, snapURL string
	switch snapBackend {
	case "file":
		snapPath = prompt(reader, "Snapshot file path", defaultSnapshotPath)
	case "sqlite":
		snapPath = prompt(reader, "Snapshot database path", filepath.Join(defaultDataPath, "snapshots.db"))
	case "redis":
		snapURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	// Executor
	fmt.Println("\n--- Executor Configuration ---")
	execBackend := prompt(reader, "Executor backend (ollama/chatmodel/echo)", "echo")
	var execHost, execModel, execAPIKey string
	switch execBackend {
	case "ollama":
		execHost = prompt(reader, "Ollama host (empty for OLLAMA_HOST/local)", "")
		execModel = prompt(reader, "Model", "llama3.2")
	case "chatmodel":
		execModel = prompt(reader, "Model", "gpt-4o-mini")
		execAPIKey = prompt(reader, "API key (or ${VAR} reference)", "${OPENAI_API_KEY}")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# fold-queue configuration\n")
	cfg.WriteString("# Generated by fold-queue init\n\n")

	cfg.WriteString("snapshot:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", snapBackend))
	if snapPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", snapPath))
	}
	if snapURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", snapURL))
	}
	cfg.WriteString("  retain: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("executor:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", execBackend))
	if execHost != "" {
		cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", execHost))
	}
	if execModel != "" {
		cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", execModel))
	}
	if execAPIKey != "" {
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", execAPIKey))
	}
	cfg.WriteString("\n")

	cfg.WriteString("engine:\n")
	cfg.WriteString("  turn_timeout: \"2m\"\n")
	cfg.WriteString("  flush_debounce: \"250ms\"\n")
	cfg.WriteString("  shutdown_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists for local snapshot backends
	if snapPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the daemon:")
	fmt.Printf("  fold-queue serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultVal
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultVal
	}
	return answer
}
