// ABOUTME: Configuration loading and parsing for fold-queue
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fold-queue configuration
type Config struct {
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Executor ExecutorConfig `yaml:"executor"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SnapshotConfig selects and configures the snapshot backend
type SnapshotConfig struct {
	// Backend is one of "file", "sqlite", "redis" or "none".
	Backend string `yaml:"backend"`

	// Path is the snapshot file (file backend) or database file (sqlite).
	Path string `yaml:"path"`

	// URL is the redis connection URL (redis backend).
	URL string `yaml:"url"`

	// Key overrides the redis key the snapshot is stored under.
	Key string `yaml:"key"`

	// Retain keeps the newest N historical snapshots (file and sqlite
	// backends). Zero disables history.
	Retain int `yaml:"retain"`

	TTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// ExecutorConfig selects and configures the turn executor
type ExecutorConfig struct {
	// Backend is one of "ollama", "chatmodel" or "echo".
	Backend string `yaml:"backend"`

	// Host is the Ollama server base URL (ollama backend). Empty uses
	// OLLAMA_HOST or the local default.
	Host string `yaml:"host"`

	// Model names the model to generate with (ollama and chatmodel).
	Model string `yaml:"model"`

	// APIKey and BaseURL configure the OpenAI-compatible endpoint
	// (chatmodel backend).
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	// System is the default system prompt for new sessions.
	System string `yaml:"system"`
}

// EngineConfig holds queue engine timing configuration
type EngineConfig struct {
	TurnTimeout     time.Duration `yaml:"-"`
	FlushDebounce   time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TurnTimeoutRaw     string `yaml:"turn_timeout"`
	FlushDebounceRaw   string `yaml:"flush_debounce"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists: echo executor,
// file snapshots in the working directory, ten second shutdown grace.
func Default() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			Backend: "file",
			Path:    "fold-queue.snapshot.json",
			Retain:  5,
		},
		Executor: ExecutorConfig{
			Backend: "echo",
		},
		Engine: EngineConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Snapshot.Backend {
	case "file", "sqlite":
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required for the %s backend", c.Snapshot.Backend)
		}
	case "redis":
		if c.Snapshot.URL == "" {
			return fmt.Errorf("snapshot.url is required for the redis backend")
		}
	case "none", "":
	default:
		return fmt.Errorf("snapshot.backend %q is not one of file, sqlite, redis, none", c.Snapshot.Backend)
	}
	if c.Snapshot.Retain < 0 {
		return fmt.Errorf("snapshot.retain must not be negative")
	}

	switch c.Executor.Backend {
	case "ollama":
		if c.Executor.Model == "" {
			return fmt.Errorf("executor.model is required for the ollama backend")
		}
	case "chatmodel":
		if c.Executor.Model == "" {
			return fmt.Errorf("executor.model is required for the chatmodel backend")
		}
		if c.Executor.APIKey == "" {
			return fmt.Errorf("executor.api_key is required for the chatmodel backend")
		}
	case "echo", "":
	default:
		return fmt.Errorf("executor.backend %q is not one of ollama, chatmodel, echo", c.Executor.Backend)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Snapshot.TTLRaw != "" {
		cfg.Snapshot.TTL, err = time.ParseDuration(cfg.Snapshot.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing ttl %q: %w", cfg.Snapshot.TTLRaw, err)
		}
	}

	if cfg.Engine.TurnTimeoutRaw != "" {
		cfg.Engine.TurnTimeout, err = time.ParseDuration(cfg.Engine.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Engine.TurnTimeoutRaw, err)
		}
	}

	if cfg.Engine.FlushDebounceRaw != "" {
		cfg.Engine.FlushDebounce, err = time.ParseDuration(cfg.Engine.FlushDebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing flush_debounce %q: %w", cfg.Engine.FlushDebounceRaw, err)
		}
	}

	if cfg.Engine.ShutdownTimeoutRaw != "" {
		cfg.Engine.ShutdownTimeout, err = time.ParseDuration(cfg.Engine.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Engine.ShutdownTimeoutRaw, err)
		}
	}

	return nil
}
