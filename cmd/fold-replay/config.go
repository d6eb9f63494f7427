// ABOUTME: Configuration loading for the fold-replay tool
// ABOUTME: Loads TOML config with environment variable expansion

package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Replay   ReplayConfig   `toml:"replay"`
	Executor ExecutorConfig `toml:"executor"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ReplayConfig struct {
	// Rate is the pause between dispatched ops. Zero replays as fast as
	// the engine accepts them.
	Rate    time.Duration `toml:"-"`
	RateRaw string        `toml:"rate"`

	// DrainTimeout bounds the wait for in-flight turns after the last op.
	DrainTimeout    time.Duration `toml:"-"`
	DrainTimeoutRaw string        `toml:"drain_timeout"`

	// Snapshot is an optional snapshot file. When set, replay restores
	// from it if it exists and writes the final state back on exit.
	Snapshot string `toml:"snapshot"`
}

type ExecutorConfig struct {
	Backend string `toml:"backend"`
	Host    string `toml:"host"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	System  string `toml:"system"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the baseline configuration: echo executor, brisk rate,
// warn-level logging so the transition stream stays readable.
func Default() *Config {
	return &Config{
		Replay: ReplayConfig{
			Rate:         10 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Backend: "echo",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load reads config from the given path, expanding environment variables.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	if c.Replay.RateRaw != "" {
		d, err := time.ParseDuration(c.Replay.RateRaw)
		if err != nil {
			return fmt.Errorf("replay.rate: %w", err)
		}
		c.Replay.Rate = d
	}
	if c.Replay.DrainTimeoutRaw != "" {
		d, err := time.ParseDuration(c.Replay.DrainTimeoutRaw)
		if err != nil {
			return fmt.Errorf("replay.drain_timeout: %w", err)
		}
		c.Replay.DrainTimeout = d
	}
	return nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Replay.Rate < 0 {
		return fmt.Errorf("replay.rate must not be negative")
	}
	if c.Replay.DrainTimeout <= 0 {
		return fmt.Errorf("replay.drain_timeout must be positive")
	}
	switch c.Executor.Backend {
	case "echo":
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
	default:
		return fmt.Errorf("executor.backend must be one of echo, ollama, chatmodel")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
