// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
snapshot:
  backend: "sqlite"
  path: "./snapshots.db"
  retain: 10

executor:
  backend: "ollama"
  host: "http://localhost:11434"
  model: "llama3.2"
  system: "You are terse."

engine:
  turn_timeout: "2m"
  flush_debounce: "100ms"
  shutdown_timeout: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify snapshot config
	if cfg.Snapshot.Backend != "sqlite" {
		t.Errorf("Snapshot.Backend = %q, want %q", cfg.Snapshot.Backend, "sqlite")
	}
	if cfg.Snapshot.Path != "./snapshots.db" {
		t.Errorf("Snapshot.Path = %q, want %q", cfg.Snapshot.Path, "./snapshots.db")
	}
	if cfg.Snapshot.Retain != 10 {
		t.Errorf("Snapshot.Retain = %d, want 10", cfg.Snapshot.Retain)
	}

	// Verify executor config
	if cfg.Executor.Backend != "ollama" {
		t.Errorf("Executor.Backend = %q, want %q", cfg.Executor.Backend, "ollama")
	}
	if cfg.Executor.Host != "http://localhost:11434" {
		t.Errorf("Executor.Host = %q, want %q", cfg.Executor.Host, "http://localhost:11434")
	}
	if cfg.Executor.Model != "llama3.2" {
		t.Errorf("Executor.Model = %q, want %q", cfg.Executor.Model, "llama3.2")
	}
	if cfg.Executor.System != "You are terse." {
		t.Errorf("Executor.System = %q, want %q", cfg.Executor.System, "You are terse.")
	}

	// Verify engine config with duration parsing
	if cfg.Engine.TurnTimeout != 2*time.Minute {
		t.Errorf("Engine.TurnTimeout = %v, want %v", cfg.Engine.TurnTimeout, 2*time.Minute)
	}
	if cfg.Engine.FlushDebounce != 100*time.Millisecond {
		t.Errorf("Engine.FlushDebounce = %v, want %v", cfg.Engine.FlushDebounce, 100*time.Millisecond)
	}
	if cfg.Engine.ShutdownTimeout != 30*time.Second {
		t.Errorf("Engine.ShutdownTimeout = %v, want %v", cfg.Engine.ShutdownTimeout, 30*time.Second)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "warn"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Snapshot.Backend != "file" {
		t.Errorf("Snapshot.Backend = %q, want default %q", cfg.Snapshot.Backend, "file")
	}
	if cfg.Snapshot.Retain != 5 {
		t.Errorf("Snapshot.Retain = %d, want default 5", cfg.Snapshot.Retain)
	}
	if cfg.Executor.Backend != "echo" {
		t.Errorf("Executor.Backend = %q, want default %q", cfg.Executor.Backend, "echo")
	}
	if cfg.Engine.ShutdownTimeout != 10*time.Second {
		t.Errorf("Engine.ShutdownTimeout = %v, want default %v", cfg.Engine.ShutdownTimeout, 10*time.Second)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, "text")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FOLDQUEUE_API_KEY", "sk-from-env")
	t.Setenv("TEST_FOLDQUEUE_REDIS_URL", "redis://localhost:6379/2")

	configPath := writeConfig(t, `
snapshot:
  backend: "redis"
  url: "${TEST_FOLDQUEUE_REDIS_URL}"
  ttl: "24h"

executor:
  backend: "chatmodel"
  model: "gpt-4o-mini"
  api_key: "${TEST_FOLDQUEUE_API_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Snapshot.URL != "redis://localhost:6379/2" {
		t.Errorf("Snapshot.URL = %q, want %q", cfg.Snapshot.URL, "redis://localhost:6379/2")
	}
	if cfg.Snapshot.TTL != 24*time.Hour {
		t.Errorf("Snapshot.TTL = %v, want %v", cfg.Snapshot.TTL, 24*time.Hour)
	}
	if cfg.Executor.APIKey != "sk-from-env" {
		t.Errorf("Executor.APIKey = %q, want %q", cfg.Executor.APIKey, "sk-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
snapshot:
  backend: "redis"
  url: "${UNSET_VAR_FOR_TEST}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error: unset env var leaves snapshot.url empty")
	}
	if !strings.Contains(err.Error(), "snapshot.url") {
		t.Errorf("error %q should name snapshot.url", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error %q should mention reading the file", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	configPath := writeConfig(t, "snapshot: [not a map")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error %q should mention parsing", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
engine:
  turn_timeout: "two minutes"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "turn_timeout") {
		t.Errorf("error %q should name the bad field", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "unknown snapshot backend",
			mutate:  func(c *Config) { c.Snapshot.Backend = "tape" },
			wantSub: "snapshot.backend",
		},
		{
			name: "file backend without path",
			mutate: func(c *Config) {
				c.Snapshot.Backend = "file"
				c.Snapshot.Path = ""
			},
			wantSub: "snapshot.path",
		},
		{
			name: "redis backend without url",
			mutate: func(c *Config) {
				c.Snapshot.Backend = "redis"
				c.Snapshot.URL = ""
			},
			wantSub: "snapshot.url",
		},
		{
			name:    "negative retain",
			mutate:  func(c *Config) { c.Snapshot.Retain = -1 },
			wantSub: "snapshot.retain",
		},
		{
			name:    "unknown executor backend",
			mutate:  func(c *Config) { c.Executor.Backend = "carrier-pigeon" },
			wantSub: "executor.backend",
		},
		{
			name:    "ollama without model",
			mutate:  func(c *Config) { c.Executor.Backend = "ollama" },
			wantSub: "executor.model",
		},
		{
			name: "chatmodel without api key",
			mutate: func(c *Config) {
				c.Executor.Backend = "chatmodel"
				c.Executor.Model = "gpt-4o-mini"
			},
			wantSub: "executor.api_key",
		},
		{
			name:    "unknown logging level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantSub: "logging.level",
		},
		{
			name:    "unknown logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantSub: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
