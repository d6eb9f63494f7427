// Package config handles configuration loading for fold-queue.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FOLDQUEUE_CONFIG environment variable
//  2. ./fold-queue.yaml (current directory)
//  3. ~/.config/fold-queue/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	executor:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  turn_timeout: "2m"
//	  flush_debounce: "250ms"
//	  shutdown_timeout: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Snapshot persistence:
//
//	snapshot:
//	  backend: "file"   # file, sqlite, redis, none
//	  path: "fold-queue.snapshot.json"
//	  retain: 5         # historical snapshots to keep
//
// The redis backend takes a URL and optional key and TTL instead of a path:
//
//	snapshot:
//	  backend: "redis"
//	  url: "${REDIS_URL}"
//	  key: "foldqueue:snapshot"
//	  ttl: "24h"
//
// Turn executor:
//
//	executor:
//	  backend: "ollama"   # ollama, chatmodel, echo
//	  host: "http://localhost:11434"
//	  model: "llama3.2"
//	  system: "You are a helpful assistant."
//
// The chatmodel backend speaks to OpenAI-compatible endpoints:
//
//	executor:
//	  backend: "chatmodel"
//	  model: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""        # empty for api.openai.com
//	  max_tokens: 1024
//	  temperature: 0.7
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Backend names against the known sets
//   - Backend-specific required fields (paths, URLs, models, keys)
//   - Duration format validity
//   - Logging level and format values
package config
