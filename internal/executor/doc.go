// Package executor provides turn executor implementations for the queue
// engine.
//
// Three backends are bundled:
//
//   - OllamaExecutor: one generate call per turn against an Ollama server,
//     threading the backend's KV context through the session token
//   - ChatModelExecutor: any eino chat model (OpenAI-compatible endpoints
//     via the bundled constructor), with per-session history held in memory
//   - EchoExecutor: deterministic local echo for replay runs and tests
//
// # Payload Convention
//
// The engine treats payloads as opaque bytes. The bundled executors share
// one convention: a payload that parses as {"text": ..., "system": ...}
// supplies the prompt and an optional system prompt; anything else is used
// verbatim as the prompt. Custom executors can define their own shapes.
//
// # Session Tokens
//
// Executors own what a session token means. Ollama encodes the backend KV
// context into the token itself, so it survives restarts. The chat model
// executor keys in-memory history with a ULID; tokens from a previous
// process fail with ErrUnknownSession. Echo mints a token on first use and
// passes it through untouched afterwards.
package executor
