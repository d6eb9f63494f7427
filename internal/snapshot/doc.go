// Package snapshot persists queue engine state across restarts.
//
// # Envelope Format
//
// Snapshots are stored as JSON envelopes:
//
//	{
//	  "format": 1,
//	  "taken_at": "...",
//	  "digest": "<hex blake3 of data>",
//	  "data": { "trees": {...}, "node_index": {...} }
//	}
//
// Decode validates the document against an embedded JSON schema, checks the
// format version and verifies the digest before handing the inner document
// to queue.Restore. Anything that fails validation is rejected as corrupt;
// a partially trusted snapshot is never restored.
//
// # Backends
//
// Three stores implement the Store interface:
//
//   - FileStore: one JSON file, replaced atomically, with an optional
//     revisions/ history pruned to the newest N copies
//   - SQLiteStore: one row per save in a snapshots table, pruned to the
//     newest N rows
//   - RedisStore: the latest envelope under a single key, for hosts that
//     share recovery state
//
// All stores satisfy queue.Persister, so any of them plugs into the
// Manager's background flusher directly.
package snapshot
