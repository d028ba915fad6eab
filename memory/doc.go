// Package memory implements a two-tier memory system for conversational
// agents: a bounded recency window served straight from the message log
// (short-term) and a per-conversation vector index over message embeddings
// (long-term).
//
// Architecture:
//   - Index: per-conversation similarity structure (chromem-go backed)
//   - SessionStore: loads, caches and persists one Index per conversation
//   - Indexer: background worker pool that embeds and archives messages
//   - Assembler: merges retrieved and recent messages into model input
//
// The Index itself is not safe for concurrent use. All access goes through
// a Session, which serializes mutations per conversation; distinct
// conversations never share a lock.
//
// Persistence is one blob per conversation, written atomically (temp file
// plus rename) after every successful archive. The in-memory index stays
// authoritative when a write fails; the next archive retries the persist.
package memory
