package memory

import (
	"context"
	"errors"
	"time"

	"github.com/marrowlabs/mnemo/core"
)

// Sentinel errors for the memory system.
//
// ErrLoadCorrupt and ErrPersistFailed are the operator-visible class:
// retrieval and archival failures degrade gracefully, but a blob that
// exists and cannot be decoded must never be silently replaced by an
// empty index, since that would drop archived memory.
var (
	// ErrDimensionMismatch reports a vector whose length disagrees with the
	// configured embedding dimension. Vectors are never truncated or padded.
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")

	// ErrLoadCorrupt reports a persisted index blob that exists but cannot
	// be deserialized. The conversation is unusable for long-term memory
	// until the blob is repaired or explicitly discarded.
	ErrLoadCorrupt = errors.New("memory: persisted index is corrupt")

	// ErrPersistFailed reports a failed durable write. The in-memory index
	// remains authoritative; callers decide whether to retry.
	ErrPersistFailed = errors.New("memory: index persist failed")

	// ErrNotFound reports a missing conversation, message or blob.
	ErrNotFound = errors.New("memory: not found")

	// ErrSessionEvicted reports an insert on a session instance the store
	// has already evicted or deleted. The write did not happen; the caller
	// re-fetches the session via Get and retries.
	ErrSessionEvicted = errors.New("memory: session evicted")
)

// Match is a single result from a vector similarity search.
type Match struct {
	// ID is the message ID of the matched vector.
	ID int64

	// Distance between the query and the matched vector. Lower is closer;
	// an exact match is approximately zero.
	Distance float32
}

// Index is the per-conversation similarity structure: a mapping from
// message ID to a fixed-length vector with k-nearest-neighbor search.
//
// An ID is inserted at most once and the item count is non-decreasing.
// The ID space is shared with message IDs; an Index never invents its own.
//
// Implementations are NOT safe for concurrent use; Session owns the
// locking discipline.
type Index interface {
	// Insert adds a vector under the given message ID. Inserting an ID
	// that is already present is a no-op, not an error. Returns
	// ErrDimensionMismatch if the vector length disagrees with the
	// configured dimension.
	Insert(ctx context.Context, id int64, vector []float32) error

	// Contains reports whether the ID has been inserted.
	Contains(id int64) bool

	// Count returns the number of stored vectors.
	Count() int

	// Search returns up to k matches ordered by ascending distance.
	// An empty index, or k <= 0, yields an empty result and no error;
	// k larger than the item count returns all items.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Serialize returns an exact snapshot of all (id, vector) pairs.
	Serialize() ([]byte, error)

	// Deserialize replaces the index contents with a snapshot previously
	// produced by Serialize. Returns ErrLoadCorrupt for undecodable data
	// or a dimension disagreement.
	Deserialize(data []byte) error
}

// Embedder converts text to vector embeddings.
// Implementations: openai (production), mock (testing, offline).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Log is the message log collaborator. It owns message identity: Append
// assigns IDs that increase monotonically within a conversation.
// Implementations: msglog (in-memory), msglog/badgerlog (durable).
type Log interface {
	// Append records a message and returns it with its assigned ID and
	// creation time.
	Append(ctx context.Context, conversationID string, role core.Role, content string) (core.Message, error)

	// Recent returns the last limit messages in chronological order.
	// An unknown conversation yields an empty slice, not an error.
	Recent(ctx context.Context, conversationID string, limit int) ([]core.Message, error)

	// ByID resolves message IDs, silently dropping any that do not exist.
	ByID(ctx context.Context, conversationID string, ids []int64) ([]core.Message, error)

	// MarkArchived stamps the message as indexed into long-term memory.
	MarkArchived(ctx context.Context, conversationID string, id int64) error

	// DeleteConversation removes every message of the conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// BlobStore persists serialized indexes, one named blob per conversation.
// Writes are atomic: a reader never observes a partial blob. Operations
// honor context cancellation, so a bounded archive attempt bounds its
// persistence step too.
// Implemented by blob.Store.
type BlobStore interface {
	// Save durably replaces the named blob.
	Save(ctx context.Context, name string, data []byte) error

	// Load returns the named blob, or ErrNotFound if it does not exist.
	Load(ctx context.Context, name string) ([]byte, error)

	// Delete removes the named blob. Deleting a missing blob is a no-op.
	Delete(ctx context.Context, name string) error
}

// Config holds the memory system configuration.
type Config struct {
	// Dimension is the embedding vector size. Every conversation index and
	// the configured Embedder must agree on it.
	Dimension int

	// ShortTermWindow is the number of recent messages used verbatim
	// (K_short).
	ShortTermWindow int

	// RetrieveLimit is the number of archived messages retrieved by
	// similarity (K_long).
	RetrieveLimit int

	// ArchiveWorkers is the size of the background archive pool.
	ArchiveWorkers int

	// ArchiveQueueDepth bounds the archive backlog. Beyond it, archive
	// requests are dropped and counted rather than growing without bound.
	ArchiveQueueDepth int

	// ArchiveTimeout bounds a single archive attempt, embedding and
	// persistence included. A timed-out attempt is dropped, not retried.
	ArchiveTimeout time.Duration

	// MaxSessions bounds the number of conversation indexes cached in
	// memory. Zero means unbounded. The least recently used idle session
	// is persisted and evicted when the bound is exceeded.
	MaxSessions int
}

// DefaultConfig returns the defaults used by the example server. The
// window and retrieval sizes follow the original hybrid-memory tuning:
// two exchanges verbatim, two archived messages by similarity.
func DefaultConfig() *Config {
	return &Config{
		Dimension:         1536,
		ShortTermWindow:   4,
		RetrieveLimit:     2,
		ArchiveWorkers:    2,
		ArchiveQueueDepth: 64,
		ArchiveTimeout:    15 * time.Second,
		MaxSessions:       256,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.Dimension == 0 {
		out.Dimension = def.Dimension
	}
	if out.ShortTermWindow == 0 {
		out.ShortTermWindow = def.ShortTermWindow
	}
	if out.RetrieveLimit == 0 {
		out.RetrieveLimit = def.RetrieveLimit
	}
	if out.ArchiveWorkers == 0 {
		out.ArchiveWorkers = def.ArchiveWorkers
	}
	if out.ArchiveQueueDepth == 0 {
		out.ArchiveQueueDepth = def.ArchiveQueueDepth
	}
	if out.ArchiveTimeout == 0 {
		out.ArchiveTimeout = def.ArchiveTimeout
	}
	return &out
}
