// Package chromem implements memory.Index over chromem-go, a pure Go
// embedded vector database used as the similarity-search primitive.
//
// chromem searches by cosine similarity over normalized vectors; matches
// are reported as distance = 1 - similarity so results order ascending and
// an exact match is approximately zero.
package chromem

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/marrowlabs/mnemo/memory"
)

const collectionName = "messages"

// Index wraps a single chromem collection holding one conversation's
// archived message vectors. It keeps its own id -> vector map alongside
// the collection: chromem normalizes stored vectors, and the map preserves
// the exact inserted values for duplicate detection and serialization.
//
// Not safe for concurrent use; memory.Session serializes access.
type Index struct {
	dimension int
	db        *chromem.DB
	col       *chromem.Collection
	vectors   map[int64][]float32
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		dimension: dimension,
		db:        db,
		col:       col,
		vectors:   make(map[int64][]float32),
	}, nil
}

// Insert adds a vector under the message's own ID. Re-inserting an ID is a
// no-op, which makes archiving idempotent and safe to retry.
func (ix *Index) Insert(ctx context.Context, id int64, vector []float32) error {
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), ix.dimension)
	}
	if _, ok := ix.vectors[id]; ok {
		return nil
	}

	// chromem normalizes the embedding in place; hand it a copy.
	vec := make([]float32, len(vector))
	copy(vec, vector)
	err := ix.col.AddDocument(ctx, chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Embedding: vec,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)
	ix.vectors[id] = stored
	return nil
}

// Contains reports whether the ID has been inserted.
func (ix *Index) Contains(id int64) bool {
	_, ok := ix.vectors[id]
	return ok
}

// Count returns the number of stored vectors.
func (ix *Index) Count() int {
	return len(ix.vectors)
}

// Search returns up to k matches ordered by ascending distance.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]memory.Match, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(query), ix.dimension)
	}

	// chromem rejects nResults larger than the collection size.
	if k > len(ix.vectors) {
		k = len(ix.vectors)
	}
	if k <= 0 {
		return []memory.Match{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	results, err := ix.col.QueryEmbedding(ctx, q, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	matches := make([]memory.Match, 0, len(results))
	for _, res := range results {
		id, err := strconv.ParseInt(res.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed document id %q: %w", res.ID, err)
		}
		matches = append(matches, memory.Match{ID: id, Distance: 1 - res.Similarity})
	}
	return matches, nil
}

// snapshot is the gob wire format for a serialized index.
type snapshot struct {
	Dimension int
	Vectors   map[int64][]float32
}

// Serialize returns an exact snapshot of all (id, vector) pairs.
func (ix *Index) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	snap := snapshot{Dimension: ix.dimension, Vectors: ix.vectors}
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize replaces the index contents with a previously serialized
// snapshot, rebuilding the underlying collection.
func (ix *Index) Deserialize(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("%w: decode: %v", memory.ErrLoadCorrupt, err)
	}
	if snap.Dimension != ix.dimension {
		return fmt.Errorf("%w: blob dimension %d, index dimension %d", memory.ErrLoadCorrupt, snap.Dimension, ix.dimension)
	}
	for id, vec := range snap.Vectors {
		if len(vec) != ix.dimension {
			return fmt.Errorf("%w: vector %d has %d elements, want %d", memory.ErrLoadCorrupt, id, len(vec), ix.dimension)
		}
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	for id, vec := range snap.Vectors {
		v := make([]float32, len(vec))
		copy(v, vec)
		err := col.AddDocument(context.Background(), chromem.Document{
			ID:        strconv.FormatInt(id, 10),
			Embedding: v,
		})
		if err != nil {
			return fmt.Errorf("rebuild collection: %w", err)
		}
	}

	if snap.Vectors == nil {
		snap.Vectors = make(map[int64][]float32)
	}
	ix.db = db
	ix.col = col
	ix.vectors = snap.Vectors
	return nil
}
