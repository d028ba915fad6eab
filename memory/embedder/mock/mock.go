// Package mock provides a deterministic offline embedder for tests.
// Identical texts map to identical unit vectors, so exact-match retrieval
// behaves like the real thing; there is no semantic similarity beyond that.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates hash-derived embeddings of a fixed dimension.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder producing vectors of the given dimension.
func New(dimensions int) *Embedder {
	return &Embedder{dimensions: dimensions}
}

// Embed derives a unit vector from the text's hash. Deterministic: the
// same text always yields the same vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, e.dimensions)
	for i := range vec {
		// xorshift64 keeps successive components decorrelated.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state)) / float32(math.MaxInt64)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
