// Package embedder provides decorators shared by Embedder implementations.
package embedder

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/marrowlabs/mnemo/memory"
)

// Cached memoizes embeddings by exact text, keyed per process. The cache
// is lossy (admission and eviction are ristretto's call), which is sound
// here: a miss just recomputes. Archival and retrieval frequently embed
// the same message content, so hits are common.
type Cached struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with a ristretto cache holding up to maxBytes of
// vector data.
func NewCached(inner memory.Embedder, maxBytes int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or computes and caches it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vector, ok := v.([]float32); ok {
			return vector, nil
		}
	}
	vector, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vector, int64(len(vector)*4))
	return vector, nil
}

// Dimensions returns the inner embedder's vector size.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Wait blocks until pending cache writes are visible. Tests use it to make
// hit behavior deterministic.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}
