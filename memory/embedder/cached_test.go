package embedder_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/marrowlabs/mnemo/memory/embedder"
	"github.com/marrowlabs/mnemo/memory/embedder/mock"
)

// countingEmbedder counts Embed calls through to the wrapped embedder.
type countingEmbedder struct {
	inner *mock.Embedder
	calls atomic.Int64
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return e.inner.Embed(ctx, text)
}

func (e *countingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func TestCached_HitSkipsInner(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{inner: mock.New(8)}
	cached, err := embedder.NewCached(inner, 1<<20)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}
	defer cached.Close()

	first, err := cached.Embed(ctx, "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	cached.Wait()

	second, err := cached.Embed(ctx, "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}

	// A different text misses.
	if _, err := cached.Embed(ctx, "other text"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}

	if cached.Dimensions() != 8 {
		t.Errorf("Dimensions = %d, want 8", cached.Dimensions())
	}
}
