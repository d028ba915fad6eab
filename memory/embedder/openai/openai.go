// Package openai implements memory.Embedder over the OpenAI embeddings
// API. The default model is text-embedding-ada-002 (1536 dimensions).
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/marrowlabs/mnemo/memory"
)

// Config configures the OpenAI embedder.
type Config struct {
	// APIKey is the OpenAI API key. Required.
	APIKey string

	// BaseURL optionally overrides the API endpoint (proxies, Azure).
	BaseURL string

	// Model is the embedding model (default: text-embedding-ada-002).
	Model string

	// Dimensions is the expected vector size (default: 1536). A response
	// of any other size is rejected, never truncated or padded.
	Dimensions int
}

// Embedder calls the OpenAI embeddings endpoint. Callers bound each
// request with a context deadline; the embedder itself does not retry.
type Embedder struct {
	client     *goopenai.Client
	model      goopenai.EmbeddingModel
	dimensions int
}

// New creates an OpenAI embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := goopenai.AdaEmbeddingV2
	if cfg.Model != "" {
		model = goopenai.EmbeddingModel(cfg.Model)
	}
	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}
	return &Embedder{
		client:     goopenai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed converts a single text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	vector := resp.Data[0].Embedding
	if len(vector) != e.dimensions {
		return nil, fmt.Errorf("%w: model returned %d, want %d", memory.ErrDimensionMismatch, len(vector), e.dimensions)
	}
	return vector, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
