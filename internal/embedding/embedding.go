// File path: internal/embedding/embedding.go
package embedding

import (
	"context"
	"errors"
)

// Embedder converts text into fixed-size vectors used for turn retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

var (
	// ErrUnavailable indicates no embedding backend is configured.
	ErrUnavailable = errors.New("embedding: backend unavailable")
	// ErrMissingOutput indicates the backend returned fewer vectors than inputs.
	ErrMissingOutput = errors.New("embedding: missing output vector")
)
