// File path: internal/embedding/openai.go
package embedding

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/convmemory/convmemory/internal/common"
)

const defaultEmbedModel = "text-embedding-3-small"

// OpenAIEmbedder produces vectors through the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewFromEnv builds an embedder from OPENAI_API_KEY, OPENAI_ENDPOINT,
// CONVMEMORY_EMBED_MODEL, and CONVMEMORY_EMBED_DIMENSIONS. It returns
// ErrUnavailable when no API key is configured.
func NewFromEnv() (*OpenAIEmbedder, error) {
	logger := common.Logger()
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, ErrUnavailable
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint := strings.TrimSpace(os.Getenv("OPENAI_ENDPOINT")); endpoint != "" {
		logger.Info("embedding: using custom OpenAI endpoint", "endpoint", endpoint)
		opts = append(opts, option.WithBaseURL(endpoint))
	}

	model := strings.TrimSpace(os.Getenv("CONVMEMORY_EMBED_MODEL"))
	if model == "" {
		model = defaultEmbedModel
	}

	dimensions := 0
	if raw := strings.TrimSpace(os.Getenv("CONVMEMORY_EMBED_DIMENSIONS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid CONVMEMORY_EMBED_DIMENSIONS %q", raw)
		}
		dimensions = parsed
	}

	logger.Info("embedding: OpenAI provider selected", "model", model)
	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Dimension reports the configured vector size, falling back to the model's
// native size for known models.
func (e *OpenAIEmbedder) Dimension() int {
	if e.dimensions > 0 {
		return e.dimensions
	}
	switch e.model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, ErrMissingOutput
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("request embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: requested %d, received %d", ErrMissingOutput, len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrMissingOutput, idx)
		}
		vector := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vector[i] = float32(v)
		}
		vectors[idx] = vector
	}
	for i, vector := range vectors {
		if vector == nil {
			return nil, fmt.Errorf("%w: no vector for input %d", ErrMissingOutput, i)
		}
	}
	return vectors, nil
}
