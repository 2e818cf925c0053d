// File path: internal/search/search.go
package search

import (
	"context"
	"math"
	"sort"

	"github.com/convmemory/convmemory/internal/common"
	"github.com/convmemory/convmemory/internal/embedding"
	"github.com/convmemory/convmemory/internal/storage"
)

// Params scopes one search: optional metadata equality filters, an optional
// conversation allow-list, the result limit, and the candidate prefetch size.
type Params struct {
	MetaEquals      []storage.MetaFilter
	ConversationIDs []string
	Limit           int
	Prefetch        int
}

// Result is one scored turn.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	TurnIndex      int     `json:"turn_index"`
	Score          float32 `json:"score"`
	UserText       string  `json:"user_text,omitempty"`
	AssistantText  string  `json:"assistant_text,omitempty"`
}

// Engine runs two-phase retrieval: a SQL prefetch narrows candidates, then
// cosine similarity against the query vector ranks them.
type Engine struct {
	store    *storage.Store
	embedder embedding.Embedder
}

func New(store *storage.Store, embedder embedding.Embedder) *Engine {
	return &Engine{store: store, embedder: embedder}
}

// SearchText embeds the query and delegates to SearchVector. It fails with
// embedding.ErrUnavailable when no embedder is configured.
func (e *Engine) SearchText(ctx context.Context, query string, params Params) ([]Result, error) {
	if e.embedder == nil {
		return nil, embedding.ErrUnavailable
	}
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.SearchVector(ctx, vector, params)
}

// SearchVector ranks stored turn embeddings against the query vector. An
// empty vector or a zero limit yields no results.
func (e *Engine) SearchVector(ctx context.Context, query []float32, params Params) ([]Result, error) {
	if len(query) == 0 || params.Limit <= 0 {
		return nil, nil
	}

	prefetch := params.Prefetch
	if prefetch <= 0 {
		prefetch = params.Limit * 8
		if prefetch < params.Limit {
			prefetch = params.Limit
		}
	}

	rows, err := e.store.QueryTurnsWithEmbeddings(ctx, params.MetaEquals, params.ConversationIDs, prefetch)
	if err != nil {
		return nil, err
	}

	queryNorm := vectorNorm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	logger := common.Logger()
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		if row.TurnIndex < 0 {
			continue
		}
		candidate, ok := storage.DecodeVector(row.Embedding)
		if !ok || len(candidate) != len(query) {
			logger.Debug("search: skipping candidate with unusable embedding",
				"conversation", row.ConversationID, "turn", row.TurnIndex)
			continue
		}
		score := cosine(query, candidate, queryNorm)
		if math.IsNaN(float64(score)) || math.IsInf(float64(score), 0) {
			continue
		}
		results = append(results, Result{
			ConversationID: row.ConversationID,
			TurnIndex:      int(row.TurnIndex),
			Score:          score,
			UserText:       row.UserText.String,
			AssistantText:  row.AssistantText.String,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > params.Limit {
		results = results[:params.Limit]
	}
	return results, nil
}

func vectorNorm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func cosine(query, candidate []float32, queryNorm float64) float32 {
	var dot, candidateSum float64
	for i := range query {
		dot += float64(query[i]) * float64(candidate[i])
		candidateSum += float64(candidate[i]) * float64(candidate[i])
	}
	candidateNorm := math.Sqrt(candidateSum)
	if candidateNorm == 0 {
		// An all-zero candidate is a valid row with no similarity.
		return 0
	}
	return float32(dot / (queryNorm * candidateNorm))
}
