// File path: internal/search/search_test.go
package search

import (
	"context"
	"errors"
	"testing"

	"github.com/convmemory/convmemory/internal/embedding"
	"github.com/convmemory/convmemory/internal/rollout"
	"github.com/convmemory/convmemory/internal/storage"
)

func newSeededStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenWithConfig(storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	record := &rollout.ConversationRecord{
		SessionMeta: map[string]any{"id": "conv-1", "source": "cli"},
	}
	id, err := store.UpsertConversation(ctx, "/tmp/rollout-1.jsonl", record, storage.RolloutFingerprint{}, storage.ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	turns := []struct {
		index  int
		user   string
		vector []float32
	}{
		{0, "first topic", []float32{1, 0}},
		{1, "second topic", []float32{0, 1}},
	}
	for _, tc := range turns {
		turn := rollout.Turn{
			Index:      tc.index,
			UserInputs: []rollout.UserInput{{Text: tc.user}},
			Result:     rollout.TurnResult{AssistantMessages: []string{"answer for " + tc.user}},
		}
		if err := store.InsertTurn(ctx, id, &turn, tc.vector); err != nil {
			t.Fatalf("insert turn %d: %v", tc.index, err)
		}
	}
	return store
}

func TestSearchVectorRanksByCosine(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)
	ctx := context.Background()

	results, err := engine.SearchVector(ctx, []float32{1, 0}, Params{Limit: 2})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].TurnIndex != 0 || results[1].TurnIndex != 1 {
		t.Fatalf("ranking wrong for [1,0]: %+v", results)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("scores not descending: %v vs %v", results[0].Score, results[1].Score)
	}
	if results[0].UserText != "first topic" {
		t.Fatalf("payload text missing: %+v", results[0])
	}

	results, err = engine.SearchVector(ctx, []float32{0, 1}, Params{Limit: 2})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if results[0].TurnIndex != 1 {
		t.Fatalf("ranking wrong for [0,1]: %+v", results)
	}
}

func TestSearchVectorHonorsLimit(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)

	results, err := engine.SearchVector(context.Background(), []float32{1, 1}, Params{Limit: 1})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("limit not applied: %d results", len(results))
	}
}

func TestSearchVectorDegenerateInputs(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)
	ctx := context.Background()

	if results, err := engine.SearchVector(ctx, nil, Params{Limit: 5}); err != nil || results != nil {
		t.Fatalf("empty vector should yield nothing: %v, %v", results, err)
	}
	if results, err := engine.SearchVector(ctx, []float32{1, 0}, Params{Limit: 0}); err != nil || results != nil {
		t.Fatalf("zero limit should yield nothing: %v, %v", results, err)
	}
	if results, err := engine.SearchVector(ctx, []float32{0, 0}, Params{Limit: 5}); err != nil || results != nil {
		t.Fatalf("zero-norm query should yield nothing: %v, %v", results, err)
	}
}

func TestSearchVectorMetaFilter(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)
	ctx := context.Background()

	results, err := engine.SearchVector(ctx, []float32{1, 0}, Params{
		Limit:      5,
		MetaEquals: []storage.MetaFilter{{Key: "source", Value: "cli"}},
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("matching filter should keep rows, got %d", len(results))
	}

	results, err = engine.SearchVector(ctx, []float32{1, 0}, Params{
		Limit:      5,
		MetaEquals: []storage.MetaFilter{{Key: "source", Value: "web"}},
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("mismatched filter should drop rows, got %d", len(results))
	}
}

func TestSearchVectorRejectsInvalidMetaKey(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)

	_, err := engine.SearchVector(context.Background(), []float32{1, 0}, Params{
		Limit:      5,
		MetaEquals: []storage.MetaFilter{{Key: `source";drop table turns;--`, Value: "x"}},
	})
	var invalid *storage.InvalidMetaKeyError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid meta key error, got %v", err)
	}
}

func TestSearchVectorSkipsDimensionMismatch(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)

	results, err := engine.SearchVector(context.Background(), []float32{1, 0, 0}, Params{Limit: 5})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("mismatched candidate dimensions must be skipped, got %d", len(results))
	}
}

func TestSearchVectorZeroCandidateScoresZero(t *testing.T) {
	store, err := storage.OpenWithConfig(storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	record := &rollout.ConversationRecord{SessionMeta: map[string]any{"id": "conv-z"}}
	id, err := store.UpsertConversation(ctx, "/tmp/rollout-z.jsonl", record, storage.RolloutFingerprint{}, storage.ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	turns := []struct {
		index  int
		vector []float32
	}{
		{0, []float32{1, 0}},
		{1, []float32{0, 0}},
	}
	for _, tc := range turns {
		turn := rollout.Turn{Index: tc.index, UserInputs: []rollout.UserInput{{Text: "x"}}}
		if err := store.InsertTurn(ctx, id, &turn, tc.vector); err != nil {
			t.Fatalf("insert turn %d: %v", tc.index, err)
		}
	}

	engine := New(store, nil)
	results, err := engine.SearchVector(ctx, []float32{1, 0}, Params{Limit: 5})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("zero-norm candidate must be kept, got %d results", len(results))
	}
	if results[1].TurnIndex != 1 || results[1].Score != 0 {
		t.Fatalf("zero-norm candidate should rank last with score 0: %+v", results[1])
	}
}

func TestSearchTextWithoutEmbedder(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, nil)

	_, err := engine.SearchText(context.Background(), "anything", Params{Limit: 5})
	if !errors.Is(err, embedding.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSearchTextUsesEmbedder(t *testing.T) {
	store := newSeededStore(t)
	engine := New(store, stubEmbedder{vector: []float32{0, 1}})

	results, err := engine.SearchText(context.Background(), "second", Params{Limit: 1})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].TurnIndex != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
}

type stubEmbedder struct {
	vector []float32
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vector, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, nil
}

func (s stubEmbedder) Dimension() int { return len(s.vector) }
