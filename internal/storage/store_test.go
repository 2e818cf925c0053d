// File path: internal/storage/store_test.go
package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convmemory/convmemory/internal/rollout"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenWithConfig(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord() *rollout.ConversationRecord {
	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(5 * time.Second)
	duration := int64(5)
	return &rollout.ConversationRecord{
		SessionMeta:     map[string]any{"id": "conv-1", "source": "cli"},
		StartedAt:       &started,
		EndedAt:         &ended,
		DurationSeconds: &duration,
		Turns: []rollout.Turn{
			{
				Index:      0,
				UserInputs: []rollout.UserInput{{Text: "How do I sort a slice?"}},
				Result:     rollout.TurnResult{AssistantMessages: []string{"Use sort.Slice with a less function."}},
			},
		},
	}
}

func sampleFingerprint() RolloutFingerprint {
	modified := time.Date(2025, 1, 2, 3, 4, 5, 678900000, time.UTC)
	size := int64(1234)
	return RolloutFingerprint{ModifiedAt: &modified, SizeBytes: &size, SHA256: "abc123"}
}

func TestUpsertConversationAndFingerprint(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	record := sampleRecord()
	fingerprint := sampleFingerprint()

	id, err := store.UpsertConversation(ctx, "/tmp/rollout-x.jsonl", record, fingerprint, ConversationStats{TurnCount: 1}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if id != "conv-1" {
		t.Fatalf("id should come from session meta, got %q", id)
	}

	stored, err := store.GetRolloutFingerprint(ctx, "/tmp/rollout-x.jsonl")
	if err != nil {
		t.Fatalf("fingerprint lookup failed: %v", err)
	}
	if stored == nil {
		t.Fatalf("fingerprint should exist")
	}
	if stored.ModifiedAt == nil || !stored.ModifiedAt.Equal(*fingerprint.ModifiedAt) {
		t.Fatalf("mtime did not round-trip: %v vs %v", stored.ModifiedAt, fingerprint.ModifiedAt)
	}
	if stored.SizeBytes == nil || *stored.SizeBytes != 1234 {
		t.Fatalf("size did not round-trip: %v", stored.SizeBytes)
	}
	if stored.SHA256 != "abc123" {
		t.Fatalf("hash did not round-trip: %q", stored.SHA256)
	}

	missing, err := store.GetRolloutFingerprint(ctx, "/tmp/never-seen.jsonl")
	if err != nil {
		t.Fatalf("lookup of unknown path failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown path should yield a nil fingerprint")
	}
}

func TestConversationIDFallsBackToFileStem(t *testing.T) {
	store := newMemoryStore(t)
	record := sampleRecord()
	record.SessionMeta = nil

	id, err := store.UpsertConversation(context.Background(), "/sessions/rollout-2025-01-01.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if id != "rollout-2025-01-01" {
		t.Fatalf("unexpected fallback id: %q", id)
	}
}

func TestConversationIDOverride(t *testing.T) {
	store := newMemoryStore(t)
	id, err := store.UpsertConversation(context.Background(), "/tmp/r.jsonl", sampleRecord(), RolloutFingerprint{}, ConversationStats{}, "forced-id")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if id != "forced-id" {
		t.Fatalf("override ignored: %q", id)
	}
}

func TestTokenEstimationFallback(t *testing.T) {
	store := newMemoryStore(t)
	record := sampleRecord()

	id, err := store.UpsertConversation(context.Background(), "/tmp/r.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	var row struct {
		Input  int64 `db:"token_input"`
		Output int64 `db:"token_output"`
		Total  int64 `db:"token_total"`
	}
	err = store.DB().Get(&row, `SELECT token_input, token_output, token_total FROM conversations WHERE id = ?`, id)
	if err != nil {
		t.Fatalf("read token columns: %v", err)
	}
	if row.Input != 6 {
		t.Fatalf("unexpected estimated input tokens: %d", row.Input)
	}
	if row.Output != 6 {
		t.Fatalf("unexpected estimated output tokens: %d", row.Output)
	}
	if row.Total != 12 {
		t.Fatalf("estimated total should be input plus output, got %d", row.Total)
	}
}

func TestExplicitTokenUsageWins(t *testing.T) {
	store := newMemoryStore(t)
	record := sampleRecord()
	input, output, total := int64(100), int64(40), int64(140)
	record.TokenUsage.Total = &rollout.TokenUsageBreakdown{
		InputTokens:  &input,
		OutputTokens: &output,
		TotalTokens:  &total,
	}

	id, err := store.UpsertConversation(context.Background(), "/tmp/r.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	var gotTotal int64
	if err := store.DB().Get(&gotTotal, `SELECT token_total FROM conversations WHERE id = ?`, id); err != nil {
		t.Fatalf("read total: %v", err)
	}
	if gotTotal != 140 {
		t.Fatalf("explicit usage should not be overridden, got %d", gotTotal)
	}
}

func TestEmbeddingDimensionGuard(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	record := sampleRecord()

	id, err := store.UpsertConversation(ctx, "/tmp/r.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	turn := &record.Turns[0]
	if err := store.InsertTurn(ctx, id, turn, []float32{1, 2, 3}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	second := rollout.Turn{Index: 1, UserInputs: []rollout.UserInput{{Text: "more"}}}
	err = store.InsertTurn(ctx, id, &second, []float32{1, 2, 3, 4})
	var mismatch *DimensionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if mismatch.Stored != 3 || mismatch.Got != 4 {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}

	if err := store.InsertTurn(ctx, id, &second, []float32{4, 5, 6}); err != nil {
		t.Fatalf("matching dimension must be accepted: %v", err)
	}
	if err := store.InsertTurn(ctx, id, &second, nil); err != nil {
		t.Fatalf("embedding-less insert must bypass the guard: %v", err)
	}
}

func TestInsertTurnFallbackText(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	record := sampleRecord()

	id, err := store.UpsertConversation(ctx, "/tmp/r.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	turn := rollout.Turn{
		Index:      0,
		UserInputs: []rollout.UserInput{{Text: "run it"}},
		Result: rollout.TurnResult{
			Fallback: &rollout.FallbackSummary{Source: rollout.FallbackToolOutput, Text: "exit 0"},
		},
	}
	if err := store.InsertTurn(ctx, id, &turn, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var fallback string
	if err := store.DB().Get(&fallback, `SELECT fallback_text FROM turns WHERE conversation_id = ? AND turn_index = 0`, id); err != nil {
		t.Fatalf("read fallback: %v", err)
	}
	if fallback != "[tool] exit 0" {
		t.Fatalf("unexpected fallback text: %q", fallback)
	}
}

func TestQueryTurnsWithEmbeddings(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	record := sampleRecord()

	id, err := store.UpsertConversation(ctx, "/tmp/r.jsonl", record, RolloutFingerprint{}, ConversationStats{}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.InsertTurn(ctx, id, &record.Turns[0], []float32{1, 0}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rows, err := store.QueryTurnsWithEmbeddings(ctx, []MetaFilter{{Key: "source", Value: "cli"}}, nil, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ConversationID != id {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rows, err = store.QueryTurnsWithEmbeddings(ctx, []MetaFilter{{Key: "source", Value: "web"}}, nil, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("mismatched filter should exclude all rows, got %d", len(rows))
	}

	rows, err = store.QueryTurnsWithEmbeddings(ctx, nil, []string{"other-conv"}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("id allow-list should exclude all rows, got %d", len(rows))
	}
}

func TestQueryRejectsInvalidMetaKeys(t *testing.T) {
	store := newMemoryStore(t)
	for _, key := range []string{"", "bad key", `a"b`, "x;drop", "a..b", "trailing."} {
		_, err := store.QueryTurnsWithEmbeddings(context.Background(), []MetaFilter{{Key: key, Value: "v"}}, nil, 10)
		var invalid *InvalidMetaKeyError
		if !errors.As(err, &invalid) {
			t.Fatalf("key %q should be rejected, got %v", key, err)
		}
	}
	if err := ValidateMetaKey("workspace.cwd-name_2"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	vector := []float32{0.5, -1.25, 3}
	decoded, ok := DecodeVector(EncodeVector(vector))
	if !ok || len(decoded) != 3 {
		t.Fatalf("round trip failed: %v", decoded)
	}
	for i := range vector {
		if decoded[i] != vector[i] {
			t.Fatalf("value %d mismatch: %v vs %v", i, decoded[i], vector[i])
		}
	}
	if EncodeVector(nil) != nil {
		t.Fatalf("nil vector must encode as nil")
	}
	if _, ok := DecodeVector([]byte{1, 2, 3}); ok {
		t.Fatalf("truncated blob must be rejected")
	}
}
