// File path: internal/pipeline/pipeline.go
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/convmemory/convmemory/internal/common"
	"github.com/convmemory/convmemory/internal/embedding"
	"github.com/convmemory/convmemory/internal/rollout"
	"github.com/convmemory/convmemory/internal/storage"
)

const embedBatchSize = 32

// Pipeline ties rollout parsing, stats derivation, embedding, and storage
// together. A nil embedder disables vector generation but not ingestion.
type Pipeline struct {
	store    *storage.Store
	embedder embedding.Embedder
}

// UpdateStats reports the outcome of an incremental directory pass.
type UpdateStats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

func New(store *storage.Store, embedder embedding.Embedder) *Pipeline {
	return &Pipeline{store: store, embedder: embedder}
}

// ProcessFile ingests a single rollout file unconditionally and returns the
// conversation id it was stored under.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (string, error) {
	return p.ProcessFileAs(ctx, path, "")
}

// ProcessFileAs ingests a single rollout file under an explicit conversation
// id, overriding the id recorded in the session metadata.
func (p *Pipeline) ProcessFileAs(ctx context.Context, path string, conversationID string) (string, error) {
	data, fingerprint, err := loadRolloutData(path)
	if err != nil {
		return "", err
	}
	return p.ingest(ctx, path, data, fingerprint, conversationID)
}

// ProcessDir ingests every rollout file under root unconditionally and
// returns how many were processed.
func (p *Pipeline) ProcessDir(ctx context.Context, root string) (int, error) {
	paths, err := discoverRollouts(root)
	if err != nil {
		return 0, err
	}
	logger := common.Logger()
	processed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		data, fingerprint, err := loadRolloutData(path)
		if err != nil {
			return processed, err
		}
		id, err := p.ingest(ctx, path, data, fingerprint, "")
		if err != nil {
			return processed, fmt.Errorf("process %s: %w", path, err)
		}
		logger.Info("pipeline: processed rollout", "path", path, "conversation", id)
		processed++
	}
	return processed, nil
}

// UpdateDir ingests only the rollout files under root whose stored
// fingerprint no longer matches the file on disk.
func (p *Pipeline) UpdateDir(ctx context.Context, root string) (UpdateStats, error) {
	paths, err := discoverRollouts(root)
	if err != nil {
		return UpdateStats{}, err
	}
	logger := common.Logger()
	stats := UpdateStats{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		// The fast path stats only; file contents are read and hashed just
		// for files that actually get re-ingested.
		current, err := statFingerprint(path)
		if err != nil {
			return stats, err
		}
		stored, err := p.store.GetRolloutFingerprint(ctx, path)
		if err != nil {
			return stats, err
		}
		if fingerprintMatches(stored, current) {
			stats.Skipped++
			continue
		}
		data, fingerprint, err := loadRolloutData(path)
		if err != nil {
			return stats, err
		}
		id, err := p.ingest(ctx, path, data, fingerprint, "")
		if err != nil {
			return stats, fmt.Errorf("process %s: %w", path, err)
		}
		logger.Info("pipeline: updated rollout", "path", path, "conversation", id)
		stats.Processed++
	}
	return stats, nil
}

func (p *Pipeline) ingest(ctx context.Context, path string, data []byte, fingerprint storage.RolloutFingerprint, conversationID string) (string, error) {
	record, err := rollout.ParseRollout(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse rollout: %w", err)
	}

	stats := ComputeStats(record)

	// Embed before touching storage so a backend failure leaves no partial
	// conversation behind.
	vectors, err := p.embedTurns(ctx, record.Turns)
	if err != nil {
		return "", err
	}

	id, err := p.store.UpsertConversation(ctx, path, record, fingerprint, stats, conversationID)
	if err != nil {
		return "", err
	}

	for i := range record.Turns {
		var vector []float32
		if vectors != nil {
			vector = vectors[i]
		}
		if err := p.store.InsertTurn(ctx, id, &record.Turns[i], vector); err != nil {
			return "", err
		}
	}
	return id, nil
}

// embedTurns renders each turn summary and embeds them in fixed-size
// batches. A short batch response triggers a per-item retry before the
// whole ingest fails.
func (p *Pipeline) embedTurns(ctx context.Context, turns []rollout.Turn) ([][]float32, error) {
	if p.embedder == nil || len(turns) == 0 {
		return nil, nil
	}

	texts := make([]string, len(turns))
	for i := range turns {
		texts[i] = RenderTurnSummary(&turns[i])
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		batchVectors, err := p.embedder.EmbedBatch(ctx, batch)
		if err != nil || len(batchVectors) != len(batch) {
			batchVectors, err = p.embedOneByOne(ctx, batch)
			if err != nil {
				return nil, err
			}
		}
		vectors = append(vectors, batchVectors...)
	}

	if len(vectors) != len(turns) {
		return nil, fmt.Errorf("%w: embedded %d of %d turns", embedding.ErrMissingOutput, len(vectors), len(turns))
	}
	return vectors, nil
}

func (p *Pipeline) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := p.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

// discoverRollouts walks root for files named rollout-*.jsonl and returns
// their paths sorted lexicographically. A missing root yields no paths.
func discoverRollouts(root string) ([]string, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat rollout root: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rollout root: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// statFingerprint captures the mtime and size of a rollout file without
// reading it. The content hash is left empty.
func statFingerprint(path string) (storage.RolloutFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return storage.RolloutFingerprint{}, fmt.Errorf("stat rollout: %w", err)
	}
	modified := info.ModTime().UTC()
	size := info.Size()
	return storage.RolloutFingerprint{ModifiedAt: &modified, SizeBytes: &size}, nil
}

func loadRolloutData(path string) ([]byte, storage.RolloutFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, storage.RolloutFingerprint{}, fmt.Errorf("stat rollout: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storage.RolloutFingerprint{}, fmt.Errorf("read rollout: %w", err)
	}

	modified := info.ModTime().UTC()
	size := int64(len(data))
	sum := sha256.Sum256(data)
	fingerprint := storage.RolloutFingerprint{
		ModifiedAt: &modified,
		SizeBytes:  &size,
		SHA256:     hex.EncodeToString(sum[:]),
	}
	return data, fingerprint, nil
}

// fingerprintMatches treats a fingerprint as unchanged only when both the
// modification time and the size are present on both sides and equal.
func fingerprintMatches(stored *storage.RolloutFingerprint, current storage.RolloutFingerprint) bool {
	if stored == nil {
		return false
	}
	if stored.ModifiedAt == nil || current.ModifiedAt == nil {
		return false
	}
	if stored.SizeBytes == nil || current.SizeBytes == nil {
		return false
	}
	return stored.ModifiedAt.Equal(*current.ModifiedAt) && *stored.SizeBytes == *current.SizeBytes
}
