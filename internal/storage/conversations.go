// File path: internal/storage/conversations.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/convmemory/convmemory/internal/rollout"
)

// UpsertConversation inserts or replaces the conversation row for a rollout
// file and returns the id it was stored under. The id comes from the override
// when given, else from session metadata, else deterministically from the
// file name.
func (s *Store) UpsertConversation(ctx context.Context, rolloutPath string, record *rollout.ConversationRecord, fingerprint RolloutFingerprint, stats ConversationStats, idOverride string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}

	conversationID := strings.TrimSpace(idOverride)
	if conversationID == "" {
		conversationID = extractConversationID(record, rolloutPath)
	}

	var metaJSON *string
	if record.SessionMeta != nil {
		encoded, err := json.Marshal(record.SessionMeta)
		if err != nil {
			return "", fmt.Errorf("encode session meta: %w", err)
		}
		metaJSON = ptr(string(encoded))
	}

	tokens := deriveTokenColumns(record)

	commandsJSON, err := json.Marshal(emptyIfNil(stats.Commands))
	if err != nil {
		return "", fmt.Errorf("encode commands: %w", err)
	}
	filesJSON, err := json.Marshal(emptyIfNil(stats.FilesTouched))
	if err != nil {
		return "", fmt.Errorf("encode files: %w", err)
	}
	questionsJSON, err := json.Marshal(emptyIfNil(stats.Questions))
	if err != nil {
		return "", fmt.Errorf("encode questions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
                INSERT INTO conversations
                (id, rollout_path, started_at, ended_at, duration_seconds, token_input, token_cached,
                 token_output, token_reasoning, token_total, token_model_context, meta_json,
                 rollout_modified_at, rollout_size_bytes, rollout_hash, preview, first_question,
                 last_question, last_user_message, model, turn_count, has_live_events,
                 commands_json, files_json, questions_json, search_blob, cwd)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT(id) DO UPDATE SET
                        rollout_path = excluded.rollout_path,
                        started_at = excluded.started_at,
                        ended_at = excluded.ended_at,
                        duration_seconds = excluded.duration_seconds,
                        token_input = excluded.token_input,
                        token_cached = excluded.token_cached,
                        token_output = excluded.token_output,
                        token_reasoning = excluded.token_reasoning,
                        token_total = excluded.token_total,
                        token_model_context = excluded.token_model_context,
                        meta_json = excluded.meta_json,
                        rollout_modified_at = excluded.rollout_modified_at,
                        rollout_size_bytes = excluded.rollout_size_bytes,
                        rollout_hash = excluded.rollout_hash,
                        preview = excluded.preview,
                        first_question = excluded.first_question,
                        last_question = excluded.last_question,
                        last_user_message = excluded.last_user_message,
                        model = excluded.model,
                        turn_count = excluded.turn_count,
                        has_live_events = excluded.has_live_events,
                        commands_json = excluded.commands_json,
                        files_json = excluded.files_json,
                        questions_json = excluded.questions_json,
                        search_blob = excluded.search_blob,
                        cwd = excluded.cwd`,
		conversationID,
		rolloutPath,
		formatTime(record.StartedAt),
		formatTime(record.EndedAt),
		record.DurationSeconds,
		tokens.input,
		tokens.cached,
		tokens.output,
		tokens.reasoning,
		tokens.total,
		record.TokenUsage.ModelContextWindow,
		metaJSON,
		formatTime(fingerprint.ModifiedAt),
		fingerprint.SizeBytes,
		nullable(fingerprint.SHA256),
		nullable(stats.Preview),
		nullable(stats.FirstQuestion),
		nullable(stats.LastQuestion),
		nullable(stats.LastUserMessage),
		nullable(stats.Model),
		stats.TurnCount,
		boolToInt(stats.HasLiveEvents),
		string(commandsJSON),
		string(filesJSON),
		string(questionsJSON),
		nullable(stats.SearchBlob),
		nullable(stats.Cwd),
	)
	if err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	return conversationID, nil
}

// InsertTurn inserts or replaces one turn row. The first embedding written
// for a conversation fixes its dimensionality; a later conflicting dimension
// is refused with a DimensionMismatchError.
func (s *Store) InsertTurn(ctx context.Context, conversationID string, turn *rollout.Turn, embedding []float32) error {
	if err := s.ensureReady(); err != nil {
		return err
	}

	if embedding != nil {
		if err := s.guardEmbeddingDim(ctx, conversationID, len(embedding)); err != nil {
			return err
		}
	}

	actionsJSON, err := json.Marshal(turn.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	telemetryJSON, err := json.Marshal(turn.Telemetry)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}

	var fallbackText *string
	if fb := turn.Result.Fallback; fb != nil {
		fallbackText = ptr(fmt.Sprintf("[%s] %s", fb.Source, fb.Text))
	}

	_, err = s.db.ExecContext(ctx, `
                INSERT INTO turns
                (conversation_id, turn_index, started_at, user_text, assistant_text, fallback_text,
                 actions_json, telemetry_json, embedding)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT(conversation_id, turn_index) DO UPDATE SET
                        started_at = excluded.started_at,
                        user_text = excluded.user_text,
                        assistant_text = excluded.assistant_text,
                        fallback_text = excluded.fallback_text,
                        actions_json = excluded.actions_json,
                        telemetry_json = excluded.telemetry_json,
                        embedding = excluded.embedding`,
		conversationID,
		int64(turn.Index),
		formatTime(turn.StartedAt),
		joinUserInputs(turn),
		joinAssistantMessages(turn),
		fallbackText,
		string(actionsJSON),
		string(telemetryJSON),
		EncodeVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *Store) guardEmbeddingDim(ctx context.Context, conversationID string, dim int) error {
	var stored sql.NullInt64
	err := s.db.GetContext(ctx, &stored, `SELECT embedding_dim FROM conversations WHERE id = ?`, conversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read embedding dim: %w", err)
	}
	if stored.Valid {
		if int(stored.Int64) != dim {
			return &DimensionMismatchError{Stored: int(stored.Int64), Got: dim}
		}
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET embedding_dim = ? WHERE id = ? AND embedding_dim IS NULL`,
		int64(dim), conversationID)
	if err != nil {
		return fmt.Errorf("record embedding dim: %w", err)
	}
	return nil
}

// GetRolloutFingerprint returns the most recently stored fingerprint for an
// exact rollout path, or nil when the path has never been ingested.
func (s *Store) GetRolloutFingerprint(ctx context.Context, rolloutPath string) (*RolloutFingerprint, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var row struct {
		ModifiedAt sql.NullString `db:"rollout_modified_at"`
		SizeBytes  sql.NullInt64  `db:"rollout_size_bytes"`
		Hash       sql.NullString `db:"rollout_hash"`
	}
	err := s.db.GetContext(ctx, &row, `
                SELECT rollout_modified_at, rollout_size_bytes, rollout_hash
                FROM conversations
                WHERE rollout_path = ?
                LIMIT 1`, rolloutPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select fingerprint: %w", err)
	}

	fp := &RolloutFingerprint{SHA256: row.Hash.String}
	if row.ModifiedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, row.ModifiedAt.String); err == nil {
			fp.ModifiedAt = &parsed
		}
	}
	if row.SizeBytes.Valid {
		fp.SizeBytes = &row.SizeBytes.Int64
	}
	return fp, nil
}

// QueryTurnsWithEmbeddings returns up to prefetch candidate rows matching the
// metadata filters and the optional conversation-id allow-list. Filter keys
// are validated before any SQL is built; json_extract paths are interpolated
// only afterwards.
func (s *Store) QueryTurnsWithEmbeddings(ctx context.Context, filters []MetaFilter, conversationIDs []string, prefetch int) ([]TurnEmbeddingRow, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	for _, filter := range filters {
		if err := ValidateMetaKey(filter.Key); err != nil {
			return nil, err
		}
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	query := `SELECT t.conversation_id, t.turn_index, t.user_text, t.assistant_text, t.embedding
                FROM turns t
                JOIN conversations c ON c.id = t.conversation_id
                WHERE t.embedding IS NOT NULL`
	args := make([]any, 0, len(filters)+len(conversationIDs)+1)
	if len(conversationIDs) > 0 {
		expanded, inArgs, err := sqlx.In(" AND t.conversation_id IN (?)", conversationIDs)
		if err != nil {
			return nil, fmt.Errorf("build id filter: %w", err)
		}
		query += expanded
		args = append(args, inArgs...)
	}
	for _, filter := range filters {
		query += " AND json_extract(c.meta_json, '$." + filter.Key + "') = ?"
		args = append(args, filter.Value)
	}
	query += " LIMIT ?"
	args = append(args, prefetch)

	rows := []TurnEmbeddingRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select turn candidates: %w", err)
	}
	return rows, nil
}

// ValidateMetaKey accepts dot-separated paths whose segments contain only
// alphanumerics, underscore, or hyphen.
func ValidateMetaKey(key string) error {
	if key == "" {
		return &InvalidMetaKeyError{Key: key}
	}
	for _, segment := range strings.Split(key, ".") {
		if segment == "" {
			return &InvalidMetaKeyError{Key: key}
		}
		for _, r := range segment {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
				continue
			}
			return &InvalidMetaKeyError{Key: key}
		}
	}
	return nil
}

type tokenColumns struct {
	input     *int64
	cached    *int64
	output    *int64
	reasoning *int64
	total     *int64
}

// deriveTokenColumns prefers the explicit usage breakdown, falling back to a
// whitespace-token estimate for input/output and input+output for the total.
func deriveTokenColumns(record *rollout.ConversationRecord) tokenColumns {
	breakdown := record.TokenUsage.Total
	if breakdown == nil {
		breakdown = record.TokenUsage.Last
	}

	cols := tokenColumns{}
	if breakdown != nil {
		cols.input = breakdown.InputTokens
		cols.cached = breakdown.CachedInputTokens
		cols.output = breakdown.OutputTokens
		cols.reasoning = breakdown.ReasoningOutputTokens
		cols.total = breakdown.TotalTokens
	}
	if cols.input == nil {
		cols.input = approximateInputTokens(record)
	}
	if cols.output == nil {
		cols.output = approximateOutputTokens(record)
	}
	if cols.total == nil {
		switch {
		case cols.input != nil && cols.output != nil:
			cols.total = ptr(*cols.input + *cols.output)
		case cols.input != nil:
			cols.total = ptr(*cols.input)
		case cols.output != nil:
			cols.total = ptr(*cols.output)
		}
	}
	return cols
}

func approximateInputTokens(record *rollout.ConversationRecord) *int64 {
	var total int64
	for _, turn := range record.Turns {
		for _, input := range turn.UserInputs {
			total += estimateTokenCount(input.Text)
		}
	}
	if total == 0 {
		return nil
	}
	return &total
}

func approximateOutputTokens(record *rollout.ConversationRecord) *int64 {
	var total int64
	for _, turn := range record.Turns {
		for _, message := range turn.Result.AssistantMessages {
			total += estimateTokenCount(message)
		}
		for _, summary := range turn.Result.ReasoningSummaries {
			total += estimateTokenCount(summary)
		}
		if turn.Result.Fallback != nil {
			total += estimateTokenCount(turn.Result.Fallback.Text)
		}
	}
	if total == 0 {
		return nil
	}
	return &total
}

func estimateTokenCount(text string) int64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		if strings.TrimSpace(text) == "" {
			return 0
		}
		return 1
	}
	return int64(len(fields))
}

func joinUserInputs(turn *rollout.Turn) *string {
	var texts []string
	for _, input := range turn.UserInputs {
		if input.Text != "" {
			texts = append(texts, input.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	return ptr(strings.Join(texts, "\n\n"))
}

func joinAssistantMessages(turn *rollout.Turn) *string {
	if len(turn.Result.AssistantMessages) == 0 {
		return nil
	}
	return ptr(strings.Join(turn.Result.AssistantMessages, "\n\n"))
}

func extractConversationID(record *rollout.ConversationRecord, rolloutPath string) string {
	if meta := record.SessionMeta; meta != nil {
		for _, key := range []string{"id", "conversation_id"} {
			if v, ok := meta[key]; ok {
				if id, ok := v.(string); ok && id != "" {
					return id
				}
			}
		}
	}
	base := filepath.Base(rolloutPath)
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		return stem
	}
	return rolloutPath
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return ptr(t.UTC().Format(time.RFC3339Nano))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr[T any](v T) *T {
	return &v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
