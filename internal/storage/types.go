// File path: internal/storage/types.go
package storage

import (
	"database/sql"
	"time"
)

// RolloutFingerprint captures the source file's state at the moment it was
// read. It is a change detector, not an identity.
type RolloutFingerprint struct {
	ModifiedAt *time.Time
	SizeBytes  *int64
	SHA256     string
}

// ConversationStats is the derived, recomputed-per-ingest attribute set that
// feeds keyword and metadata search.
type ConversationStats struct {
	Preview         string
	FirstQuestion   string
	LastQuestion    string
	LastUserMessage string
	Model           string
	TurnCount       int64
	HasLiveEvents   bool
	Commands        []string
	FilesTouched    []string
	Questions       []string
	SearchBlob      string
	Cwd             string
}

// MetaFilter is one exact-match constraint on a dotted path into the
// conversation's session metadata document.
type MetaFilter struct {
	Key   string
	Value string
}

// TurnEmbeddingRow is a search candidate returned by
// QueryTurnsWithEmbeddings. Only rows with a stored embedding are eligible.
type TurnEmbeddingRow struct {
	ConversationID string         `db:"conversation_id"`
	TurnIndex      int64          `db:"turn_index"`
	UserText       sql.NullString `db:"user_text"`
	AssistantText  sql.NullString `db:"assistant_text"`
	Embedding      []byte         `db:"embedding"`
}
