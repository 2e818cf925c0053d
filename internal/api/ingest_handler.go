// File path: internal/api/ingest_handler.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/convmemory/convmemory/internal/common"
)

type ingestRequest struct {
	Path           string `json:"path"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleIngest processes one rollout file or a whole directory
// unconditionally. A directory request ignores any conversation id override.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stat path: %w", err))
		return
	}

	if info.IsDir() {
		processed, err := s.pipeline.ProcessDir(r.Context(), req.Path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		logger.Info("api: directory ingested", "path", req.Path, "processed", processed)
		writeJSON(w, http.StatusOK, map[string]interface{}{"processed": processed})
		return
	}

	id, err := s.pipeline.ProcessFileAs(r.Context(), req.Path, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger.Info("api: rollout ingested", "path", req.Path, "conversation", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": id})
}

type updateRequest struct {
	Path string `json:"path"`
}

// handleUpdate runs an incremental pass over a rollout directory, skipping
// files whose stored fingerprint still matches.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}

	stats, err := s.pipeline.UpdateDir(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	common.Logger().Info("api: directory updated", "path", req.Path,
		"processed", stats.Processed, "skipped", stats.Skipped)
	writeJSON(w, http.StatusOK, stats)
}
