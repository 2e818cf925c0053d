// File path: internal/api/search_handler.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/convmemory/convmemory/internal/common"
	"github.com/convmemory/convmemory/internal/embedding"
	"github.com/convmemory/convmemory/internal/search"
	"github.com/convmemory/convmemory/internal/storage"
)

const metaParamPrefix = "meta."

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	values := r.URL.Query()

	query := values.Get("q")
	if query == "" {
		logger.Warn("api: search missing query parameter")
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing q parameter"))
		return
	}
	limit := 5
	if v := values.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := search.Params{Limit: limit}
	for _, id := range values["conversation_id"] {
		if id = strings.TrimSpace(id); id != "" {
			params.ConversationIDs = append(params.ConversationIDs, id)
		}
	}
	for key, keyValues := range values {
		if !strings.HasPrefix(key, metaParamPrefix) || len(keyValues) == 0 {
			continue
		}
		metaKey := strings.TrimPrefix(key, metaParamPrefix)
		if err := storage.ValidateMetaKey(metaKey); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		params.MetaEquals = append(params.MetaEquals, storage.MetaFilter{Key: metaKey, Value: keyValues[0]})
	}

	logger.Info("api: search request", "query", query, "limit", limit,
		"filters", len(params.MetaEquals), "conversations", len(params.ConversationIDs))

	results, err := s.engine.SearchText(r.Context(), query, params)
	if err != nil {
		var invalidKey *storage.InvalidMetaKeyError
		switch {
		case errors.As(err, &invalidKey):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, embedding.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
