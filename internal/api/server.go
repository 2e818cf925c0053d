// File path: internal/api/server.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/convmemory/convmemory/internal/common"
	"github.com/convmemory/convmemory/internal/pipeline"
	"github.com/convmemory/convmemory/internal/search"
)

type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	engine   *search.Engine
}

func NewServer(pipe *pipeline.Pipeline, engine *search.Engine) (*Server, error) {
	if pipe == nil {
		return nil, fmt.Errorf("pipeline required")
	}
	if engine == nil {
		return nil, fmt.Errorf("search engine required")
	}
	srv := &Server{
		router:   chi.NewRouter(),
		pipeline: pipe,
		engine:   engine,
	}
	srv.routes()
	common.Logger().Info("api: server ready")
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/v1/ingest", s.handleIngest)
	s.router.Post("/v1/update", s.handleUpdate)
	s.router.Get("/v1/search", s.handleSearch)
	s.router.Get("/v1/logs", s.handleLogs)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": common.LogEntries()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
