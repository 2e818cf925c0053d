// File path: cmd/convmemory/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/convmemory/convmemory/internal/api"
	"github.com/convmemory/convmemory/internal/common"
	"github.com/convmemory/convmemory/internal/embedding"
	"github.com/convmemory/convmemory/internal/pipeline"
	"github.com/convmemory/convmemory/internal/search"
	"github.com/convmemory/convmemory/internal/storage"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("convmemory: .env file not loaded", "error", err)
	} else {
		logger.Info("convmemory: environment loaded from .env")
	}

	addr := flag.String("addr", ":8081", "listen address")
	dbPath := flag.String("db", "", "path to the SQLite conversation database")
	source := flag.String("source", defaultSourcePath(), "rollout file or directory to ingest")
	serve := flag.Bool("serve", false, "start the HTTP API instead of running a one-shot ingest")
	update := flag.Bool("update", false, "skip rollout files whose stored fingerprint is unchanged")
	flag.Parse()

	logger.Info("convmemory: startup initiated", "addr", *addr, "source", *source)

	storeCfg, err := storage.LoadConfig()
	if err != nil {
		fail(logger, "storage config error", err)
	}
	if trimmed := strings.TrimSpace(*dbPath); trimmed != "" {
		storeCfg.Path = trimmed
	}
	store, err := storage.OpenWithConfig(storeCfg)
	if err != nil {
		fail(logger, "storage open error", err)
	}
	defer store.Close()

	var embedder embedding.Embedder
	if openaiEmbedder, err := embedding.NewFromEnv(); err != nil {
		if !errors.Is(err, embedding.ErrUnavailable) {
			fail(logger, "embedding setup error", err)
		}
		logger.Warn("convmemory: no embedding backend configured; search will be unavailable")
	} else {
		embedder = openaiEmbedder
	}
	pipe := pipeline.New(store, embedder)

	if *serve {
		engine := search.New(store, embedder)
		server, err := api.NewServer(pipe, engine)
		if err != nil {
			fail(logger, "server setup error", err)
		}
		logger.Info("convmemory: serving HTTP API", "addr", *addr)
		if err := http.ListenAndServe(*addr, server); err != nil {
			fail(logger, "server error", err)
		}
		return
	}

	info, err := os.Stat(*source)
	if err != nil {
		fail(logger, "source error", err)
	}
	switch {
	case !info.IsDir():
		id, err := pipe.ProcessFile(ctx, *source)
		if err != nil {
			fail(logger, "ingest error", err)
		}
		fmt.Println("ingested conversation:", id)
	case *update:
		stats, err := pipe.UpdateDir(ctx, *source)
		if err != nil {
			fail(logger, "update error", err)
		}
		fmt.Printf("processed %d rollout(s), skipped %d unchanged\n", stats.Processed, stats.Skipped)
	default:
		processed, err := pipe.ProcessDir(ctx, *source)
		if err != nil {
			fail(logger, "ingest error", err)
		}
		fmt.Printf("processed %d rollout(s)\n", processed)
	}
}

func defaultSourcePath() string {
	if env := strings.TrimSpace(os.Getenv("CONVMEMORY_SOURCE")); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("codex", "sessions")
	}
	return filepath.Join(home, ".codex", "sessions")
}

func fail(logger *slog.Logger, msg string, err error) {
	logger.Error("convmemory: "+msg, "error", err)
	fmt.Println(msg+":", err)
	os.Exit(1)
}
