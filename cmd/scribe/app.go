package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scribeworks/scribe/internal/cache"
	"github.com/scribeworks/scribe/internal/chunk"
	"github.com/scribeworks/scribe/internal/config"
	"github.com/scribeworks/scribe/internal/embed"
	"github.com/scribeworks/scribe/internal/fetch"
	"github.com/scribeworks/scribe/internal/log"
	"github.com/scribeworks/scribe/internal/pipeline"
	"github.com/scribeworks/scribe/internal/retry"
	"github.com/scribeworks/scribe/internal/store"
)

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	pipeline *pipeline.Pipeline
	store    *store.Postgres
}

// newApp loads configuration and wires the full pipeline. The returned
// cleanup function closes the store pool and must be called.
func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	if debugLogging {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	c := cache.New(cfg.CacheMaxBytes, cfg.CacheMaxEntries, logger.With("component", "cache"))

	fetchRetry := retry.DefaultNetwork()
	fetchRetry.MaxRetries = cfg.FetchMaxRetries
	fetcher, err := fetch.New(fetch.Config{
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.FetchTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		TTL:          cfg.FetchTTL,
		Retry:        fetchRetry,
	}, chunk.NewNormalizer(), cache.NewMemoizer(c), logger.With("component", "fetch"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating fetcher: %w", err)
	}

	splitter, err := chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, nil, fmt.Errorf("creating splitter: %w", err)
	}

	embedRetry := retry.DefaultNetwork()
	embedRetry.MaxRetries = cfg.EmbedMaxRetries
	embedder, err := embed.New(embed.Config{
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		Model:             cfg.EmbeddingModel,
		ChatModel:         cfg.ChatModel,
		Dimension:         cfg.EmbeddingDimension,
		MaxBatch:          cfg.EmbedMaxBatch,
		TTL:               cfg.EmbedTTL,
		RequestsPerSecond: cfg.EmbedRateLimit,
		Retry:             embedRetry,
	}, c, logger.With("component", "embed"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedder: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.NewPostgres(connectCtx, cfg.PostgresConnectionString(),
		cfg.EmbeddingDimension, logger.With("component", "store"))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to store: %w", err)
	}

	p, err := pipeline.New(fetcher, splitter, embedder, st, logger.With("component", "pipeline"))
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("creating pipeline: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, pipeline: p, store: st}
	return a, st.Close, nil
}
