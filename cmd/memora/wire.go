package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/extract"
	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/store"
	"github.com/memora-ai/memora/internal/tracing"
	"github.com/memora-ai/memora/internal/workflow"
)

// app holds every wired pipeline dependency plus its cleanup.
type app struct {
	cfg      *config.Config
	store    *store.Store
	pipeline *extract.Pipeline
	logger   *log.Logger
}

func (a *app) Close() {
	if a.store != nil && a.store.DB != nil {
		_ = a.store.DB.Close()
	}
}

// buildApp wires the full extraction pipeline from configuration.
func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg := config.LoadConfig(cfgPath)
	logger := log.New(os.Stdout, "[MEMORA] ", log.LstdFlags)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}

	var tracker *progress.Tracker
	if cfg.Storage.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Host + ":" + cfg.Storage.Redis.Port,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		tracker = progress.NewTracker(rdb, logger)
	}

	var uploader *tracing.Uploader
	if cfg.Extraction.TraceToStorage && cfg.Storage.S3.Endpoint != "" {
		uploader, err = tracing.NewUploader(tracing.UploaderOptions{
			Endpoint:   cfg.Storage.S3.Endpoint,
			AccessKey:  cfg.Storage.S3.AccessKeyID,
			SecretKey:  cfg.Storage.S3.SecretAccessKey,
			Bucket:     cfg.Storage.S3.Bucket,
			UseSSL:     cfg.Storage.S3.UseSSL,
			PathPrefix: cfg.Extraction.TracePathPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("trace uploader: %w", err)
		}
	}

	resolver, err := runtime.NewResolver(cfg.LLM, cfg.Extraction.RuntimeCacheCapacity, logger, nil)
	if err != nil {
		return nil, err
	}

	embedder := extract.NewEmbedder(cfg.Extraction.EmbeddingContextTokens, logger)
	contexts := extract.NewContextBuilder(st, embedder,
		cfg.Extraction.ExtractorContextTokens, cfg.Extraction.RetrievalTopK, cfg.Extraction.RetrievalThreshold)
	orchestrator := extract.NewOrchestrator(st, embedder, logger)

	extractor := extract.NewExtractor(extract.ExtractorOptions{
		Store:        st,
		Resolver:     resolver,
		Service:      extract.NewService(logger),
		Contexts:     contexts,
		Orchestrator: orchestrator,
		Embedder:     embedder,
		Tracker:      tracker,
		Uploader:     uploader,
		Config:       cfg.Extraction,
		Logger:       logger,
	})

	wf := workflow.NewClient(cfg.Workflow.Timeout, logger)
	pipeline := extract.NewPipeline(st, extractor, wf, logger)

	return &app{cfg: cfg, store: st, pipeline: pipeline, logger: logger}, nil
}
