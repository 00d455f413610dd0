// Package app wires configuration, storage, model providers and the
// pipeline into one application container shared by the CLI and the
// HTTP server.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/grounded/db"
	"github.com/koopa0/grounded/internal/config"
	"github.com/koopa0/grounded/internal/database"
	"github.com/koopa0/grounded/internal/extract"
	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/observability"
	"github.com/koopa0/grounded/internal/provider"
	"github.com/koopa0/grounded/internal/rag"
	"github.com/koopa0/grounded/internal/store"
)

// App is the application container. Setup builds every component once;
// commands pick what they need.
type App struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	Store    *store.Store
	Pipeline *rag.Pipeline

	logger          log.Logger
	shutdownTracing func(context.Context) error
}

// Setup runs migrations, opens the database, initializes the model
// provider and assembles the pipeline.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	st := store.New(pool, logger)

	prov, err := provider.New(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing model provider: %w", err)
	}

	embedder, err := prov.Embedder(st)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing embedder: %w", err)
	}

	pipeline := rag.NewPipeline(
		rag.NewIndexer(st, embedder, extract.New(), logger),
		rag.NewRetriever(embedder, st, st, st, logger),
		rag.NewReranker(prov.RerankScorer(), rag.DefaultRerankTimeout, logger),
		rag.NewAssembler("", logger),
		rag.NewChecker(prov.GroundingJudge(), logger),
		rag.NewAnswerer(prov.Generator(), logger),
		st,
		PipelineDefaults(cfg.RAG),
		logger,
	)

	a := &App{
		Config:   cfg,
		Pool:     pool,
		Store:    st,
		Pipeline: pipeline,
		logger:   logger,
	}

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		}, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		a.shutdownTracing = shutdown
	}

	return a, nil
}

// Close flushes traces and closes the database pool.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.shutdownTracing != nil {
		err = a.shutdownTracing(ctx)
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return err
}

// PipelineDefaults converts configured tunables into pipeline options.
func PipelineDefaults(c config.RAGConfig) rag.Options {
	return rag.Options{
		ChunkSize:           c.ChunkSize,
		ChunkOverlap:        c.ChunkOverlap,
		UseSentenceBoundary: rag.Bool(c.UseSentenceBoundary),
		TopK:                c.TopK,
		UseHybridSearch:     rag.Bool(c.UseHybridSearch),
		BM25Weight:          c.BM25Weight,
		RerankEnabled:       rag.Bool(c.RerankEnabled),
		RerankTopK:          c.RerankTopK,
		RerankMinScore:      c.RerankMinScore,
		MaxContextTokens:    c.MaxContextTokens,
		ContextOrdering:     c.ContextOrdering,
		GroundingThreshold:  c.GroundingThreshold,
		StrictGrounding:     rag.Bool(c.StrictGrounding),
	}.Normalize()
}
