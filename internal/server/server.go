package server

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/gazetteer-labs/gazetteer/config"
	"github.com/gazetteer-labs/gazetteer/internal/chunk"
	"github.com/gazetteer-labs/gazetteer/internal/corpus"
	"github.com/gazetteer-labs/gazetteer/internal/events"
	"github.com/gazetteer-labs/gazetteer/internal/index"
	"github.com/gazetteer-labs/gazetteer/internal/ingest"
	"github.com/gazetteer-labs/gazetteer/internal/lexical"
	"github.com/gazetteer-labs/gazetteer/internal/rag"
	"github.com/gazetteer-labs/gazetteer/internal/rank"
	"github.com/gazetteer-labs/gazetteer/internal/session"
	"github.com/gazetteer-labs/gazetteer/internal/store"
	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

// Run wires every component together from config and serves the API
// until the listener fails.
func Run(cfg *appconfig.Config) error {
	ctx := context.Background()

	prov, err := provider.NewProvider(provider.OpenAI, provider.Options{
		APIKey:          cfg.Providers.OpenAI.APIKey,
		BaseURL:         cfg.Providers.OpenAI.BaseURL,
		CompletionModel: cfg.Providers.OpenAI.CompletionModel,
		EmbeddingModel:  cfg.Providers.OpenAI.EmbeddingModel,
		Temperature:     cfg.Providers.OpenAI.Temperature,
		MaxTokens:       cfg.Providers.OpenAI.MaxTokens,
		Timeout:         cfg.Providers.OpenAI.GenerateTimeout,
	})
	if err != nil {
		return err
	}
	modelVersion := prov.ModelVersion()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	ix := index.New()
	lex, err := lexical.New()
	if err != nil {
		return err
	}
	corp := corpus.New(ix, lex)
	bootLogger := log.New(log.Writer(), "[BOOT] ", log.LstdFlags)
	if err := rebuildCorpus(ctx, st, corp, bootLogger); err != nil {
		return err
	}

	if cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis not configured (storage.redis.addr)")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	pipeLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	pipeline := ingest.New(ingest.Config{
		Workers:     cfg.Ingest.Workers,
		MaxRetries:  cfg.Ingest.MaxRetries,
		RetryBase:   cfg.Ingest.RetryBase,
		RetryMax:    cfg.Ingest.RetryMax,
		EmbedBatch:  cfg.Ingest.EmbedBatch,
		EventStream: cfg.Ingest.EventStream,
	}, chunk.Params{
		MaxChars: cfg.Chunking.MaxChars,
		Overlap:  cfg.Chunking.Overlap,
	}, prov, modelVersion, st, st, corp, events.NewPublisher(rdb), pipeLogger)
	pipeline.Start(ctx)
	defer pipeline.Stop()

	if err := events.EnsureGroup(ctx, rdb, cfg.Ingest.EventStream, cfg.Ingest.EventGroup); err != nil {
		return err
	}
	consumer := events.NewConsumer(rdb, cfg.Ingest.EventGroup, fmt.Sprintf("gazetteer-%s", cfg.Server.Address))
	loop := ingest.NewEventLoop(pipeline, consumer, cfg.Ingest.EventStream, pipeLogger)
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go loop.Run(loopCtx)

	if cfg.Ingest.SweepCron != "" {
		sweeper, err := ingest.NewSweeper(pipeline, corp, modelVersion, cfg.Ingest.SweepCron, rdb, log.New(log.Writer(), "[SWEEP] ", log.LstdFlags))
		if err != nil {
			return fmt.Errorf("sweep schedule: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	sessions := session.NewManager(session.Config{
		MaxTurns:     cfg.Session.MaxTurns,
		IdleTimeout:  cfg.Session.IdleTimeout,
		ReapInterval: cfg.Session.ReapInterval,
	}, st, log.New(log.Writer(), "[SESSION] ", log.LstdFlags))
	sessions.Start()
	defer sessions.Stop()

	ranker := rank.New(prov, modelVersion, corp, rank.Config{
		VectorWeight:  cfg.Retrieval.VectorWeight,
		LexicalWeight: cfg.Retrieval.LexicalWeight,
		MetadataBoost: cfg.Retrieval.MetadataBoost,
		MinScore:      cfg.Retrieval.MinScore,
		TopK:          cfg.Retrieval.TopK,
		SearchTimeout: cfg.Retrieval.SearchTimeout,
	}, log.New(log.Writer(), "[RANK] ", log.LstdFlags))

	orch := rag.NewOrchestrator(ranker, prov, sessions, rag.PromptConfig{
		Preamble:        cfg.Prompt.Preamble,
		EvidenceBudget:  cfg.Prompt.EvidenceBudget,
		HistoryBudget:   cfg.Prompt.HistoryBudget,
		MaxHistoryTurns: cfg.Prompt.MaxHistoryTurns,
	}, log.New(log.Writer(), "[RAG] ", log.LstdFlags))

	h := &Handlers{Retriever: ranker, Asker: orch, Ingestor: pipeline, Sessions: sessions}
	e := NewEcho(h, log.New(log.Writer(), "[HTTP] ", log.LstdFlags))
	return e.Start(cfg.Server.Address)
}

// rebuildCorpus reloads the in-process corpus from the persisted chunks.
func rebuildCorpus(ctx context.Context, st *store.Store, corp *corpus.Store, logger *log.Logger) error {
	recs, err := st.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted chunks: %w", err)
	}
	byDoc := make(map[string][]store.ChunkRecord)
	for _, rec := range recs {
		byDoc[rec.Chunk.DocumentID] = append(byDoc[rec.Chunk.DocumentID], rec)
	}
	for docID, docRecs := range byDoc {
		entries := make([]index.Entry, len(docRecs))
		chunks := make([]models.DocumentChunk, len(docRecs))
		for i, rec := range docRecs {
			entries[i] = index.Entry{Chunk: rec.Chunk, Vector: rec.Vector, ModelVersion: rec.ModelVersion}
			chunks[i] = rec.Chunk
		}
		if err := corp.Replace(docID, entries, chunks); err != nil {
			return fmt.Errorf("rebuild corpus for %s: %w", docID, err)
		}
	}
	logger.Printf("rebuilt corpus: %d documents, %d chunks", len(byDoc), len(recs))
	return nil
}
