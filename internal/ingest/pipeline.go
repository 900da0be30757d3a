package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gazetteer-labs/gazetteer/internal/chunk"
	"github.com/gazetteer-labs/gazetteer/internal/corpus"
	"github.com/gazetteer-labs/gazetteer/internal/events"
	"github.com/gazetteer-labs/gazetteer/internal/index"
	"github.com/gazetteer-labs/gazetteer/internal/locks"
	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

// DocumentStore fetches document text and metadata from the system of
// record. The pipeline never trusts event payloads for content.
type DocumentStore interface {
	FetchDocument(ctx context.Context, documentID string) (models.Document, bool, error)
}

// Persister is the durable side of ingestion, satisfied by the postgres
// store. A nil Persister keeps the pipeline purely in-process.
type Persister interface {
	ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []models.DocumentChunk, vectors [][]float32, modelVersion string) error
	DeleteDocument(ctx context.Context, documentID string) error
	ContentHashes(ctx context.Context, documentID string) (map[string]string, error)
	UpsertIngestStatus(ctx context.Context, st models.IngestStatus) error
	GetIngestStatus(ctx context.Context, documentID string) (models.IngestStatus, bool, error)
}

// OutcomePublisher announces ingestion outcomes on the event stream.
type OutcomePublisher interface {
	PublishRaw(ctx context.Context, stream, eventType string, payload interface{}, opts ...events.PublishOption) (string, error)
}

// Config tunes the pipeline's concurrency and retry behaviour.
type Config struct {
	Workers     int
	MaxRetries  int
	RetryBase   time.Duration
	RetryMax    time.Duration
	EmbedBatch  int
	EventStream string
	QueueDepth  int
}

// Pipeline turns documents into chunks, embeds them, and replaces the
// per-document state across the persistence layer and the searchable
// corpus. Work for one document is serialized; different documents run
// in parallel across the worker pool.
type Pipeline struct {
	cfg      Config
	params   chunk.Params
	embedder provider.Embedder
	version  string
	docs     DocumentStore
	persist  Persister
	corpus   *corpus.Store
	outcomes OutcomePublisher
	logger   *log.Logger

	work chan string
	wg   sync.WaitGroup
	stop chan struct{}

	locks locks.Keyed

	statusMu sync.Mutex
	status   map[string]models.IngestStatus
}

// New builds a pipeline. persist and outcomes may be nil.
func New(cfg Config, params chunk.Params, embedder provider.Embedder, modelVersion string, docs DocumentStore, persist Persister, corp *corpus.Store, outcomes OutcomePublisher, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = 16
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	return &Pipeline{
		cfg:      cfg,
		params:   params,
		embedder: embedder,
		version:  modelVersion,
		docs:     docs,
		persist:  persist,
		corpus:   corp,
		outcomes: outcomes,
		logger:   logger,
		work:     make(chan string, cfg.QueueDepth),
		stop:     make(chan struct{}),
		status:   make(map[string]models.IngestStatus),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-p.stop:
					return
				case <-ctx.Done():
					return
				case docID := <-p.work:
					if err := p.Process(ctx, docID); err != nil {
						p.logger.Printf("worker %d: document %s failed: %v", worker, docID, err)
					}
				}
			}
		}(i)
	}
}

// Stop drains the workers. Queued documents not yet picked up are
// dropped; the sweep pass re-ingests anything left stale.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Enqueue schedules a document for ingestion and returns immediately.
// The pending state and the queue send happen under one lock, so a
// rejected document never advertises itself as pending and a worker
// cannot flip the state to running before pending is recorded.
func (p *Pipeline) Enqueue(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document id required")
	}
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	select {
	case p.work <- documentID:
		p.status[documentID] = models.IngestStatus{DocumentID: documentID, State: models.IngestStatePending, UpdatedAt: time.Now().UTC()}
		return nil
	default:
		return fmt.Errorf("ingest queue full, rejecting document %s", documentID)
	}
}

// Process ingests one document synchronously. Concurrent calls for the
// same document serialize on a per-document lock.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	p.locks.Lock(documentID)
	defer p.locks.Unlock(documentID)

	prev, _ := p.Status(ctx, documentID)
	attempt := prev.Attempts + 1
	p.setStatus(models.IngestStatus{DocumentID: documentID, State: models.IngestStateRunning, Attempts: attempt})

	err := p.ingest(ctx, documentID)
	if err != nil {
		p.fail(ctx, documentID, attempt, err)
		return err
	}
	p.complete(ctx, documentID, attempt)
	return nil
}

// Delete removes every trace of the document from the persistence layer
// and the corpus.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	p.locks.Lock(documentID)
	defer p.locks.Unlock(documentID)

	if p.persist != nil {
		if err := p.persist.DeleteDocument(ctx, documentID); err != nil {
			return fmt.Errorf("delete persisted chunks: %w", err)
		}
	}
	if err := p.corpus.Delete(documentID); err != nil {
		return fmt.Errorf("delete indexed chunks: %w", err)
	}
	p.statusMu.Lock()
	delete(p.status, documentID)
	p.statusMu.Unlock()
	p.logger.Printf("document %s removed", documentID)
	return nil
}

// Status reports the most recent ingestion outcome for the document,
// falling back to the persisted record when the in-memory one is gone.
func (p *Pipeline) Status(ctx context.Context, documentID string) (models.IngestStatus, bool) {
	p.statusMu.Lock()
	st, ok := p.status[documentID]
	p.statusMu.Unlock()
	if ok {
		return st, true
	}
	if p.persist != nil {
		if st, found, err := p.persist.GetIngestStatus(ctx, documentID); err == nil && found {
			return st, true
		}
	}
	return models.IngestStatus{}, false
}

func (p *Pipeline) ingest(ctx context.Context, documentID string) error {
	doc, found, err := p.docs.FetchDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	if !found {
		// The document vanished between the event and the fetch. Treat
		// it as a delete so no orphaned chunks survive.
		return p.deleteLocked(ctx, documentID)
	}

	chunks := chunk.Split(doc, p.params)

	if p.unchanged(ctx, documentID, chunks) {
		p.logger.Printf("document %s unchanged, skipping embedding", documentID)
		return nil
	}

	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	if p.persist != nil {
		if err := p.persist.ReplaceDocumentChunks(ctx, documentID, chunks, vectors, p.version); err != nil {
			return fmt.Errorf("persist chunks: %w", err)
		}
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{Chunk: c, Vector: vectors[i], ModelVersion: p.version}
	}
	if err := p.corpus.Replace(documentID, entries, chunks); err != nil {
		return fmt.Errorf("update corpus: %w", err)
	}
	return nil
}

// deleteLocked mirrors Delete without re-taking the per-document lock.
func (p *Pipeline) deleteLocked(ctx context.Context, documentID string) error {
	if p.persist != nil {
		if err := p.persist.DeleteDocument(ctx, documentID); err != nil {
			return fmt.Errorf("delete persisted chunks: %w", err)
		}
	}
	return p.corpus.Delete(documentID)
}

// unchanged reports whether the freshly computed chunk set carries the
// exact content hashes already persisted for the document.
func (p *Pipeline) unchanged(ctx context.Context, documentID string, chunks []models.DocumentChunk) bool {
	if p.persist == nil {
		return false
	}
	stored, err := p.persist.ContentHashes(ctx, documentID)
	if err != nil || len(stored) == 0 || len(stored) != len(chunks) {
		return false
	}
	for _, c := range chunks {
		if stored[c.ID] != c.ContentHash {
			return false
		}
	}
	// Hashes match but the indexed model version may still be behind.
	for _, stale := range p.corpus.StaleDocuments(p.version) {
		if stale == documentID {
			return false
		}
	}
	return true
}

// embedAll embeds chunk texts in batches. Each batch retries with
// exponential backoff up to the configured attempt cap.
func (p *Pipeline) embedAll(ctx context.Context, chunks []models.DocumentChunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatch {
		end := start + p.cfg.EmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		var res provider.EmbeddingResult
		operation := func() error {
			var embErr error
			res, embErr = p.embedder.CreateEmbedding(ctx, texts)
			return embErr
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = p.cfg.RetryBase
		policy.MaxInterval = p.cfg.RetryMax
		retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.MaxRetries)), ctx)
		if err := backoff.Retry(operation, retry); err != nil {
			return nil, fmt.Errorf("batch at %d: %w", start, err)
		}
		if len(res.Vectors) != end-start {
			return nil, fmt.Errorf("batch at %d: got %d vectors for %d texts", start, len(res.Vectors), end-start)
		}
		vectors = append(vectors, res.Vectors...)
	}
	return vectors, nil
}

func (p *Pipeline) complete(ctx context.Context, documentID string, attempts int) {
	st := models.IngestStatus{DocumentID: documentID, State: models.IngestStateCompleted, Attempts: attempts, UpdatedAt: time.Now().UTC()}
	p.setStatus(st)
	if p.persist != nil {
		if err := p.persist.UpsertIngestStatus(ctx, st); err != nil {
			p.logger.Printf("persist status for %s: %v", documentID, err)
		}
	}
	p.announce(ctx, events.EventIngestCompleted, st)
	p.logger.Printf("document %s ingested (attempt %d)", documentID, attempts)
}

func (p *Pipeline) fail(ctx context.Context, documentID string, attempts int, cause error) {
	st := models.IngestStatus{DocumentID: documentID, State: models.IngestStateFailed, Attempts: attempts, LastError: cause.Error(), UpdatedAt: time.Now().UTC()}
	p.setStatus(st)
	if p.persist != nil {
		if err := p.persist.UpsertIngestStatus(ctx, st); err != nil {
			p.logger.Printf("persist status for %s: %v", documentID, err)
		}
	}
	p.announce(ctx, events.EventIngestFailed, st)
}

func (p *Pipeline) announce(ctx context.Context, eventType string, st models.IngestStatus) {
	if p.outcomes == nil || p.cfg.EventStream == "" {
		return
	}
	payload := events.IngestEvent{DocumentID: st.DocumentID, State: st.State, Attempts: st.Attempts, Error: st.LastError}
	if _, err := p.outcomes.PublishRaw(ctx, p.cfg.EventStream, eventType, payload); err != nil {
		p.logger.Printf("publish %s for %s: %v", eventType, st.DocumentID, err)
	}
}

func (p *Pipeline) setStatus(st models.IngestStatus) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	p.statusMu.Lock()
	p.status[st.DocumentID] = st
	p.statusMu.Unlock()
}
