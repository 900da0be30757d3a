package ingest

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/gazetteer-labs/gazetteer/internal/corpus"
)

const sweepLockKey = "gazetteer:sweep:lock"

// Sweeper periodically re-ingests documents whose indexed embeddings were
// produced by an older model version. A redis lock keeps concurrent
// replicas from sweeping the same corpus twice.
type Sweeper struct {
	pipeline *Pipeline
	corpus   *corpus.Store
	version  string
	rdb      *redis.Client
	expr     *cronexpr.Expression
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper parses the cron schedule and builds a sweeper. rdb may be
// nil for single-instance deployments.
func NewSweeper(pipeline *Pipeline, corp *corpus.Store, modelVersion, cronSpec string, rdb *redis.Client, logger *log.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = log.Default()
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		pipeline: pipeline,
		corpus:   corp,
		version:  modelVersion,
		rdb:      rdb,
		expr:     expr,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the schedule loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		next := s.expr.Next(time.Now())
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				if now.Before(next) {
					continue
				}
				next = s.expr.Next(now)
				s.Sweep(context.Background())
			}
		}
	}()
}

// Stop terminates the schedule loop.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep enqueues every document whose indexed model version is behind.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, sweepLockKey, "1", 10*time.Minute).Result()
		if err != nil {
			s.logger.Printf("lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.rdb.Del(ctx, sweepLockKey)
	}

	stale := s.corpus.StaleDocuments(s.version)
	if len(stale) == 0 {
		return
	}
	s.logger.Printf("re-ingesting %d documents behind model version %s", len(stale), s.version)
	for _, docID := range stale {
		if err := s.pipeline.Enqueue(docID); err != nil {
			s.logger.Printf("enqueue %s: %v", docID, err)
		}
	}
}
