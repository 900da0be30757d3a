package rank

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gazetteer-labs/gazetteer/internal/index"
	"github.com/gazetteer-labs/gazetteer/internal/lexical"
	"github.com/gazetteer-labs/gazetteer/internal/rag"
	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

// Searcher runs both retrieval legs against one consistent corpus state.
// A nil vector skips the dense leg; filters apply inside each leg before
// truncation to k.
type Searcher interface {
	Search(vector []float32, modelVersion, text string, f models.Filters, k int) ([]index.Hit, []lexical.Hit, error)
}

// Config holds the scoring weights. Weights are relative; they are not
// required to sum to one.
type Config struct {
	VectorWeight  float64
	LexicalWeight float64
	MetadataBoost float64
	MinScore      float64
	TopK          int
	SearchTimeout time.Duration
}

// Ranker fuses dense and lexical retrieval into one composite ordering.
// When the dense side is unavailable the ranker degrades to lexical-only
// rather than failing the query.
type Ranker struct {
	embedder provider.Embedder
	version  string
	searcher Searcher
	cfg      Config
	logger   *log.Logger
}

// New builds a ranker. modelVersion pins which embedding generation the
// vector searches run against.
func New(embedder provider.Embedder, modelVersion string, searcher Searcher, cfg Config, logger *log.Logger) *Ranker {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
	return &Ranker{
		embedder: embedder,
		version:  modelVersion,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve runs both retrieval legs for the query and returns the fused,
// descending-composite hit list. Ties break on chunk ID so a repeated
// query over an unchanged corpus returns an identical ordering.
func (r *Ranker) Retrieve(ctx context.Context, q models.Query) (models.RetrievalResult, error) {
	if q.Text == "" {
		return models.RetrievalResult{}, fmt.Errorf("query text required")
	}
	k := q.Limit
	if k <= 0 {
		k = r.cfg.TopK
	}
	// Pull a wider candidate pool than the final page so normalization
	// sees both legs' score spreads before truncation.
	candidateK := k * 2

	vector, degraded := r.embedQuery(ctx, q.Text)

	vecHits, lexHits, err := r.searcher.Search(vector, r.version, q.Text, q.Filters, candidateK)
	if err != nil {
		if degraded {
			// No dense leg and no lexical leg: nothing left to rank.
			return models.RetrievalResult{}, fmt.Errorf("%w: %v", rag.ErrIndexUnavailable, err)
		}
		r.logger.Printf("lexical search failed, ranking dense-only: %v", err)
		lexHits = nil
	}

	wv, wl := r.cfg.VectorWeight, r.cfg.LexicalWeight
	if degraded {
		wv = 0
		if wl == 0 {
			wl = 1
		}
	}

	merged := fuse(vecHits, lexHits, wv, wl, r.cfg.MetadataBoost, q.Filters)

	hits := merged[:0]
	for _, h := range merged {
		if h.Composite >= r.cfg.MinScore {
			hits = append(hits, h)
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return models.RetrievalResult{Hits: hits, Degraded: degraded}, nil
}

// embedQuery turns the query text into a search vector. Any failure is
// reported as degraded rather than as a query error; the caller then runs
// the lexical leg alone.
func (r *Ranker) embedQuery(ctx context.Context, text string) ([]float32, bool) {
	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	res, err := r.embedder.CreateEmbedding(embedCtx, []string{text})
	if err != nil {
		r.logger.Printf("query embedding failed, degrading to lexical-only: %v", err)
		return nil, true
	}
	if len(res.Vectors) != 1 {
		r.logger.Printf("query embedding returned %d vectors, degrading", len(res.Vectors))
		return nil, true
	}
	return res.Vectors[0], false
}

// fuse normalizes each leg's scores to [0,1] within the candidate set,
// combines them with the configured weights, applies metadata boosts, and
// sorts descending by composite with chunk ID as the tie-break.
func fuse(vecHits []index.Hit, lexHits []lexical.Hit, wv, wl, boost float64, f models.Filters) []models.ScoredChunk {
	byID := make(map[string]*models.ScoredChunk, len(vecHits)+len(lexHits))

	vmin, vmax := bounds(len(vecHits), func(i int) float64 { return vecHits[i].Similarity })
	for _, h := range vecHits {
		sc := scored(byID, h.Chunk)
		sc.VectorScore = normalize(h.Similarity, vmin, vmax)
	}

	lmin, lmax := bounds(len(lexHits), func(i int) float64 { return lexHits[i].Score })
	for _, h := range lexHits {
		sc := scored(byID, h.Chunk)
		sc.LexicalScore = normalize(h.Score, lmin, lmax)
	}

	out := make([]models.ScoredChunk, 0, len(byID))
	for _, sc := range byID {
		sc.Boost = metadataBoost(sc.Chunk, f, boost)
		sc.Composite = wv*sc.VectorScore + wl*sc.LexicalScore + sc.Boost
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}

func scored(byID map[string]*models.ScoredChunk, c models.DocumentChunk) *models.ScoredChunk {
	if sc, ok := byID[c.ID]; ok {
		return sc
	}
	sc := &models.ScoredChunk{Chunk: c}
	byID[c.ID] = sc
	return sc
}

// metadataBoost rewards chunks that match a filter exactly rather than
// merely falling inside its range: a single-year window hitting the
// chunk's own year, or a single requested category matching directly.
func metadataBoost(c models.DocumentChunk, f models.Filters, boost float64) float64 {
	if boost == 0 {
		return 0
	}
	total := 0.0
	if f.YearFrom != 0 && f.YearFrom == f.YearTo && c.Year == f.YearFrom {
		total += boost
	}
	if len(f.CategoryIDs) == 1 && c.CategoryID == f.CategoryIDs[0] {
		total += boost
	}
	return total
}

func bounds(n int, score func(i int) float64) (min, max float64) {
	if n == 0 {
		return 0, 0
	}
	min, max = score(0), score(0)
	for i := 1; i < n; i++ {
		s := score(i)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// normalize maps s into [0,1] over [min,max]. A flat candidate set maps
// to 1 when scores are positive, 0 otherwise.
func normalize(s, min, max float64) float64 {
	if max == min {
		if max > 0 {
			return 1
		}
		return 0
	}
	return (s - min) / (max - min)
}
