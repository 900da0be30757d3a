package lexical

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"

	"github.com/gazetteer-labs/gazetteer/models"
)

// Hit is one keyword match with its bleve relevance score.
type Hit struct {
	Chunk models.DocumentChunk
	Score float64
}

// indexedChunk is the shape handed to bleve for full-text indexing. The
// metadata fields are indexed exactly (keyword analyzer, excluded from
// _all) so filter predicates run inside the query rather than over an
// already-truncated result page.
type indexedChunk struct {
	Title      string   `json:"title"`
	Text       string   `json:"text"`
	Keywords   []string `json:"keywords"`
	Region     string   `json:"region"`
	Year       float64  `json:"year"`
	CategoryID string   `json:"category_id"`
	Status     string   `json:"status"`
}

// Store is the in-process lexical/full-text store: a mem-only bleve index
// plus chunk metadata, replaced per document as a unit.
type Store struct {
	mu        sync.RWMutex
	index     bleve.Index
	meta      map[string]models.DocumentChunk // chunk id -> chunk
	docChunks map[string][]string             // document id -> chunk ids
}

// New creates an empty lexical store.
func New() (*Store, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve init: %w", err)
	}
	return &Store{
		index:     idx,
		meta:      make(map[string]models.DocumentChunk),
		docChunks: make(map[string][]string),
	}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.IncludeInAll = false

	year := bleve.NewNumericFieldMapping()
	year.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("keywords", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("region", exact)
	doc.AddFieldMappingsAt("category_id", exact)
	doc.AddFieldMappingsAt("status", exact)
	doc.AddFieldMappingsAt("year", year)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Replace swaps all indexed chunks of a document in one batch. Readers
// holding the lock never observe a half-replaced document.
func (s *Store) Replace(documentID string, chunks []models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.index.NewBatch()
	for _, id := range s.docChunks[documentID] {
		batch.Delete(id)
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ic := indexedChunk{
			Title:      c.Title,
			Text:       c.Text,
			Keywords:   c.Keywords,
			Region:     c.Region,
			Year:       float64(c.Year),
			CategoryID: c.CategoryID,
			Status:     c.Status,
		}
		if err := batch.Index(c.ID, ic); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	for _, id := range s.docChunks[documentID] {
		delete(s.meta, id)
	}
	if len(ids) == 0 {
		delete(s.docChunks, documentID)
	} else {
		s.docChunks[documentID] = ids
		for _, c := range chunks {
			s.meta[c.ID] = c
		}
	}
	return nil
}

// Delete removes every chunk of the document from the index.
func (s *Store) Delete(documentID string) error {
	return s.Replace(documentID, nil)
}

// Search returns up to k keyword matches for the query text among chunks
// satisfying every filter predicate. Filtering happens inside the bleve
// query, before truncation to k, so a narrow filter still fills the page
// when enough matches exist. Scores are comparable within one query only.
func (s *Store) Search(text string, f models.Filters, k int) ([]Hit, error) {
	if text == "" || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(buildQuery(text, f), k, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		chunk, ok := s.meta[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Chunk: chunk, Score: h.Score})
	}
	return hits, nil
}

// buildQuery conjoins the relevance match with one mandatory clause per
// set filter predicate.
func buildQuery(text string, f models.Filters) query.Query {
	match := bleve.NewMatchQuery(text)
	if f.IsZero() {
		return match
	}

	clauses := []query.Query{match}
	if f.Region != "" {
		clauses = append(clauses, termQuery("region", f.Region))
	}
	if f.Status != "" {
		clauses = append(clauses, termQuery("status", f.Status))
	}
	if len(f.CategoryIDs) > 0 {
		cats := make([]query.Query, 0, len(f.CategoryIDs))
		for _, id := range f.CategoryIDs {
			cats = append(cats, termQuery("category_id", id))
		}
		clauses = append(clauses, bleve.NewDisjunctionQuery(cats...))
	}
	if f.YearFrom != 0 || f.YearTo != 0 {
		clauses = append(clauses, yearRange(f.YearFrom, f.YearTo))
	}
	return bleve.NewConjunctionQuery(clauses...)
}

func termQuery(field, term string) query.Query {
	q := bleve.NewTermQuery(term)
	q.SetField(field)
	return q
}

func yearRange(from, to int) query.Query {
	var min, max *float64
	if from != 0 {
		v := float64(from)
		min = &v
	}
	if to != 0 {
		v := float64(to)
		max = &v
	}
	incl := true
	q := bleve.NewNumericRangeInclusiveQuery(min, max, &incl, &incl)
	q.SetField("year")
	return q
}

// Len reports the number of indexed chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta)
}
