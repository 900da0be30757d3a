// Package corpus binds the vector and lexical indexes into one searchable
// unit. Writers replace a document in both indexes under one lock; readers
// searching both legs take the same lock, so a retrieval never mixes a
// document's new vectors with its old lexical chunks.
package corpus

import (
	"fmt"
	"sync"

	"github.com/gazetteer-labs/gazetteer/internal/index"
	"github.com/gazetteer-labs/gazetteer/internal/lexical"
	"github.com/gazetteer-labs/gazetteer/internal/rag"
	"github.com/gazetteer-labs/gazetteer/models"
)

// VectorIndex is the dense half of the corpus.
type VectorIndex interface {
	Upsert(documentID string, entries []index.Entry) error
	Delete(documentID string)
	Entries(documentID string) []index.Entry
	Search(vector []float32, modelVersion string, f models.Filters, k int) ([]index.Hit, error)
	StaleDocuments(modelVersion string) []string
}

// LexicalIndex is the sparse half.
type LexicalIndex interface {
	Replace(documentID string, chunks []models.DocumentChunk) error
	Delete(documentID string) error
	Search(text string, f models.Filters, k int) ([]lexical.Hit, error)
}

// Store pairs the two indexes behind a single reader/writer lock.
type Store struct {
	mu      sync.RWMutex
	vectors VectorIndex
	lexicon LexicalIndex
}

// New wraps the two indexes. All further writes and searches must go
// through the returned store for the consistency guarantee to hold.
func New(vectors VectorIndex, lexicon LexicalIndex) *Store {
	return &Store{vectors: vectors, lexicon: lexicon}
}

// Replace swaps the document's entries in both indexes as a unit. When the
// lexical write fails the vector index is rolled back to its prior state;
// a rollback that itself fails leaves the indexes disagreeing and is
// surfaced as ErrAtomicityViolation.
func (s *Store) Replace(documentID string, entries []index.Entry, chunks []models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.vectors.Entries(documentID)
	if err := s.vectors.Upsert(documentID, entries); err != nil {
		return fmt.Errorf("vector upsert %s: %w", documentID, err)
	}
	if err := s.lexicon.Replace(documentID, chunks); err != nil {
		if rbErr := s.restore(documentID, prev); rbErr != nil {
			return fmt.Errorf("%w: lexical replace %s failed (%v) and vector rollback failed: %v",
				rag.ErrAtomicityViolation, documentID, err, rbErr)
		}
		return fmt.Errorf("lexical replace %s: %w", documentID, err)
	}
	return nil
}

func (s *Store) restore(documentID string, prev []index.Entry) error {
	if len(prev) == 0 {
		s.vectors.Delete(documentID)
		return nil
	}
	return s.vectors.Upsert(documentID, prev)
}

// Delete removes the document from both indexes. The lexical side goes
// first; on failure the vector entries are still in place and the document
// stays fully retrievable.
func (s *Store) Delete(documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lexicon.Delete(documentID); err != nil {
		return fmt.Errorf("lexical delete %s: %w", documentID, err)
	}
	s.vectors.Delete(documentID)
	return nil
}

// Search runs both retrieval legs under one read lock so the hit lists
// describe the same corpus state. A nil vector skips the dense leg. When
// only the lexical leg fails the vector hits are still returned alongside
// the error, letting callers degrade instead of dropping the query.
func (s *Store) Search(vector []float32, modelVersion, text string, f models.Filters, k int) ([]index.Hit, []lexical.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vecHits []index.Hit
	if len(vector) > 0 {
		hits, err := s.vectors.Search(vector, modelVersion, f, k)
		if err != nil {
			return nil, nil, fmt.Errorf("vector search: %w", err)
		}
		vecHits = hits
	}
	lexHits, err := s.lexicon.Search(text, f, k)
	if err != nil {
		return vecHits, nil, fmt.Errorf("lexical search: %w", err)
	}
	return vecHits, lexHits, nil
}

// StaleDocuments lists documents whose vectors were embedded with a model
// version other than the given one.
func (s *Store) StaleDocuments(modelVersion string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectors.StaleDocuments(modelVersion)
}
