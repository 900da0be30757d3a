package models

import "time"

// Document is the unit handed to the ingestion pipeline. Text and metadata
// come from the document persistence store, which remains the source of truth.
type Document struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	Region     string `json:"region,omitempty"`
	Year       int    `json:"year,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// DocumentChunk is a contiguous span of one document's text, the unit of
// embedding and retrieval. Chunks of one document are ordered by Seq;
// consecutive chunks overlap by a fixed character window.
type DocumentChunk struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"document_id"`
	Seq         int      `json:"seq"`
	Text        string   `json:"text"`
	CharLen     int      `json:"char_len"`
	ContentHash string   `json:"content_hash"`
	Title       string   `json:"title,omitempty"`
	Region      string   `json:"region,omitempty"`
	Year        int      `json:"year,omitempty"`
	CategoryID  string   `json:"category_id,omitempty"`
	Status      string   `json:"status,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Filters narrows retrieval to chunks whose metadata matches every
// non-zero predicate (conjunction).
type Filters struct {
	Region      string   `json:"region,omitempty"`
	YearFrom    int      `json:"year_from,omitempty"`
	YearTo      int      `json:"year_to,omitempty"`
	CategoryIDs []string `json:"category_ids,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// IsZero reports whether no predicate is set.
func (f Filters) IsZero() bool {
	return f.Region == "" && f.YearFrom == 0 && f.YearTo == 0 && len(f.CategoryIDs) == 0 && f.Status == ""
}

// Match reports whether the chunk satisfies every set predicate.
func (f Filters) Match(c DocumentChunk) bool {
	if f.Region != "" && c.Region != f.Region {
		return false
	}
	if f.YearFrom != 0 && c.Year < f.YearFrom {
		return false
	}
	if f.YearTo != 0 && c.Year > f.YearTo {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if len(f.CategoryIDs) > 0 {
		found := false
		for _, id := range f.CategoryIDs {
			if c.CategoryID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query is a transient retrieval request. Never persisted.
type Query struct {
	Text      string  `json:"text"`
	Filters   Filters `json:"filters"`
	Limit     int     `json:"limit,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// ScoredChunk is one ranked hit with its component scores preserved.
type ScoredChunk struct {
	Chunk        DocumentChunk `json:"chunk"`
	Composite    float64       `json:"composite"`
	VectorScore  float64       `json:"vector_score"`
	LexicalScore float64       `json:"lexical_score"`
	Boost        float64       `json:"boost"`
}

// RetrievalResult is the ranked hit list, sorted descending by composite
// score. Degraded is set when the vector index was unavailable and the
// ranking fell back to lexical-only.
type RetrievalResult struct {
	Hits     []ScoredChunk `json:"hits"`
	Degraded bool          `json:"degraded"`
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one exchange entry inside a conversation.
type Turn struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	CitedChunkIDs []string  `json:"cited_chunk_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ingestion states surfaced to operators.
const (
	IngestStatePending   = "pending"
	IngestStateRunning   = "running"
	IngestStateCompleted = "completed"
	IngestStateFailed    = "failed"
)

// IngestStatus records the outcome of the most recent ingestion attempt
// for one document.
type IngestStatus struct {
	DocumentID string    `json:"document_id"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
