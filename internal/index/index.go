package index

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/gazetteer-labs/gazetteer/models"
)

// Entry is the unit stored by the vector index: a chunk, its embedding,
// and the model version that produced the embedding.
type Entry struct {
	Chunk        models.DocumentChunk
	Vector       []float32
	ModelVersion string
}

// Hit is one similarity match.
type Hit struct {
	Chunk      models.DocumentChunk
	Similarity float64
}

type indexed struct {
	Entry
	order uint64 // global insertion order, used as the deterministic tie-break
}

// Index is an in-process vector index with metadata filtering. All entries
// for one document are replaced or removed as a unit; readers never observe
// a partially replaced document.
type Index struct {
	mu   sync.RWMutex
	docs map[string][]*indexed
	seq  uint64
}

// New creates an empty index.
func New() *Index {
	return &Index{docs: make(map[string][]*indexed)}
}

// Upsert atomically replaces all entries for a document. Entries must share
// one model version; an upsert never merges with prior entries, so a version
// change replaces the document's vectors wholesale.
func (ix *Index) Upsert(documentID string, entries []Entry) error {
	if documentID == "" {
		return fmt.Errorf("document id required")
	}
	version := ""
	for i, e := range entries {
		if len(e.Vector) == 0 {
			return fmt.Errorf("entry %d: empty vector", i)
		}
		if e.ModelVersion == "" {
			return fmt.Errorf("entry %d: model version required", i)
		}
		if version == "" {
			version = e.ModelVersion
		} else if e.ModelVersion != version {
			return fmt.Errorf("mixed model versions in one upsert: %s vs %s", version, e.ModelVersion)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(entries) == 0 {
		delete(ix.docs, documentID)
		return nil
	}
	replacement := make([]*indexed, 0, len(entries))
	for _, e := range entries {
		ix.seq++
		replacement = append(replacement, &indexed{Entry: e, order: ix.seq})
	}
	ix.docs[documentID] = replacement
	return nil
}

// Delete removes every entry belonging to the document.
func (ix *Index) Delete(documentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.docs, documentID)
}

// Entries returns a copy of the document's stored entries, nil when the
// document is not indexed. Callers use it to snapshot state ahead of a
// replacement they may need to undo.
func (ix *Index) Entries(documentID string) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	stored := ix.docs[documentID]
	if len(stored) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(stored))
	for _, e := range stored {
		out = append(out, e.Entry)
	}
	return out
}

// Search returns the k most similar entries to the query vector among those
// matching every filter predicate. Filters are applied before truncation, so
// a filtered search still fills k when enough matches exist. Entries tagged
// with a different model version than the query are never compared.
func (ix *Index) Search(vector []float32, modelVersion string, f models.Filters, k int) ([]Hit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	type scored struct {
		ref *indexed
		sim float64
	}
	var candidates []scored
	for _, entries := range ix.docs {
		for _, e := range entries {
			if e.ModelVersion != modelVersion {
				continue
			}
			if !f.Match(e.Chunk) {
				continue
			}
			candidates = append(candidates, scored{ref: e, sim: cosine(vector, e.Vector)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].ref.order < candidates[j].ref.order
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{Chunk: c.ref.Chunk, Similarity: c.sim})
	}
	return hits, nil
}

// StaleDocuments lists documents whose stored vectors were produced by a
// model version other than the given one. Such documents need a full
// re-ingestion before their vectors are comparable again.
func (ix *Index) StaleDocuments(modelVersion string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var stale []string
	for docID, entries := range ix.docs {
		if len(entries) > 0 && entries[0].ModelVersion != modelVersion {
			stale = append(stale, docID)
		}
	}
	sort.Strings(stale)
	return stale
}

// Len reports the total number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, entries := range ix.docs {
		n += len(entries)
	}
	return n
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
