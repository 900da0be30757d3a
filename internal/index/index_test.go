package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gazetteer-labs/gazetteer/models"
)

const version = "embed-v1"

func entry(docID string, seq int, vec []float32, chunk models.DocumentChunk) Entry {
	chunk.ID = fmt.Sprintf("%s#%04d", docID, seq)
	chunk.DocumentID = docID
	chunk.Seq = seq
	return Entry{Chunk: chunk, Vector: vec, ModelVersion: version}
}

func TestSearch_RanksByCosine(t *testing.T) {
	ix := New()
	if err := ix.Upsert("d1", []Entry{
		entry("d1", 0, []float32{1, 0}, models.DocumentChunk{}),
		entry("d1", 1, []float32{0, 1}, models.DocumentChunk{}),
		entry("d1", 2, []float32{0.9, 0.1}, models.DocumentChunk{}),
	}); err != nil {
		t.Fatal(err)
	}

	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{}, 2)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "d1#0000" {
		t.Errorf("expected exact match first, got %s", hits[0].Chunk.ID)
	}
	if hits[1].Chunk.ID != "d1#0002" {
		t.Errorf("expected near match second, got %s", hits[1].Chunk.ID)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Error("hits not sorted by similarity")
	}
}

func TestSearch_TieBreakByInsertionOrder(t *testing.T) {
	ix := New()
	_ = ix.Upsert("a", []Entry{entry("a", 0, []float32{1, 0}, models.DocumentChunk{})})
	_ = ix.Upsert("b", []Entry{entry("b", 0, []float32{1, 0}, models.DocumentChunk{})})

	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{}, 2)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.DocumentID != "a" || hits[1].Chunk.DocumentID != "b" {
		t.Errorf("tie not broken by insertion order: %s, %s", hits[0].Chunk.DocumentID, hits[1].Chunk.DocumentID)
	}
}

func TestSearch_FiltersBeforeTruncation(t *testing.T) {
	ix := New()
	// Ten close non-matching chunks and three farther matching ones.
	for i := 0; i < 10; i++ {
		doc := fmt.Sprintf("noise-%d", i)
		_ = ix.Upsert(doc, []Entry{entry(doc, 0, []float32{1, 0}, models.DocumentChunk{Region: "south"})})
	}
	for i := 0; i < 3; i++ {
		doc := fmt.Sprintf("match-%d", i)
		_ = ix.Upsert(doc, []Entry{entry(doc, 0, []float32{0, 1}, models.DocumentChunk{Region: "north"})})
	}

	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{Region: "north"}, 3)
	if len(hits) != 3 {
		t.Fatalf("filter shrank result below available matches: got %d", len(hits))
	}
	for _, h := range hits {
		if h.Chunk.Region != "north" {
			t.Errorf("filter violated: %+v", h.Chunk)
		}
	}
}

func TestSearch_YearRangeAndCategory(t *testing.T) {
	ix := New()
	_ = ix.Upsert("d1", []Entry{entry("d1", 0, []float32{1, 0}, models.DocumentChunk{Year: 1950, CategoryID: "water"})})
	_ = ix.Upsert("d2", []Entry{entry("d2", 0, []float32{1, 0}, models.DocumentChunk{Year: 1980, CategoryID: "farm"})})

	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{YearFrom: 1940, YearTo: 1960, CategoryIDs: []string{"water"}}, 5)
	if len(hits) != 1 || hits[0].Chunk.DocumentID != "d1" {
		t.Fatalf("unexpected filtered hits: %+v", hits)
	}
}

func TestUpsert_ReplacesWholesale(t *testing.T) {
	ix := New()
	_ = ix.Upsert("d1", []Entry{
		entry("d1", 0, []float32{1, 0}, models.DocumentChunk{}),
		entry("d1", 1, []float32{1, 0}, models.DocumentChunk{}),
		entry("d1", 2, []float32{1, 0}, models.DocumentChunk{}),
	})
	_ = ix.Upsert("d1", []Entry{entry("d1", 0, []float32{0, 1}, models.DocumentChunk{})})

	if ix.Len() != 1 {
		t.Fatalf("old entries survived replace: len=%d", ix.Len())
	}
	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{}, 10)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit after replace, got %d", len(hits))
	}
}

func TestUpsert_RejectsMixedVersions(t *testing.T) {
	ix := New()
	err := ix.Upsert("d1", []Entry{
		{Chunk: models.DocumentChunk{ID: "c1"}, Vector: []float32{1}, ModelVersion: "v1"},
		{Chunk: models.DocumentChunk{ID: "c2"}, Vector: []float32{1}, ModelVersion: "v2"},
	})
	if err == nil {
		t.Fatal("expected error for mixed model versions")
	}
}

func TestSearch_SkipsOtherModelVersions(t *testing.T) {
	ix := New()
	_ = ix.Upsert("d1", []Entry{{Chunk: models.DocumentChunk{ID: "c1"}, Vector: []float32{1, 0}, ModelVersion: "v1"}})
	_ = ix.Upsert("d2", []Entry{{Chunk: models.DocumentChunk{ID: "c2"}, Vector: []float32{1, 0}, ModelVersion: "v2"}})

	hits, _ := ix.Search([]float32{1, 0}, "v2", models.Filters{}, 10)
	if len(hits) != 1 || hits[0].Chunk.ID != "c2" {
		t.Fatalf("mixed-version entries compared: %+v", hits)
	}
}

func TestDelete_RemovesAllDocumentEntries(t *testing.T) {
	ix := New()
	_ = ix.Upsert("d1", []Entry{
		entry("d1", 0, []float32{1, 0}, models.DocumentChunk{}),
		entry("d1", 1, []float32{0.8, 0.2}, models.DocumentChunk{}),
	})
	_ = ix.Upsert("d2", []Entry{entry("d2", 0, []float32{0, 1}, models.DocumentChunk{})})

	ix.Delete("d1")
	hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{}, 10)
	for _, h := range hits {
		if h.Chunk.DocumentID == "d1" {
			t.Fatalf("deleted document still searchable: %+v", h.Chunk)
		}
	}
}

func TestStaleDocuments(t *testing.T) {
	ix := New()
	_ = ix.Upsert("old", []Entry{{Chunk: models.DocumentChunk{ID: "c1"}, Vector: []float32{1}, ModelVersion: "v1"}})
	_ = ix.Upsert("new", []Entry{{Chunk: models.DocumentChunk{ID: "c2"}, Vector: []float32{1}, ModelVersion: "v2"}})

	stale := ix.StaleDocuments("v2")
	if len(stale) != 1 || stale[0] != "old" {
		t.Fatalf("unexpected stale set: %v", stale)
	}
}

func TestConcurrentSearchNeverSeesPartialReplace(t *testing.T) {
	ix := New()
	oldEntries := make([]Entry, 3)
	newEntries := make([]Entry, 5)
	for i := range oldEntries {
		oldEntries[i] = entry("d1", i, []float32{1, 0}, models.DocumentChunk{Status: "old"})
	}
	for i := range newEntries {
		newEntries[i] = entry("d1", i, []float32{1, 0}, models.DocumentChunk{Status: "new"})
	}
	_ = ix.Upsert("d1", oldEntries)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			hits, _ := ix.Search([]float32{1, 0}, version, models.Filters{}, 10)
			if len(hits) == 0 {
				continue
			}
			status := hits[0].Chunk.Status
			for _, h := range hits {
				if h.Chunk.Status != status {
					t.Error("observed a mix of old and new chunks during replace")
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			_ = ix.Upsert("d1", newEntries)
		} else {
			_ = ix.Upsert("d1", oldEntries)
		}
	}
	close(stop)
	wg.Wait()
}
