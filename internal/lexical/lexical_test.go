package lexical

import (
	"fmt"
	"testing"

	"github.com/gazetteer-labs/gazetteer/models"
)

func chunkOf(docID string, seq int, text string) models.DocumentChunk {
	return models.DocumentChunk{
		ID:         fmt.Sprintf("%s#%04d", docID, seq),
		DocumentID: docID,
		Seq:        seq,
		Text:       text,
	}
}

func TestSearch_FindsKeywordMatches(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Replace("d1", []models.DocumentChunk{
		chunkOf("d1", 0, "The county annals describe the irrigation canal network."),
		chunkOf("d1", 1, "Population figures for the northern villages."),
	}); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search("irrigation canal", models.Filters{}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Fatal("expected lexical hits")
	}
	if hits[0].Chunk.ID != "d1#0000" {
		t.Errorf("expected canal chunk first, got %s", hits[0].Chunk.ID)
	}
	if hits[0].Score <= 0 {
		t.Errorf("expected positive score, got %f", hits[0].Score)
	}
}

func TestReplace_SwapsDocumentChunks(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Replace("d1", []models.DocumentChunk{chunkOf("d1", 0, "ancient bridge construction records")})
	_ = s.Replace("d1", []models.DocumentChunk{chunkOf("d1", 0, "modern railway expansion plans")})

	hits, err := s.Search("bridge", models.Filters{}, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Chunk.DocumentID == "d1" {
			t.Fatalf("stale chunk text still indexed: %+v", h.Chunk)
		}
	}
	hits, _ = s.Search("railway", models.Filters{}, 5)
	if len(hits) != 1 {
		t.Fatalf("replacement chunk not searchable, got %d hits", len(hits))
	}
}

func TestDelete_RemovesDocument(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Replace("d1", []models.DocumentChunk{chunkOf("d1", 0, "grain harvest statistics")})
	_ = s.Replace("d2", []models.DocumentChunk{chunkOf("d2", 0, "grain storage methods")})

	if err := s.Delete("d1"); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Search("grain", models.Filters{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Chunk.DocumentID == "d1" {
			t.Fatalf("deleted document still searchable: %+v", h.Chunk)
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 indexed chunk, got %d", s.Len())
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	hits, err := s.Search("", models.Filters{}, 5)
	if err != nil || hits != nil {
		t.Errorf("empty query should return nothing, got %v, %v", hits, err)
	}
}

func TestSearch_FiltersApplyBeforeTruncation(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// Many strong matches in one region must not crowd out the single
	// match in another when the caller filters on it.
	for i := 0; i < 6; i++ {
		doc := fmt.Sprintf("north-%d", i)
		c := chunkOf(doc, 0, "reservoir reservoir reservoir levels")
		c.Region = "north"
		if err := s.Replace(doc, []models.DocumentChunk{c}); err != nil {
			t.Fatal(err)
		}
	}
	south := chunkOf("south-1", 0, "reservoir capacity report")
	south.Region = "south"
	south.Year = 1954
	if err := s.Replace("south-1", []models.DocumentChunk{south}); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search("reservoir", models.Filters{Region: "south"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected the southern chunk, got %d hits", len(hits))
	}
	if hits[0].Chunk.ID != "south-1#0000" {
		t.Errorf("wrong chunk: %s", hits[0].Chunk.ID)
	}

	hits, err = s.Search("reservoir", models.Filters{YearFrom: 1950, YearTo: 1960}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "south-1#0000" {
		t.Fatalf("year-range filter failed, hits = %+v", hits)
	}
}

func TestSearch_CategoryDisjunction(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	water := chunkOf("d1", 0, "canal flow measurements")
	water.CategoryID = "water"
	land := chunkOf("d2", 0, "canal-side land parcels")
	land.CategoryID = "land"
	trade := chunkOf("d3", 0, "canal toll receipts")
	trade.CategoryID = "trade"
	for _, c := range []models.DocumentChunk{water, land, trade} {
		if err := s.Replace(c.DocumentID, []models.DocumentChunk{c}); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.Search("canal", models.Filters{CategoryIDs: []string{"water", "trade"}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected water and trade chunks, got %d hits", len(hits))
	}
	for _, h := range hits {
		if h.Chunk.CategoryID == "land" {
			t.Errorf("excluded category leaked through: %+v", h.Chunk)
		}
	}
}
