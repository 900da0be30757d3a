package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gazetteer-labs/gazetteer/internal/store"
	"github.com/gazetteer-labs/gazetteer/models"
)

func TestStoreRoundTripAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgUser := "gazetteer"
	pgPassword := "gazetteer"
	pgDB := "gazetteer"

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase(pgDB),
		tcPostgres.WithUsername(pgUser),
		tcPostgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, pgHost, pgPort.Port(), pgDB)
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	chunks := []models.DocumentChunk{
		{ID: "doc-1#0000", DocumentID: "doc-1", Seq: 0, Text: "the reservoir was drained", CharLen: 25, ContentHash: "h0", Title: "Survey", Region: "north", Year: 1951, CategoryID: "water", Keywords: []string{"reservoir"}},
		{ID: "doc-1#0001", DocumentID: "doc-1", Seq: 1, Text: "and refilled the next spring", CharLen: 28, ContentHash: "h1", Title: "Survey", Region: "north", Year: 1951, CategoryID: "water"},
	}
	vectors := [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}

	if err := st.ReplaceDocumentChunks(ctx, "doc-1", chunks, vectors, "embed-1"); err != nil {
		t.Fatalf("ReplaceDocumentChunks: %v", err)
	}

	recs, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Chunk.ID != "doc-1#0000" || recs[0].Vector[1] != 0.2 {
		t.Fatalf("first record wrong: %+v", recs[0])
	}

	hashes, err := st.ContentHashes(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ContentHashes: %v", err)
	}
	if hashes["doc-1#0001"] != "h1" {
		t.Fatalf("content hashes wrong: %v", hashes)
	}

	// Replacement shrinks the chunk set; the embedding rows cascade away.
	if err := st.ReplaceDocumentChunks(ctx, "doc-1", chunks[:1], vectors[:1], "embed-2"); err != nil {
		t.Fatalf("shrinking replace: %v", err)
	}
	recs, err = st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll after replace: %v", err)
	}
	if len(recs) != 1 || recs[0].ModelVersion != "embed-2" {
		t.Fatalf("replace did not apply wholesale: %+v", recs)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	turns := []models.Turn{
		{Role: models.RoleUser, Content: "when was it drained?", CreatedAt: now},
		{Role: models.RoleAssistant, Content: "in 1951", CitedChunkIDs: []string{"doc-1#0000"}, CreatedAt: now},
	}
	if err := st.SaveTurns(ctx, "s1", turns); err != nil {
		t.Fatalf("SaveTurns: %v", err)
	}
	loaded, err := st.LoadTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}
	if len(loaded) != 2 || loaded[1].CitedChunkIDs[0] != "doc-1#0000" {
		t.Fatalf("turn log round trip wrong: %+v", loaded)
	}

	status := models.IngestStatus{DocumentID: "doc-1", State: models.IngestStateCompleted, Attempts: 2}
	if err := st.UpsertIngestStatus(ctx, status); err != nil {
		t.Fatalf("UpsertIngestStatus: %v", err)
	}
	got, ok, err := st.GetIngestStatus(ctx, "doc-1")
	if err != nil || !ok {
		t.Fatalf("GetIngestStatus: ok=%t err=%v", ok, err)
	}
	if got.State != models.IngestStateCompleted || got.Attempts != 2 {
		t.Fatalf("status round trip wrong: %+v", got)
	}

	if err := st.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	recs, err = st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll after delete: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty store after delete, got %d", len(recs))
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
  id            TEXT PRIMARY KEY,
  document_id   TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  text          TEXT NOT NULL,
  char_len      INTEGER NOT NULL,
  content_hash  TEXT NOT NULL,
  title         TEXT NOT NULL DEFAULT '',
  region        TEXT NOT NULL DEFAULT '',
  year          INTEGER NOT NULL DEFAULT 0,
  category_id   TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL DEFAULT '',
  keywords      TEXT[] NOT NULL DEFAULT '{}',
  created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chunk_embeddings (
  chunk_id      TEXT PRIMARY KEY REFERENCES document_chunks(id) ON DELETE CASCADE,
  document_id   TEXT NOT NULL,
  embedding     VECTOR NOT NULL,
  model_version TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS session_turns (
  session_id      TEXT NOT NULL,
  turn_index      INTEGER NOT NULL,
  role            TEXT NOT NULL,
  content         TEXT NOT NULL,
  cited_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS ingestion_status (
  document_id TEXT PRIMARY KEY,
  state       TEXT NOT NULL,
  attempts    INTEGER NOT NULL DEFAULT 0,
  last_error  TEXT NOT NULL DEFAULT '',
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
