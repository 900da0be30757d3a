package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gazetteer-labs/gazetteer/models"
)

// Store is the durable side of the retrieval engine: chunk text and
// metadata, their embeddings, the conversation turn log, and per-document
// ingestion status. The in-process indexes are rebuilt from here on boot.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a postgres connection with the given DSN and verifies
// it with a ping.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// ChunkRecord is one persisted chunk with its embedding, the unit the
// boot-time index rebuild consumes.
type ChunkRecord struct {
	Chunk        models.DocumentChunk
	Vector       []float32
	ModelVersion string
}

// ReplaceDocumentChunks replaces all persisted chunks and embeddings for a
// document in one transaction. chunks and vectors are parallel slices; the
// whole replacement commits or none of it does.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []models.DocumentChunk, vectors [][]float32, modelVersion string) error {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
INSERT INTO document_chunks (id, document_id, seq, text, char_len, content_hash, title, region, year, category_id, status, keywords, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
`)
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	embStmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_embeddings (chunk_id, document_id, embedding, model_version, created_at)
VALUES ($1,$2,$3::vector,$4,NOW())
`)
	if err != nil {
		return err
	}
	defer embStmt.Close()

	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk %d: id required", i)
		}
		if _, err = chunkStmt.ExecContext(ctx, c.ID, documentID, c.Seq, c.Text, c.CharLen, c.ContentHash,
			c.Title, c.Region, c.Year, c.CategoryID, c.Status, pq.Array(c.Keywords)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		var lit string
		lit, err = encodeVectorLiteral(vectors[i])
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if _, err = embStmt.ExecContext(ctx, c.ID, documentID, lit, modelVersion); err != nil {
			return fmt.Errorf("insert embedding for %s: %w", c.ID, err)
		}
	}
	return nil
}

// DeleteDocument removes the document's chunks. Embeddings go with them
// through the foreign key cascade.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

// ContentHashes returns the persisted content hash of every chunk of the
// document, keyed by chunk id. Used to short-circuit re-ingestion of
// unchanged documents.
func (s *Store) ContentHashes(ctx context.Context, documentID string) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, content_hash FROM document_chunks WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load content hashes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// LoadAll returns every persisted chunk with its embedding, ordered by
// document and sequence, for rebuilding the in-process indexes on boot.
func (s *Store) LoadAll(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.document_id, c.seq, c.text, c.char_len, c.content_hash, c.title, c.region, c.year, c.category_id, c.status, c.keywords,
       e.embedding, e.model_version
FROM document_chunks c
JOIN chunk_embeddings e ON e.chunk_id = c.id
ORDER BY c.document_id, c.seq
`)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var rec ChunkRecord
		var keywords pq.StringArray
		var lit string
		if err := rows.Scan(&rec.Chunk.ID, &rec.Chunk.DocumentID, &rec.Chunk.Seq, &rec.Chunk.Text,
			&rec.Chunk.CharLen, &rec.Chunk.ContentHash, &rec.Chunk.Title, &rec.Chunk.Region,
			&rec.Chunk.Year, &rec.Chunk.CategoryID, &rec.Chunk.Status, &keywords,
			&lit, &rec.ModelVersion); err != nil {
			return nil, err
		}
		rec.Chunk.Keywords = keywords
		vec, err := decodeVectorLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", rec.Chunk.ID, err)
		}
		rec.Vector = vec
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FetchDocument reads one document from the documents table. That table
// is owned by the document management service; this side only reads it.
func (s *Store) FetchDocument(ctx context.Context, documentID string) (models.Document, bool, error) {
	var doc models.Document
	err := s.DB.QueryRowContext(ctx, `
SELECT id, title, body, region, year, category_id, status
FROM documents WHERE id=$1
`, documentID).Scan(&doc.ID, &doc.Title, &doc.Text, &doc.Region, &doc.Year, &doc.CategoryID, &doc.Status)
	if err == sql.ErrNoRows {
		return models.Document{}, false, nil
	}
	if err != nil {
		return models.Document{}, false, fmt.Errorf("fetch document %s: %w", documentID, err)
	}
	return doc, true, nil
}

// SaveTurns appends conversation turns to the durable turn log. Each turn
// takes the next turn_index for its session; concurrent appends to one
// session are already serialized upstream, so the index neither gaps nor
// collides.
func (s *Store) SaveTurns(ctx context.Context, sessionID string, turns []models.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session_id required")
	}
	for _, t := range turns {
		_, err := s.DB.ExecContext(ctx, `
INSERT INTO session_turns (session_id, turn_index, role, content, cited_chunk_ids, created_at)
SELECT $1, COALESCE(MAX(turn_index)+1, 0), $2, $3, $4, $5
FROM session_turns WHERE session_id=$1
`, sessionID, t.Role, t.Content, pq.Array(t.CitedChunkIDs), t.CreatedAt)
		if err != nil {
			return fmt.Errorf("save turn: %w", err)
		}
	}
	return nil
}

// LoadTurns returns the session's persisted turns oldest-first.
func (s *Store) LoadTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT role, content, cited_chunk_ids, created_at
FROM session_turns WHERE session_id=$1 ORDER BY turn_index
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var t models.Turn
		var cited pq.StringArray
		if err := rows.Scan(&t.Role, &t.Content, &cited, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CitedChunkIDs = cited
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertIngestStatus records the latest ingestion outcome for a document.
func (s *Store) UpsertIngestStatus(ctx context.Context, st models.IngestStatus) error {
	if st.DocumentID == "" {
		return fmt.Errorf("document_id required")
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ingestion_status (document_id, state, attempts, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (document_id) DO UPDATE SET
  state = EXCLUDED.state,
  attempts = EXCLUDED.attempts,
  last_error = EXCLUDED.last_error,
  updated_at = EXCLUDED.updated_at;
`, st.DocumentID, st.State, st.Attempts, st.LastError, updated)
	if err != nil {
		return fmt.Errorf("upsert ingest status: %w", err)
	}
	return nil
}

// GetIngestStatus returns the latest ingestion outcome for a document.
func (s *Store) GetIngestStatus(ctx context.Context, documentID string) (models.IngestStatus, bool, error) {
	var st models.IngestStatus
	err := s.DB.QueryRowContext(ctx, `
SELECT document_id, state, attempts, last_error, updated_at
FROM ingestion_status WHERE document_id=$1
`, documentID).Scan(&st.DocumentID, &st.State, &st.Attempts, &st.LastError, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.IngestStatus{}, false, nil
	}
	if err != nil {
		return models.IngestStatus{}, false, fmt.Errorf("get ingest status: %w", err)
	}
	return st, true, nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
