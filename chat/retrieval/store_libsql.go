package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const documentIndex = "idx_documents_embedding"

// ErrDimensionMismatch means the embedding model and the documents table
// disagree on vector size.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// LibSQLStore keeps document chunks in the documents table and searches them
// with the libsql vector index.
type LibSQLStore struct {
	db       *sql.DB
	embedder Embedder

	dimsOnce sync.Once
	dims     int
}

// NewLibSQLStore creates a store on a migrated database.
func NewLibSQLStore(db *sql.DB, embedder Embedder) *LibSQLStore {
	return &LibSQLStore{
		db:       db,
		embedder: embedder,
	}
}

// Add chunks text, embeds every chunk and stores them under source. It
// returns the number of chunks written.
func (s *LibSQLStore) Add(ctx context.Context, source, text string, chunkWords int) (int, error) {
	chunks := Chunk(text, chunkWords)
	if len(chunks) == 0 {
		return 0, nil
	}
	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, err
	}
	for _, v := range vectors {
		if err := s.checkDims(v); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for i, chunk := range chunks {
		vec, err := vectorLiteral(vectors[i])
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, source, content, embedding, created_at) VALUES (?, ?, ?, vector32(?), ?)`,
			uuid.NewString(), source, chunk, vec, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert document: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit documents: %w", err)
	}
	return len(chunks), nil
}

// Search embeds query and returns the k nearest chunks.
func (s *LibSQLStore) Search(ctx context.Context, query string, k int) ([]Document, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if err := s.checkDims(vectors[0]); err != nil {
		return nil, err
	}
	vec, err := vectorLiteral(vectors[0])
	if err != nil {
		return nil, err
	}

	stmt := `
		SELECT d.id, d.source, d.content, vector_distance_cos(d.embedding, vector32(?)) AS distance
		FROM vector_top_k('` + documentIndex + `', vector32(?), ?) AS v
		JOIN documents AS d ON d.rowid = v.id
		ORDER BY distance
	`
	rows, err := s.db.QueryContext(ctx, stmt, vec, vec, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Source, &d.Content, &d.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// Count returns the number of stored chunks.
func (s *LibSQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (s *LibSQLStore) checkDims(v []float32) error {
	s.dimsOnce.Do(func() { s.dims = detectEmbeddingDims(s.db) })
	if s.dims > 0 && len(v) != s.dims {
		return fmt.Errorf("%w: model returned %d, documents table holds %d", ErrDimensionMismatch, len(v), s.dims)
	}
	return nil
}

// detectEmbeddingDims reads the F32_BLOB size of documents.embedding from the
// schema. It returns 0 when the size cannot be determined.
func detectEmbeddingDims(db *sql.DB) int {
	var sqlText string
	_ = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='documents'").Scan(&sqlText)
	low := strings.ToLower(sqlText)
	idx := strings.Index(low, "f32_blob(")
	if idx < 0 {
		return 0
	}
	rest := low[idx+len("f32_blob("):]
	end := strings.Index(rest, ")")
	if end <= 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// vectorLiteral renders v in the text form vector32 accepts: "[0.1,0.2]".
func vectorLiteral(v []float32) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode vector: %w", err)
	}
	return string(b), nil
}

var _ Retriever = (*LibSQLStore)(nil)
