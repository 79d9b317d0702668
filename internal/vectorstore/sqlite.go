package vectorstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"
)

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
)

// SQLiteStore persists chunks and their embeddings in a SQLite database.
// Search is an exact scan over the profile's vectors.
type SQLiteStore struct {
	db          *sql.DB
	embedder    Embedder
	logger      *zap.Logger
	batchSize   int
	concurrency int
}

// Option configures a SQLiteStore or MemoryStore.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	batchSize   int
	concurrency int
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBatchSize sets how many texts are embedded per request.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of embedding requests in flight.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      zap.NewNop(),
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, embedder Embedder, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	o := buildOptions(opts)
	s := &SQLiteStore{
		db:          db,
		embedder:    embedder,
		logger:      o.logger,
		batchSize:   o.batchSize,
		concurrency: o.concurrency,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT NOT NULL,
		profile TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (profile, id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_profile ON chunks(profile);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("vectorstore: create schema: %w", err)
	}
	return nil
}

// Add embeds docs and upserts them into profile.
func (s *SQLiteStore) Add(ctx context.Context, profile string, docs []Document) error {
	if profile == "" {
		return ErrEmptyProfile
	}
	if len(docs) == 0 {
		return nil
	}
	vecs, err := embedAll(ctx, s.embedder, docs, s.batchSize, s.concurrency)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, profile, content, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("vectorstore: encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, profile, d.Content, string(meta), encodeVector(vecs[i]), now); err != nil {
			return fmt.Errorf("vectorstore: insert %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorstore: commit: %w", err)
	}
	s.logger.Debug("chunks stored", zap.String("profile", profile), zap.Int("count", len(docs)))
	return nil
}

// Search returns the k chunks of profile closest to query.
func (s *SQLiteStore) Search(ctx context.Context, profile, query string, k int) ([]ScoredDocument, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	qv, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}
	if len(qv) != 1 {
		return nil, fmt.Errorf("vectorstore: expected 1 query vector, got %d", len(qv))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding FROM chunks WHERE profile = ?`, profile)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer rows.Close()

	var all []vectorRow
	for rows.Next() {
		var (
			doc  Document
			meta sql.NullString
			blob []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &meta, &blob); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		doc.Metadata = decodeMetadata(meta)
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		all = append(all, vectorRow{doc: doc, vec: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: rows: %w", err)
	}
	return rank(qv[0], all, k), nil
}

// Documents returns every chunk of profile in insertion order.
func (s *SQLiteStore) Documents(ctx context.Context, profile string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata FROM chunks WHERE profile = ? ORDER BY rowid`, profile)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc  Document
			meta sql.NullString
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &meta); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		doc.Metadata = decodeMetadata(meta)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of chunks stored for profile.
func (s *SQLiteStore) Count(ctx context.Context, profile string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE profile = ?`, profile).Scan(&n)
	return n, err
}

// Profiles lists the profiles that have at least one chunk.
func (s *SQLiteStore) Profiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT profile FROM chunks ORDER BY profile`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile removes every chunk of profile.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, profile string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE profile = ?`, profile)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// embedAll embeds docs in batches, running up to concurrency batches at a
// time. The result is index-aligned with docs.
func embedAll(ctx context.Context, e Embedder, docs []Document, batchSize, concurrency int) ([][]float32, error) {
	if e == nil {
		return nil, ErrNoEmbedder
	}
	vecs := make([][]float32, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, d.Content)
			}
			out, err := e.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("vectorstore: embed batch %d-%d: %w", start, end, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("vectorstore: embed batch %d-%d returned %d vectors", start, end, len(out))
			}
			copy(vecs[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

// encodeVector encodes a float32 slice as a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vectorstore: corrupt embedding blob of %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("vectorstore: decode embedding: %w", err)
	}
	return vec, nil
}

func decodeMetadata(meta sql.NullString) map[string]string {
	if !meta.Valid || meta.String == "" || meta.String == "null" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
		return nil
	}
	return m
}
