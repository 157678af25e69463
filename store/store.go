package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Extraction represents a row in the extractions table.
type Extraction struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
	SourceModel string `json:"source_model"`
	Prompt      string `json:"prompt"`
	Prompts     string `json:"prompts,omitempty"` // JSON array
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Version     string `json:"version"`
	Profile     string `json:"profile"`
	JobID       string `json:"job_id"`
	Author      string `json:"author"`
	CreatedDate string `json:"created_date"`
	ExtractedAt string `json:"extracted_at"`
}

// Match is an extraction returned by a search together with its score.
type Match struct {
	Extraction
	Score float64 `json:"score"`
}

// Stats counts stored rows.
type Stats struct {
	Extractions int            `json:"extractions"`
	Vectors     int            `json:"vectors"`
	BySource    map[string]int `json:"by_source"`
}

// Store wraps the SQLite database holding extraction history.
type Store struct {
	db        *sql.DB
	vectorDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, vectorDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(vectorDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, vectorDim: vectorDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// VectorDim returns the configured prompt vector dimension.
func (s *Store) VectorDim() int {
	return s.vectorDim
}

const extractionColumns = `id, path, filename, content_hash, source_model, prompt, prompts,
	width, height, version, profile, job_id, author, created_date, extracted_at`

// --- Extraction operations ---

// UpsertExtraction inserts an extraction or, when the content hash is already
// known, refreshes its path and fields. Returns the row ID.
func (s *Store) UpsertExtraction(ctx context.Context, e Extraction) (int64, error) {
	// last_insert_rowid is not updated when the conflict path runs, so the
	// id comes from RETURNING.
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO extractions (path, filename, content_hash, source_model, prompt, prompts,
			width, height, version, profile, job_id, author, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			path = excluded.path,
			filename = excluded.filename,
			source_model = excluded.source_model,
			prompt = excluded.prompt,
			prompts = excluded.prompts,
			width = excluded.width,
			height = excluded.height,
			version = excluded.version,
			profile = excluded.profile,
			job_id = excluded.job_id,
			author = excluded.author,
			created_date = excluded.created_date
		RETURNING id
	`, e.Path, e.Filename, e.ContentHash, e.SourceModel, e.Prompt, nullIfEmpty(e.Prompts),
		e.Width, e.Height, e.Version, e.Profile, e.JobID, e.Author, nullIfEmpty(e.CreatedDate)).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetExtraction retrieves an extraction by ID.
func (s *Store) GetExtraction(ctx context.Context, id int64) (*Extraction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+extractionColumns+" FROM extractions WHERE id = ?", id)
	return scanExtraction(row)
}

// GetExtractionByHash retrieves an extraction by the image content hash.
func (s *Store) GetExtractionByHash(ctx context.Context, hash string) (*Extraction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+extractionColumns+" FROM extractions WHERE content_hash = ?", hash)
	return scanExtraction(row)
}

// ListExtractions returns the most recent extractions first. A limit of zero
// or less returns everything.
func (s *Store) ListExtractions(ctx context.Context, limit int) ([]Extraction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+extractionColumns+" FROM extractions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DeleteExtraction removes an extraction and its vector.
func (s *Store) DeleteExtraction(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_prompts WHERE extraction_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM extractions WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// --- Vector operations ---

// InsertVector stores the prompt vector for an extraction.
func (s *Store) InsertVector(ctx context.Context, extractionID int64, vec []float32) error {
	if len(vec) != s.vectorDim {
		return fmt.Errorf("vector has %d dimensions, store expects %d", len(vec), s.vectorDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// vec0 does not support INSERT OR REPLACE on the primary key.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_prompts WHERE extraction_id = ?", extractionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_prompts (extraction_id, embedding) VALUES (?, ?)",
			extractionID, serializeFloat32(vec))
		return err
	})
}

// Vector returns the stored prompt vector of an extraction.
func (s *Store) Vector(ctx context.Context, extractionID int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding FROM vec_prompts WHERE extraction_id = ?", extractionID).Scan(&blob)
	if err != nil {
		return nil, err
	}
	return deserializeFloat32(blob), nil
}

// SimilarExtractions performs a KNN search returning the top-k nearest
// prompt vectors. Vectors are unit length, so the L2 distance d maps to
// cosine similarity 1 - d²/2.
func (s *Store) SimilarExtractions(ctx context.Context, vec []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, `+prefixed("e", extractionColumns)+`
		FROM vec_prompts v
		JOIN extractions e ON e.id = v.extraction_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var distance float64
		m, err := scanMatch(rows, &distance)
		if err != nil {
			return nil, err
		}
		m.Score = 1.0 - distance*distance/2
		results = append(results, *m)
	}
	return results, rows.Err()
}

// SearchPrompts performs a full-text search over prompts and profiles using
// FTS5 BM25 ranking. Every word of query must match.
func (s *Store) SearchPrompts(ctx context.Context, query string, limit int) ([]Match, error) {
	q := ftsQuery(query)
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rank, `+prefixed("e", extractionColumns)+`
		FROM prompts_fts f
		JOIN extractions e ON e.id = f.rowid
		WHERE prompts_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var rank float64
		m, err := scanMatch(rows, &rank)
		if err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		m.Score = -rank
		results = append(results, *m)
	}
	return results, rows.Err()
}

// Stats returns row counts, broken down by source model.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySource: make(map[string]int)}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM extractions", &stats.Extractions},
		{"SELECT COUNT(*) FROM vec_prompts", &stats.Vectors},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT source_model, COUNT(*) FROM extractions GROUP BY source_model")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		stats.BySource[model] = n
	}
	return stats, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row rowScanner) (*Extraction, error) {
	e := &Extraction{}
	var prompts, createdDate sql.NullString
	if err := row.Scan(&e.ID, &e.Path, &e.Filename, &e.ContentHash, &e.SourceModel,
		&e.Prompt, &prompts, &e.Width, &e.Height, &e.Version, &e.Profile,
		&e.JobID, &e.Author, &createdDate, &e.ExtractedAt); err != nil {
		return nil, err
	}
	e.Prompts = prompts.String
	e.CreatedDate = createdDate.String
	return e, nil
}

func scanMatch(row rowScanner, score *float64) (*Match, error) {
	m := &Match{}
	var prompts, createdDate sql.NullString
	e := &m.Extraction
	if err := row.Scan(score, &e.ID, &e.Path, &e.Filename, &e.ContentHash, &e.SourceModel,
		&e.Prompt, &prompts, &e.Width, &e.Height, &e.Version, &e.Profile,
		&e.JobID, &e.Author, &createdDate, &e.ExtractedAt); err != nil {
		return nil, err
	}
	e.Prompts = prompts.String
	e.CreatedDate = createdDate.String
	return m, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ftsQuery quotes each word so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
