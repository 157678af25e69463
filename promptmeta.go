package promptmeta

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brunobiangulo/promptmeta/imagemeta"
	"github.com/brunobiangulo/promptmeta/parser"
	"github.com/brunobiangulo/promptmeta/report"
	"github.com/brunobiangulo/promptmeta/store"
)

// Engine is the main entry point for image metadata extraction.
type Engine interface {
	// Extract runs the extractor registry over already-decoded properties.
	// Returns ErrNoMatch when no extractor recognises them. Nothing is
	// recorded in history.
	Extract(ctx context.Context, props parser.Properties, dims parser.Dimensions) (*Result, error)

	// ExtractBytes decodes an encoded PNG or JPEG and extracts its metadata.
	// Successful extractions are recorded in history unless disabled.
	ExtractBytes(ctx context.Context, data []byte, opts ...ExtractOption) (*Result, error)

	// ExtractFile reads an image from disk and extracts its metadata.
	ExtractFile(ctx context.Context, path string, opts ...ExtractOption) (*Result, error)

	// Scan extracts every PNG/JPEG below dir. Per-file failures are reported
	// in the results; only cancellation and walk errors fail the scan.
	Scan(ctx context.Context, dir string) ([]ScanResult, error)

	// History returns recorded extractions, newest first. limit <= 0 means all.
	History(ctx context.Context, limit int) ([]Entry, error)

	// Get returns a single recorded extraction.
	Get(ctx context.Context, id int64) (*Entry, error)

	// Search ranks recorded extractions against query, fusing full-text
	// matches on prompts and profiles with prompt vector neighbours.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)

	// Similar returns the k recorded extractions whose prompts are closest
	// to the given one, excluding itself.
	Similar(ctx context.Context, id int64, k int) ([]Entry, error)

	// Delete removes a recorded extraction.
	Delete(ctx context.Context, id int64) error

	// Export writes the whole history as an XLSX workbook.
	Export(ctx context.Context, w io.Writer) error

	// Stats counts recorded extractions.
	Stats(ctx context.Context) (*store.Stats, error)

	// Close cleanly shuts down the engine.
	Close() error
}

// Result is the outcome of a successful extraction.
type Result struct {
	parser.Record
	Prompts  []string `json:"prompts"`
	ID       int64    `json:"id,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// Entry is a recorded extraction read back from history.
type Entry struct {
	parser.Record
	ID          int64    `json:"id"`
	Path        string   `json:"path"`
	Filename    string   `json:"filename"`
	ContentHash string   `json:"content_hash"`
	Prompts     []string `json:"prompts"`
	ExtractedAt string   `json:"extracted_at"`
	Score       float64  `json:"score,omitempty"`
	Methods     []string `json:"methods,omitempty"` // search methods that found the entry
}

// ScanResult reports one file of a directory scan.
type ScanResult struct {
	Path   string  `json:"path"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// Option configures the engine.
type Option func(*engineOptions)

type engineOptions struct {
	clock func() time.Time
}

// WithClock overrides the time source used for default creation dates.
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// ExtractOption configures a single extraction.
type ExtractOption func(*extractOptions)

type extractOptions struct {
	name        string
	skipHistory bool
}

// WithName sets the filename recorded for an extraction from bytes.
func WithName(name string) ExtractOption {
	return func(o *extractOptions) { o.name = name }
}

// WithoutHistory skips recording this extraction.
func WithoutHistory() ExtractOption {
	return func(o *extractOptions) { o.skipHistory = true }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg     Config
	store   *store.Store // nil when history is disabled
	parsers *parser.Registry

	mu     sync.RWMutex
	closed bool

	// recordMu serialises the hash lookup and the writes that follow it.
	recordMu sync.Mutex
}

// New creates a new engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults for zero values
	def := DefaultConfig()
	if cfg.VectorDim == 0 {
		cfg.VectorDim = def.VectorDim
	}
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = def.MaxImageBytes
	}
	if cfg.ScanConcurrency == 0 {
		cfg.ScanConcurrency = def.ScanConcurrency
	}
	if cfg.WeightFTS == 0 && cfg.WeightVector == 0 {
		cfg.WeightFTS, cfg.WeightVector = def.WeightFTS, def.WeightVector
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var regOpts []parser.Option
	if o.clock != nil {
		regOpts = append(regOpts, parser.WithClock(o.clock))
	}
	e := &engine{cfg: cfg, parsers: parser.NewRegistry(regOpts...)}

	if cfg.History {
		s, err := store.New(cfg.resolveDBPath(), cfg.VectorDim)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		e.store = s
	}
	return e, nil
}

// Extract runs the registry over decoded properties.
func (e *engine) Extract(ctx context.Context, props parser.Properties, dims parser.Dimensions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := e.parsers.Extract(props, dims)
	if !ok {
		return nil, ErrNoMatch
	}
	return &Result{Record: *rec, Prompts: cleanPrompts(rec, props)}, nil
}

// ExtractFile reads path and extracts its metadata.
func (e *engine) ExtractFile(ctx context.Context, path string, opts ...ExtractOption) (*Result, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > e.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrImageTooLarge, absPath, info.Size(), e.cfg.MaxImageBytes)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return e.extract(ctx, data, absPath, opts)
}

// ExtractBytes extracts metadata from an encoded image.
func (e *engine) ExtractBytes(ctx context.Context, data []byte, opts ...ExtractOption) (*Result, error) {
	return e.extract(ctx, data, "", opts)
}

func (e *engine) extract(ctx context.Context, data []byte, path string, opts []ExtractOption) (*Result, error) {
	options := &extractOptions{}
	for _, o := range opts {
		o(options)
	}
	name := options.name
	if name == "" && path != "" {
		name = filepath.Base(path)
	}

	if int64(len(data)) > e.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrImageTooLarge, len(data), e.cfg.MaxImageBytes)
	}

	img, err := imagemeta.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	res, err := e.Extract(ctx, img.Properties, parser.Dimensions{Width: img.Width, Height: img.Height})
	if err != nil {
		slog.Debug("no metadata found", "filename", name, "format", img.Format, "properties", len(img.Properties))
		return nil, err
	}
	res.Filename = name

	slog.Info("extracted metadata",
		"filename", name,
		"source_model", res.SourceModel.String(),
		"width", res.Width,
		"height", res.Height,
	)

	if e.store == nil || options.skipHistory {
		return res, nil
	}
	if path == "" {
		path = name
	}
	id, err := e.record(ctx, data, path, name, res)
	if err != nil {
		return nil, fmt.Errorf("recording history: %w", err)
	}
	res.ID = id
	return res, nil
}

// record stores res unless an image with the same content is already known.
func (e *engine) record(ctx context.Context, data []byte, path, name string, res *Result) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrStoreClosed
	}
	e.recordMu.Lock()
	defer e.recordMu.Unlock()

	hash := contentHash(data)
	if existing, err := e.store.GetExtractionByHash(ctx, hash); err == nil {
		slog.Debug("image already recorded", "id", existing.ID, "content_hash", hash)
		return existing.ID, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	prompts, _ := json.Marshal(res.Prompts)
	id, err := e.store.UpsertExtraction(ctx, store.Extraction{
		Path:        path,
		Filename:    name,
		ContentHash: hash,
		SourceModel: res.SourceModel.String(),
		Prompt:      res.Prompt,
		Prompts:     string(prompts),
		Width:       res.Width,
		Height:      res.Height,
		Version:     res.Version,
		Profile:     res.Profile,
		JobID:       res.JobID,
		Author:      res.Author,
		CreatedDate: res.CreatedDate.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}

	if vec := promptVector(promptText(res), e.cfg.VectorDim); vec != nil {
		if err := e.store.InsertVector(ctx, id, vec); err != nil {
			slog.Warn("storing prompt vector failed", "id", id, "error", err)
		}
	}
	return id, nil
}

// History lists recorded extractions.
func (e *engine) History(ctx context.Context, limit int) ([]Entry, error) {
	s, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.ListExtractions(ctx, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

// Get returns one recorded extraction.
func (e *engine) Get(ctx context.Context, id int64) (*Entry, error) {
	s, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	row, err := s.GetExtraction(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	entry := toEntry(*row)
	return &entry, nil
}

// Similar finds recorded extractions with the closest prompt vectors.
func (e *engine) Similar(ctx context.Context, id int64, k int) ([]Entry, error) {
	s, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.GetExtraction(ctx, id); err != nil {
		return nil, notFound(err, id)
	}
	vec, err := s.Vector(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return []Entry{}, nil // no prompt words to compare
	}
	if err != nil {
		return nil, err
	}

	if k <= 0 {
		k = 5
	}
	matches, err := s.SimilarExtractions(ctx, vec, k+1)
	if err != nil {
		return nil, err
	}
	entries := matchEntries(matches, id)
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries, nil
}

// Delete removes a recorded extraction.
func (e *engine) Delete(ctx context.Context, id int64) error {
	s, release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	return notFound(s.DeleteExtraction(ctx, id), id)
}

// Export writes the history workbook to w.
func (e *engine) Export(ctx context.Context, w io.Writer) error {
	s, release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	rows, err := s.ListExtractions(ctx, 0)
	if err != nil {
		return err
	}
	return report.WriteXLSX(w, rows)
}

// Stats counts recorded extractions.
func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	s, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return s.Stats(ctx)
}

// Close shuts down the engine.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// acquire returns the store held open until release is called.
func (e *engine) acquire() (*store.Store, func(), error) {
	if e.store == nil {
		return nil, nil, ErrHistoryDisabled
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, nil, ErrStoreClosed
	}
	return e.store, e.mu.RUnlock, nil
}

// cleanPrompts splits the prompt into concepts. Midjourney prompts are taken
// from the full description so weights and parameters can be recognised.
func cleanPrompts(rec *parser.Record, props parser.Properties) []string {
	src := rec.Prompt
	if rec.SourceModel == parser.Midjourney {
		src = props[parser.DescriptionKey]
	}
	prompts := parser.CleanPrompts(src, rec.SourceModel)
	if prompts == nil {
		prompts = []string{}
	}
	return prompts
}

// promptText returns the text to vectorise: the clean prompts, or the raw
// prompt when none were found.
func promptText(res *Result) []string {
	if len(res.Prompts) > 0 {
		return res.Prompts
	}
	if res.Prompt != "" {
		return []string{res.Prompt}
	}
	return nil
}

func notFound(err error, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return err
}

func toEntries(rows []store.Extraction) []Entry {
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = toEntry(r)
	}
	return entries
}

func matchEntries(matches []store.Match, skip int64) []Entry {
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		if m.ID == skip {
			continue
		}
		entry := toEntry(m.Extraction)
		entry.Score = m.Score
		entries = append(entries, entry)
	}
	return entries
}

func toEntry(r store.Extraction) Entry {
	model, _ := parser.ParseSourceModel(r.SourceModel)
	entry := Entry{
		Record: parser.Record{
			Prompt:      r.Prompt,
			Width:       r.Width,
			Height:      r.Height,
			Version:     r.Version,
			Profile:     r.Profile,
			JobID:       r.JobID,
			Author:      r.Author,
			SourceModel: model,
		},
		ID:          r.ID,
		Path:        r.Path,
		Filename:    r.Filename,
		ContentHash: r.ContentHash,
		ExtractedAt: r.ExtractedAt,
		Prompts:     []string{},
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedDate); err == nil {
		entry.CreatedDate = t
	}
	if r.Prompts != "" {
		_ = json.Unmarshal([]byte(r.Prompts), &entry.Prompts)
	}
	return entry
}

// contentHash computes the SHA-256 hash of the encoded image.
func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
