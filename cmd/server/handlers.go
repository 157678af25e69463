package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/promptmeta"
)

const errNoMetadata = "Could not extract metadata from image."

type handler struct {
	engine   promptmeta.Engine
	maxBytes int64
}

func newHandler(e promptmeta.Engine, maxBytes int64) *handler {
	return &handler{engine: e, maxBytes: maxBytes}
}

// routes registers every endpoint on a new mux.
func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/extract-metadata", h.handleExtract)
	mux.HandleFunc("GET /api/history", h.handleListHistory)
	mux.HandleFunc("GET /api/history/search", h.handleSearch)
	mux.HandleFunc("GET /api/history/{id}", h.handleGet)
	mux.HandleFunc("GET /api/history/{id}/similar", h.handleSimilar)
	mux.HandleFunc("DELETE /api/history/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/export.xlsx", h.handleExport)
	mux.HandleFunc("GET /health", h.handleHealth)

	return mux
}

// POST /api/extract-metadata
// Accepts a multipart upload in the "image" field.
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20) // room for multipart framing
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart form with an 'image' field")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image field is required")
		return
	}
	defer file.Close()

	// The body cap leaves room for multipart framing, so the part itself is
	// checked against the image limit.
	if header.Size > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		slog.Error("reading upload", "error", err)
		return
	}

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)

	res, err := h.engine.ExtractBytes(ctx, data, promptmeta.WithName(safeName))
	switch {
	case errors.Is(err, promptmeta.ErrImageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	case errors.Is(err, promptmeta.ErrNoMatch), errors.Is(err, promptmeta.ErrUnsupportedImage):
		slog.Info("no metadata extracted", "filename", safeName, "error", err)
		writeError(w, http.StatusBadRequest, errNoMetadata)
		return
	case err != nil:
		slog.Error("extract error", "filename", safeName, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GET /api/history?limit=N
func (h *handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := h.engine.History(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "failed to list history", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

// GET /api/history/search?q=...&limit=N
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := h.engine.Search(r.Context(), q, limit)
	if err != nil {
		h.writeEngineError(w, "search failed", err)
		return
	}
	if entries == nil {
		entries = []promptmeta.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"entries": entries,
	})
}

// GET /api/history/{id}
func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entry, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "failed to load entry", err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// GET /api/history/{id}/similar?k=N
func (h *handler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	k, err := queryInt(r, "k", 5)
	if err != nil || k > 100 {
		writeError(w, http.StatusBadRequest, "invalid k")
		return
	}

	entries, err := h.engine.Similar(r.Context(), id, k)
	if err != nil {
		h.writeEngineError(w, "similarity search failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"entries": entries,
	})
}

// DELETE /api/history/{id}
func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.writeEngineError(w, "delete failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /api/export.xlsx
func (h *handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	// Render fully before writing headers so a failure can still be reported.
	var buf bytes.Buffer
	if err := h.engine.Export(ctx, &buf); err != nil {
		h.writeEngineError(w, "export failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="promptmeta-history.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeEngineError maps engine sentinel errors to status codes.
func (h *handler) writeEngineError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, promptmeta.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, promptmeta.ErrHistoryDisabled):
		writeError(w, http.StatusNotImplemented, "history is disabled")
	default:
		writeError(w, http.StatusInternalServerError, msg)
		slog.Error(msg, "error", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
