package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/brunobiangulo/promptmeta"
)

func newTestServer(t *testing.T, modify func(*promptmeta.Config)) http.Handler {
	t.Helper()
	cfg := promptmeta.DefaultConfig()
	cfg.History = false
	if modify != nil {
		modify(&cfg)
	}
	eng, err := promptmeta.New(cfg)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return newServer(eng, cfg)
}

func pngWithText(t *testing.T, key, value string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 9))); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	body := []byte(key + "\x00" + value)
	var chunk bytes.Buffer
	binary.Write(&chunk, binary.BigEndian, uint32(len(body)))
	chunk.WriteString("tEXt")
	chunk.Write(body)
	binary.Write(&chunk, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("tEXt"), body...)))

	ihdrEnd := 8 + 8 + 13 + 4
	out := append([]byte{}, data[:ihdrEnd]...)
	out = append(out, chunk.Bytes()...)
	return append(out, data[ihdrEnd:]...)
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/extract-metadata", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Extraction endpoint
// ---------------------------------------------------------------------------

func TestExtractMetadata(t *testing.T) {
	srv := newTestServer(t, nil)
	data := pngWithText(t, "Description", "castle on a hill::2 fog --ar 16:9 --v 6 Job ID: 1234abcd-ef")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "image", "../../castle.png", data))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["source_model"] != "MIDJOURNEY" || got["version"] != "6" || got["job_id"] != "1234abcd-ef" {
		t.Errorf("got %v", got)
	}
	if got["width"] != float64(16) || got["height"] != float64(9) {
		t.Errorf("dimensions: %v x %v", got["width"], got["height"])
	}
	if got["filename"] != "castle.png" {
		t.Errorf("filename = %v", got["filename"])
	}
	prompts, _ := got["prompts"].([]any)
	if len(prompts) != 2 || prompts[0] != "castle on a hill" || prompts[1] != "fog" {
		t.Errorf("prompts = %v", got["prompts"])
	}
}

func TestExtractMetadataRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name    string
		field   string
		data    []byte
		wantMsg string
	}{
		{"no generator metadata", "image", pngWithText(t, "Comment", "beach"), errNoMetadata},
		{"not an image", "image", []byte("hello world"), errNoMetadata},
		{"wrong field", "file", pngWithText(t, "Comment", "beach"), "image field is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, uploadRequest(t, tt.field, "x.png", tt.data))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeBody(t, rec)["error"]; got != tt.wantMsg {
				t.Errorf("error = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestExtractMetadataTooLarge(t *testing.T) {
	srv := newTestServer(t, func(c *promptmeta.Config) { c.MaxImageBytes = 4096 })

	// Larger than the image limit but well inside the multipart allowance.
	big := pngWithText(t, "Description", "castle --v 6 "+strings.Repeat("x", 8000))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "image", "big.png", big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != "image too large" {
		t.Errorf("error = %q", got)
	}

	small := pngWithText(t, "Description", "castle --v 6")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "image", "small.png", small))
	if rec.Code != http.StatusOK {
		t.Errorf("small image: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestExtractMetadataNotMultipart(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/extract-metadata", bytes.NewReader([]byte(`{"path":"/etc/passwd"}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// History endpoints
// ---------------------------------------------------------------------------

func TestHistoryEndpointsDisabled(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/history", http.StatusNotImplemented},
		{http.MethodGet, "/api/history/search?q=cat", http.StatusNotImplemented},
		{http.MethodGet, "/api/history/3", http.StatusNotImplemented},
		{http.MethodGet, "/api/history/3/similar?k=2", http.StatusNotImplemented},
		{http.MethodDelete, "/api/history/3", http.StatusNotImplemented},
		{http.MethodGet, "/api/export.xlsx", http.StatusNotImplemented},
		{http.MethodGet, "/api/history/search", http.StatusBadRequest},
		{http.MethodGet, "/api/history/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/history?limit=-1", http.StatusBadRequest},
		{http.MethodGet, "/api/history/3/similar?k=1000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestHealthAndRequestID(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("missing request id: %q", rec.Header().Get("X-Request-ID"))
	}

	incoming := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", incoming)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != incoming {
		t.Errorf("request id = %q, want %q", got, incoming)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/extract-metadata", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, func(c *promptmeta.Config) { c.Server.APIKey = "k3y" })

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("Authorization", "Bearer k3y")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Error("valid key rejected")
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health should skip auth, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
