//go:build cgo

package promptmeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/promptmeta/parser"
)

func newHistoryEngine(t *testing.T) Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	eng, err := New(cfg, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestHistoryRecordsExtraction(t *testing.T) {
	eng := newHistoryEngine(t)
	ctx := context.Background()

	data := pngWithText(t, 10, 6, "prompt", emPropsWorkflow)
	res, err := eng.ExtractBytes(ctx, data, WithName("lighthouse.png"))
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if res.ID == 0 {
		t.Fatal("expected a history id")
	}

	again, err := eng.ExtractBytes(ctx, data, WithName("copy.png"))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != res.ID {
		t.Errorf("same content recorded twice: %d vs %d", res.ID, again.ID)
	}

	entry, err := eng.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Filename != "lighthouse.png" || entry.SourceModel != parser.EmProps {
		t.Errorf("got %+v", entry)
	}
	if entry.Profile != "juggernautXL_v9" || entry.Width != 10 || entry.Height != 6 {
		t.Errorf("got %+v", entry.Record)
	}
	if !entry.CreatedDate.Equal(fixedNow) {
		t.Errorf("created date = %v", entry.CreatedDate)
	}
	if !reflect.DeepEqual(entry.Prompts, res.Prompts) {
		t.Errorf("prompts = %v, want %v", entry.Prompts, res.Prompts)
	}

	skipped, err := eng.ExtractBytes(ctx, pngWithText(t, 4, 4, "Description", midjourneyDescription), WithoutHistory())
	if err != nil {
		t.Fatal(err)
	}
	if skipped.ID != 0 {
		t.Errorf("WithoutHistory recorded id %d", skipped.ID)
	}
	all, _ := eng.History(ctx, 0)
	if len(all) != 1 {
		t.Errorf("history has %d entries, want 1", len(all))
	}
}

func TestHistorySearchAndSimilar(t *testing.T) {
	eng := newHistoryEngine(t)
	ctx := context.Background()

	descriptions := []string{
		"a lighthouse at dusk::2 stormy sea --v 6",
		"a lighthouse at dawn::2 calm sea --v 6",
		"portrait of a cat wearing a crown --v 6",
	}
	ids := make([]int64, len(descriptions))
	for i, d := range descriptions {
		res, err := eng.ExtractBytes(ctx, pngWithText(t, 4, 4+i, "Description", d))
		if err != nil {
			t.Fatalf("extracting %q: %v", d, err)
		}
		ids[i] = res.ID
	}

	found, err := eng.Search(ctx, "crown", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) == 0 || found[0].ID != ids[2] {
		t.Fatalf("search got %+v", found)
	}
	if !reflect.DeepEqual(found[0].Methods, []string{"fts", "vector"}) {
		t.Errorf("methods = %v", found[0].Methods)
	}

	similar, err := eng.Similar(ctx, ids[0], 1)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(similar) != 1 || similar[0].ID != ids[1] {
		t.Errorf("similar got %+v", similar)
	}

	if _, err := eng.Similar(ctx, 9999, 3); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestHistoryScanDuplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")
	cfg.ScanConcurrency = 16
	eng, err := New(cfg, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	const subjects, copies = 10, 3
	dir := t.TempDir()
	for i := range subjects {
		data := pngWithText(t, 4, 4, "Description", fmt.Sprintf("subject number %d --v 6", i))
		for c := range copies {
			writeFile(t, dir, fmt.Sprintf("img%02d_%d.png", i, c), data)
		}
	}

	results, err := eng.Scan(ctx, dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != subjects*copies {
		t.Fatalf("got %d results", len(results))
	}

	idBySubject := make(map[int]int64)
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("%s: %v", r.Path, r.Err)
		}
		var subject, n int
		if _, err := fmt.Sscanf(filepath.Base(r.Path), "img%02d_%d.png", &subject, &n); err != nil {
			t.Fatal(err)
		}

		entry, err := eng.Get(ctx, r.Result.ID)
		if err != nil {
			t.Fatalf("Get(%d): %v", r.Result.ID, err)
		}
		if want := fmt.Sprintf("subject number %d", subject); entry.Prompt != want {
			t.Errorf("%s: id %d has prompt %q, want %q", filepath.Base(r.Path), r.Result.ID, entry.Prompt, want)
		}
		if prev, ok := idBySubject[subject]; ok && prev != r.Result.ID {
			t.Errorf("subject %d recorded as %d and %d", subject, prev, r.Result.ID)
		}
		idBySubject[subject] = r.Result.ID
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Extractions != subjects || stats.Vectors != subjects {
		t.Errorf("stats = %+v, want %d extractions and vectors", stats, subjects)
	}

	s := eng.(*engine).store
	for subject, id := range idBySubject {
		got, err := s.Vector(ctx, id)
		if err != nil {
			t.Fatalf("Vector(%d): %v", id, err)
		}
		want := promptVector([]string{fmt.Sprintf("subject number %d", subject)}, cfg.VectorDim)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("subject %d: stored vector belongs to another prompt", subject)
		}
	}
}

func TestHistoryDeleteExportStats(t *testing.T) {
	eng := newHistoryEngine(t)
	ctx := context.Background()

	a, err := eng.ExtractBytes(ctx, pngWithText(t, 4, 4, "Description", midjourneyDescription))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ExtractBytes(ctx, pngWithText(t, 4, 4, "prompt", emPropsWorkflow)); err != nil {
		t.Fatal(err)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Extractions != 2 || stats.BySource["MIDJOURNEY"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var buf bytes.Buffer
	if err := eng.Export(ctx, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := f.GetRows("History")
	f.Close()
	if len(rows) != 3 {
		t.Errorf("export has %d rows, want 3", len(rows))
	}

	if err := eng.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := eng.Get(ctx, a.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound after delete, got %v", err)
	}
	if err := eng.Delete(ctx, a.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("second delete: expected ErrRecordNotFound, got %v", err)
	}
}

func TestHistoryClosed(t *testing.T) {
	eng := newHistoryEngine(t)
	eng.Close()
	if _, err := eng.History(context.Background(), 1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}
