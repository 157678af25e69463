package promptmeta

import (
	"reflect"
	"testing"

	"github.com/brunobiangulo/promptmeta/store"
)

func match(id int64) store.Match {
	return store.Match{Extraction: store.Extraction{ID: id}}
}

func TestFuseRRF(t *testing.T) {
	fts := []store.Match{match(2), match(3)}
	vec := []store.Match{match(1), match(2)}

	results, methods := fuseRRF(fts, vec, 1.0, 0.5, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}

	// id 2: fts rank 0 -> 1/61, vec rank 1 -> 0.5/62
	// id 3: fts rank 1 -> 1/62
	// id 1: vec rank 0 -> 0.5/61
	want := []struct {
		id    int64
		score float64
	}{
		{2, 1.0/61.0 + 0.5/62.0},
		{3, 1.0 / 62.0},
		{1, 0.5 / 61.0},
	}
	const eps = 1e-9
	for i, w := range want {
		if results[i].ID != w.id {
			t.Errorf("position %d: got id %d, want %d", i, results[i].ID, w.id)
		}
		if diff := results[i].Score - w.score; diff < -eps || diff > eps {
			t.Errorf("id %d score: got %f, want %f", w.id, results[i].Score, w.score)
		}
	}

	if got := methods[2]; !reflect.DeepEqual(got, []string{"fts", "vector"}) {
		t.Errorf("id 2 methods = %v", got)
	}
	if got := methods[1]; !reflect.DeepEqual(got, []string{"vector"}) {
		t.Errorf("id 1 methods = %v", got)
	}
}

func TestFuseRRFMaxResults(t *testing.T) {
	fts := []store.Match{match(1), match(2), match(3)}
	results, _ := fuseRRF(fts, nil, 1.0, 1.0, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 2 {
		t.Errorf("order = %d, %d", results[0].ID, results[1].ID)
	}
}

func TestFuseRRFEmpty(t *testing.T) {
	results, methods := fuseRRF(nil, nil, 1.0, 1.0, 10)
	if len(results) != 0 || len(methods) != 0 {
		t.Errorf("expected empty results, got %v %v", results, methods)
	}
}

func TestFuseRRFTiesKeepOrder(t *testing.T) {
	results, _ := fuseRRF(nil, []store.Match{match(7)}, 1.0, 1.0, 10)
	results2, _ := fuseRRF([]store.Match{match(5)}, []store.Match{match(7)}, 1.0, 1.0, 10)
	if results[0].ID != 7 {
		t.Errorf("got %d", results[0].ID)
	}
	// Equal scores: the full-text hit was seen first.
	if results2[0].ID != 5 || results2[1].ID != 7 {
		t.Errorf("tie order = %d, %d", results2[0].ID, results2[1].ID)
	}
}
