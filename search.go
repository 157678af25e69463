package promptmeta

import (
	"context"
	"sort"

	"github.com/brunobiangulo/promptmeta/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// minVectorScore drops vector neighbours that share almost nothing with the
// query.
const minVectorScore = 0.1

// Search runs the query through FTS5 and the prompt vectors and fuses both
// rankings.
func (e *engine) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	s, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		limit = 20
	}

	var ftsHits []store.Match
	if e.cfg.WeightFTS > 0 {
		if ftsHits, err = s.SearchPrompts(ctx, query, limit*2); err != nil {
			return nil, err
		}
	}

	var vecHits []store.Match
	if qv := promptVector([]string{query}, e.cfg.VectorDim); qv != nil && e.cfg.WeightVector > 0 {
		hits, err := s.SimilarExtractions(ctx, qv, limit*2)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.Score >= minVectorScore {
				vecHits = append(vecHits, h)
			}
		}
	}

	fused, methods := fuseRRF(ftsHits, vecHits, e.cfg.WeightFTS, e.cfg.WeightVector, limit)
	entries := matchEntries(fused, 0)
	for i := range entries {
		entries[i].Methods = methods[entries[i].ID]
	}
	return entries, nil
}

// fuseRRF implements Reciprocal Rank Fusion over the full-text and vector
// rankings: score = sum(weight_i / (k + rank_i)). Ties keep first-seen order.
// It also returns which methods found each extraction, keyed by ID.
func fuseRRF(ftsResults, vecResults []store.Match, weightFTS, weightVec float64, maxResults int) ([]store.Match, map[int64][]string) {
	type fusedEntry struct {
		match   store.Match
		score   float64
		methods []string
	}

	fused := make(map[int64]*fusedEntry)
	var order []*fusedEntry

	add := func(results []store.Match, weight float64, method string) {
		for rank, r := range results {
			entry, ok := fused[r.ID]
			if !ok {
				entry = &fusedEntry{match: r}
				fused[r.ID] = entry
				order = append(order, entry)
			}
			entry.score += weight / float64(rrfK+rank+1)
			entry.methods = append(entry.methods, method)
		}
	}
	add(ftsResults, weightFTS, "fts")
	add(vecResults, weightVec, "vector")

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	if maxResults > 0 && len(order) > maxResults {
		order = order[:maxResults]
	}

	results := make([]store.Match, len(order))
	methods := make(map[int64][]string, len(order))
	for i, e := range order {
		results[i] = e.match
		results[i].Score = e.score
		methods[e.match.ID] = e.methods
	}
	return results, methods
}
