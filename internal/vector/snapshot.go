package vector

import (
	"sort"

	"github.com/viant/vec/search"
)

// Hit is a single similarity search result.
type Hit struct {
	ID    string
	Score float64
}

// SearchOptions controls candidate filtering during TopK.
type SearchOptions struct {
	// Exclude drops candidates for which it returns true (e.g. same book as the query).
	Exclude func(id string) bool
	// DropID drops the query's own id if present in the snapshot.
	DropID string
}

// Snapshot is a point-in-time materialization of an embedding map as one
// row-major tensor with a parallel id list. Row i of the tensor holds the
// vector for ids[i]. Row magnitudes are precomputed at build time so cosine
// similarity against raw stored vectors costs one SIMD pass per row.
type Snapshot struct {
	ids  []string
	data []float32 // len(ids) * dims, row-major
	mags []float32
	dims int
}

// BuildSnapshot materializes the current contents of vectors. Ids are ordered
// lexicographically so results are deterministic across rebuilds. Entries whose
// vector length differs from dims are skipped.
func BuildSnapshot(vectors map[string][]float32, dims int) *Snapshot {
	ids := make([]string, 0, len(vectors))
	for id, v := range vectors {
		if len(v) == dims {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	data := make([]float32, 0, len(ids)*dims)
	mags := make([]float32, len(ids))
	for i, id := range ids {
		data = append(data, vectors[id]...)
		mags[i] = search.Float32s(vectors[id]).Magnitude()
	}
	return &Snapshot{ids: ids, data: data, mags: mags, dims: dims}
}

// Len returns the number of rows in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

func (s *Snapshot) row(i int) []float32 {
	return s.data[i*s.dims : (i+1)*s.dims]
}

// score computes cosine similarity of query against every row, appending
// eligible rows to hits. Rows with zero magnitude are skipped.
func (s *Snapshot) score(query []float32, opts SearchOptions) []Hit {
	if s == nil || len(query) != s.dims {
		return nil
	}
	q := search.Float32s(query)
	qm := q.Magnitude()
	if qm == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(s.ids))
	for i, id := range s.ids {
		if id == opts.DropID || s.mags[i] == 0 {
			continue
		}
		if opts.Exclude != nil && opts.Exclude(id) {
			continue
		}
		dist := cosineDistance(q, s.row(i), qm, s.mags[i])
		hits = append(hits, Hit{ID: id, Score: 1 - float64(dist)})
	}
	// Stable sort: ties keep row order, so repeated queries are deterministic.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

// TopK returns up to k hits ordered by descending similarity, after applying
// the filters in opts. Fewer than k hits are returned only when the snapshot,
// after exclusions, has fewer eligible rows.
func (s *Snapshot) TopK(query []float32, k int, opts SearchOptions) []Hit {
	if k <= 0 {
		return nil
	}
	hits := s.score(query, opts)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// Match returns all rows scoring at least threshold, ordered by descending
// similarity and capped at limit. The cap bounds payload size; ranking below
// it remains exact.
func (s *Snapshot) Match(query []float32, threshold float64, limit int) []Hit {
	hits := s.score(query, SearchOptions{})
	matched := hits[:0]
	for _, h := range hits {
		if h.Score >= threshold {
			matched = append(matched, h)
		}
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}
