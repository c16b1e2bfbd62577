// Package engine exposes the public query operations of the embedding
// subsystem: neighbor lookups, semantic search and ranking, embedding
// computation, and corpus lifecycle. Every operation degrades to an empty
// result instead of raising: a missing id, an unready model, or an absent
// durable cache must never surface as a fault to the host.
package engine

import (
	"context"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/config"
	"github.com/marginalia/marginalia/internal/embedding"
	"github.com/marginalia/marginalia/internal/store"
	"github.com/marginalia/marginalia/internal/vector"
)

// Engine orchestrates the store, the model service, and the per-collection
// neighbor indices.
type Engine struct {
	store    *store.Store
	model    *embedding.Service
	cfg      *config.SearchConfig
	demoPath string
	logger   *zap.Logger

	excerptIdx *vector.Index
	bookIdx    *vector.Index
	authorIdx  *vector.Index
}

// New creates an engine over the given store and model service.
func New(s *store.Store, model *embedding.Service, cfg *config.SearchConfig, demoPath string, logger *zap.Logger) *Engine {
	dims := s.Dimensions()
	return &Engine{
		store:      s,
		model:      model,
		cfg:        cfg,
		demoPath:   demoPath,
		logger:     logger,
		excerptIdx: vector.NewIndex(dims, s.ExcerptVectors),
		bookIdx:    vector.NewIndex(dims, s.BookVectors),
		authorIdx:  vector.NewIndex(dims, s.AuthorVectors),
	}
}

// ProcessNewExcerpts registers excerpt→book membership, hydrating the store
// from the durable cache on first use, and returns the ids already embedded.
func (e *Engine) ProcessNewExcerpts(ctx context.Context, excerpts []store.Excerpt) []string {
	e.store.Hydrate(ctx)
	known := e.store.RegisterExcerpts(excerpts)
	e.excerptIdx.Invalidate()
	return known
}

// ComputeExcerptEmbeddings embeds the targets that need it and returns all
// ids now embedded. A model failure is logged and the already-embedded ids
// are still returned.
func (e *Engine) ComputeExcerptEmbeddings(ctx context.Context, targets []store.Target) []string {
	e.store.Hydrate(ctx)
	ids, added, err := e.store.ComputeExcerptEmbeddings(ctx, targets)
	if err != nil {
		e.logger.Warn("excerpt embedding computation failed", zap.Int("targets", len(targets)), zap.Error(err))
	}
	if added > 0 {
		e.excerptIdx.Invalidate()
	}
	return ids
}

// ComputeBookEmbeddings recomputes book aggregate vectors.
func (e *Engine) ComputeBookEmbeddings(targets []store.CollectionTarget) {
	e.store.ComputeCollectionEmbeddings(store.KindBook, targets)
	e.bookIdx.Invalidate()
}

// ComputeAuthorEmbeddings recomputes author aggregate vectors.
func (e *Engine) ComputeAuthorEmbeddings(targets []store.CollectionTarget) {
	e.store.ComputeCollectionEmbeddings(store.KindAuthor, targets)
	e.authorIdx.Invalidate()
}

// ExcerptNeighbors returns up to k excerpts nearest to the given excerpt,
// excluding the excerpt itself and any candidate from the same book. An id
// with no embedding yields an empty result.
func (e *Engine) ExcerptNeighbors(id string, k int) []vector.Hit {
	target, ok := e.store.ExcerptVector(id)
	if !ok {
		return nil
	}
	if k <= 0 {
		k = e.cfg.NeighborsK
	}
	book, hasBook := e.store.BookOf(id)
	return e.excerptIdx.Snapshot().TopK(target, k, vector.SearchOptions{
		DropID: id,
		Exclude: func(candidate string) bool {
			if !hasBook {
				return false
			}
			candidateBook, ok := e.store.BookOf(candidate)
			return ok && candidateBook == book
		},
	})
}

// BookNeighbors returns up to k books nearest to the given book aggregate.
func (e *Engine) BookNeighbors(id string, k int) []vector.Hit {
	target, ok := e.store.BookVector(id)
	if !ok {
		return nil
	}
	if k <= 0 {
		k = e.cfg.NeighborsK
	}
	return e.bookIdx.Snapshot().TopK(target, k, vector.SearchOptions{DropID: id})
}

// AuthorNeighbors returns up to k authors nearest to the given author
// aggregate. The query author is filtered explicitly on top of DropID:
// float32 self-similarity is not exactly 1.0, so the id must never survive
// on score alone.
func (e *Engine) AuthorNeighbors(id string, k int) []vector.Hit {
	target, ok := e.store.AuthorVector(id)
	if !ok {
		return nil
	}
	if k <= 0 {
		k = e.cfg.NeighborsK
	}
	return e.authorIdx.Snapshot().TopK(target, k, vector.SearchOptions{
		DropID:  id,
		Exclude: func(candidate string) bool { return candidate == id },
	})
}

// SemanticSearch embeds the query text and returns all excerpts scoring at
// least threshold, best first, capped at the configured search limit. An
// unready model yields an empty result.
func (e *Engine) SemanticSearch(ctx context.Context, query string, threshold float64) []vector.Hit {
	vectors, err := e.model.EmbedBatch(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		e.logger.Warn("semantic search embedding failed", zap.Error(err))
		return nil
	}
	return e.excerptIdx.Snapshot().Match(vectors[0], threshold, e.cfg.SearchLimit)
}

// DefaultThreshold returns the configured score floor for semantic search
// requests that carry no threshold of their own.
func (e *Engine) DefaultThreshold() float64 {
	return e.cfg.DefaultThreshold
}

// SemanticRank orders a book's excerpts by similarity to the book's own
// aggregate vector, most representative first. Members without an embedding
// are skipped; a book without an aggregate yields an empty result.
func (e *Engine) SemanticRank(bookID string, memberIDs []string) []vector.Hit {
	centroid, ok := e.store.BookVector(bookID)
	if !ok || len(memberIDs) == 0 {
		return nil
	}
	hits := make([]vector.Hit, 0, len(memberIDs))
	for _, id := range memberIDs {
		v, ok := e.store.ExcerptVector(id)
		if !ok {
			continue
		}
		hits = append(hits, vector.Hit{ID: id, Score: vector.Cosine(centroid, v)})
	}
	sortHitsDesc(hits)
	return hits
}

// SetDemoEmbeddings seeds the excerpt map from the precomputed demo blob on
// disk, parallel to ids. A missing or malformed blob is logged and yields an
// empty result; nothing is populated.
func (e *Engine) SetDemoEmbeddings(ids []string) []string {
	blob, err := os.ReadFile(e.demoPath)
	if err != nil {
		e.logger.Warn("demo embeddings unavailable", zap.String("path", e.demoPath), zap.Error(err))
		return nil
	}
	embedded := e.store.BootstrapDemo(ids, blob)
	if len(embedded) > 0 {
		e.excerptIdx.Invalidate()
	}
	return embedded
}

// InitWithClear wipes all in-memory state, re-registers the authoritative
// excerpt set, reloads its embeddings from the durable cache, and schedules a
// prune of orphaned cache entries. Returns the ids embedded after the reload.
func (e *Engine) InitWithClear(ctx context.Context, excerpts []store.Excerpt) []string {
	keep := make([]string, 0, len(excerpts))
	for _, x := range excerpts {
		if x.ID != "" {
			keep = append(keep, x.ID)
		}
	}
	known := e.store.Clear(ctx, keep)
	e.store.RegisterExcerpts(excerpts)
	e.excerptIdx.Invalidate()
	e.bookIdx.Invalidate()
	e.authorIdx.Invalidate()
	return known
}

// DeleteExcerpt removes one excerpt and recomputes its book's aggregate from
// the remaining member ids supplied by the host.
func (e *Engine) DeleteExcerpt(targetID, bookID string, remaining []string) {
	e.store.DeleteExcerpt(targetID)
	e.excerptIdx.Invalidate()
	if bookID != "" {
		e.store.ComputeCollectionEmbeddings(store.KindBook, []store.CollectionTarget{{ID: bookID, Members: remaining}})
		e.bookIdx.Invalidate()
	}
}

// DeleteBook removes a book's aggregate and all of its member excerpts.
func (e *Engine) DeleteBook(bookID string, memberIDs []string) {
	e.store.DeleteBookCascade(bookID, memberIDs)
	e.excerptIdx.Invalidate()
	e.bookIdx.Invalidate()
}

// Status reports embedded counts and subsystem mode for observability.
func (e *Engine) Status() Status {
	excerpts, books, authors := e.store.Counts()
	return Status{
		Excerpts:   excerpts,
		Books:      books,
		Authors:    authors,
		ModelState: e.model.State().String(),
		MemoryOnly: e.store.MemoryOnly(),
	}
}

// Status describes the current subsystem state.
type Status struct {
	Excerpts   int    `json:"excerpts"`
	Books      int    `json:"books"`
	Authors    int    `json:"authors"`
	ModelState string `json:"model_state"`
	MemoryOnly bool   `json:"memory_only"`
}

// sortHitsDesc sorts hits by descending score, stable for equal scores.
func sortHitsDesc(hits []vector.Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
