package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/cache"
	"github.com/marginalia/marginalia/internal/vector"
)

// ComputeExcerptEmbeddings ensures every target id has an embedding and
// returns the set of ids now embedded (cached-already plus newly computed,
// no duplicates) along with the count of newly stored vectors.
//
// Targets already embedded are returned without touching the model. Targets
// with an in-flight computation are skipped entirely so the same text is
// never embedded twice concurrently; their own batch reports them when it
// completes. The rest go to the model as one batch of distinct texts, are
// committed to memory, and mirrored to the durable cache without gating the
// reply.
func (s *Store) ComputeExcerptEmbeddings(ctx context.Context, targets []Target) ([]string, int, error) {
	s.mu.Lock()
	have := make([]string, 0, len(targets))
	needed := make([]Target, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if _, dup := seen[t.ID]; dup || t.ID == "" {
			continue
		}
		seen[t.ID] = struct{}{}
		if _, ok := s.excerpts[t.ID]; ok {
			have = append(have, t.ID)
			continue
		}
		if _, inflight := s.pending[t.ID]; inflight {
			continue
		}
		needed = append(needed, t)
		s.pending[t.ID] = struct{}{}
	}
	s.mu.Unlock()

	if len(needed) == 0 {
		return have, 0, nil
	}

	// One model call for all distinct texts; ids sharing a text share the result.
	texts := make([]string, 0, len(needed))
	textIndex := make(map[string]int, len(needed))
	for _, t := range needed {
		if _, ok := textIndex[t.Text]; !ok {
			textIndex[t.Text] = len(texts)
			texts = append(texts, t.Text)
		}
	}

	vectors, err := s.model.EmbedBatch(ctx, texts)
	if err != nil {
		s.mu.Lock()
		for _, t := range needed {
			delete(s.pending, t.ID)
		}
		s.mu.Unlock()
		return have, 0, err
	}

	computed := make(map[string][]float32, len(needed))
	s.mu.Lock()
	for _, t := range needed {
		v := vectors[textIndex[t.Text]]
		s.excerpts[t.ID] = v
		computed[t.ID] = v
		delete(s.pending, t.ID)
		have = append(have, t.ID)
	}
	s.mu.Unlock()

	s.persistExcerpts(computed)
	return have, len(computed), nil
}

// persistExcerpts mirrors newly computed vectors to the durable cache without
// blocking the caller. A crash before the write completes loses at most this
// batch; recomputing an embedding is idempotent.
func (s *Store) persistExcerpts(vectors map[string][]float32) {
	if s.cache == nil || len(vectors) == 0 {
		return
	}
	go func() {
		if err := s.cache.SetMany(context.Background(), cache.NamespaceExcerpts, vectors); err != nil {
			s.logger.Warn("excerpt embedding persist failed", zap.Int("count", len(vectors)), zap.Error(err))
		}
	}()
}

// ComputeCollectionEmbeddings recomputes aggregate vectors for the given
// collections from their member excerpts. The mean is taken over the member
// vectors actually present: members without an embedding are skipped rather
// than diluting the average. A collection with no embedded members loses its
// vector (absent, never zero).
func (s *Store) ComputeCollectionEmbeddings(kind Kind, targets []CollectionTarget) {
	s.mu.Lock()
	collection := s.collection(kind)
	updated := make(map[string][]float32, len(targets))
	removed := make([]string, 0)
	for _, t := range targets {
		if t.ID == "" {
			continue
		}
		found := make([][]float32, 0, len(t.Members))
		for _, member := range t.Members {
			if v, ok := s.excerpts[member]; ok {
				found = append(found, v)
			}
		}
		mean := vector.Mean(found)
		if mean == nil {
			delete(collection, t.ID)
			removed = append(removed, t.ID)
			continue
		}
		collection[t.ID] = mean
		updated[t.ID] = mean
	}
	s.mu.Unlock()

	s.persistCollections(kind, updated, removed)
}

func (s *Store) persistCollections(kind Kind, updated map[string][]float32, removed []string) {
	if s.cache == nil || (len(updated) == 0 && len(removed) == 0) {
		return
	}
	ns := namespaceFor(kind)
	go func() {
		ctx := context.Background()
		if err := s.cache.SetMany(ctx, ns, updated); err != nil {
			s.logger.Warn("collection embedding persist failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		if err := s.cache.DeleteMany(ctx, ns, removed); err != nil {
			s.logger.Warn("collection embedding prune failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
}
