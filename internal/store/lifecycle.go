package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/cache"
)

// Hydrate populates the excerpt map from the durable cache. It runs at most
// once per store lifetime (until Clear) and is a no-op in memory-only mode.
// Vectors already in memory win over cached ones.
func (s *Store) Hydrate(ctx context.Context) {
	s.mu.Lock()
	if s.hydrated || s.cache == nil {
		s.mu.Unlock()
		return
	}
	s.hydrated = true
	s.mu.Unlock()

	ids, err := s.cache.Keys(ctx, cache.NamespaceExcerpts)
	if err != nil {
		s.logger.Warn("embedding cache hydration failed", zap.Error(err))
		return
	}
	vectors, err := s.cache.GetMany(ctx, cache.NamespaceExcerpts, ids)
	if err != nil {
		s.logger.Warn("embedding cache hydration failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	for id, v := range vectors {
		if _, ok := s.excerpts[id]; !ok && len(v) == s.dims {
			s.excerpts[id] = v
		}
	}
	count := len(s.excerpts)
	s.mu.Unlock()
	s.logger.Info("embedding store hydrated", zap.Int("excerpts", count))
}

// DeleteExcerpt removes one excerpt from memory, membership, and the durable
// cache. The in-memory removal is synchronous so the next search no longer
// sees the excerpt; the durable delete completes in the background. Collection
// aggregates are left stale on purpose; callers recompute them explicitly.
func (s *Store) DeleteExcerpt(id string) {
	s.mu.Lock()
	delete(s.excerpts, id)
	delete(s.excerptBook, id)
	delete(s.pending, id)
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	go func() {
		if err := s.cache.Delete(context.Background(), cache.NamespaceExcerpts, id); err != nil {
			s.logger.Warn("excerpt embedding delete failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

// DeleteBookCascade removes a book's aggregate vector and all listed member
// excerpt vectors, in memory and durably.
func (s *Store) DeleteBookCascade(bookID string, memberIDs []string) {
	s.mu.Lock()
	delete(s.books, bookID)
	for _, id := range memberIDs {
		delete(s.excerpts, id)
		delete(s.excerptBook, id)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	go func() {
		ctx := context.Background()
		if err := s.cache.Delete(ctx, cache.NamespaceBooks, bookID); err != nil {
			s.logger.Warn("book embedding delete failed", zap.String("id", bookID), zap.Error(err))
		}
		if err := s.cache.DeleteMany(ctx, cache.NamespaceExcerpts, memberIDs); err != nil {
			s.logger.Warn("book excerpt cascade delete failed", zap.String("book", bookID), zap.Error(err))
		}
	}()
}

// Clear wipes all in-memory state, reloads the excerpts named in keep from the
// durable cache, and schedules a prune of cache entries whose ids are no
// longer referenced. Returns the excerpt ids that are embedded after the
// reload.
func (s *Store) Clear(ctx context.Context, keep []string) []string {
	s.mu.Lock()
	s.excerpts = make(map[string][]float32)
	s.books = make(map[string][]float32)
	s.authors = make(map[string][]float32)
	s.excerptBook = make(map[string]string)
	s.pending = make(map[string]struct{})
	s.hydrated = true // reload below is the authoritative hydration
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}

	vectors, err := s.cache.GetMany(ctx, cache.NamespaceExcerpts, keep)
	if err != nil {
		s.logger.Warn("embedding reload failed", zap.Error(err))
		vectors = nil
	}

	s.mu.Lock()
	known := make([]string, 0, len(vectors))
	for id, v := range vectors {
		if len(v) == s.dims {
			s.excerpts[id] = v
			known = append(known, id)
		}
	}
	s.mu.Unlock()

	s.pruneCache(keep)
	return known
}

// pruneCache deletes durable excerpt entries not present in keep.
func (s *Store) pruneCache(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	go func() {
		ctx := context.Background()
		ids, err := s.cache.Keys(ctx, cache.NamespaceExcerpts)
		if err != nil {
			s.logger.Warn("embedding cache prune failed", zap.Error(err))
			return
		}
		orphans := make([]string, 0)
		for _, id := range ids {
			if _, ok := keepSet[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) == 0 {
			return
		}
		if err := s.cache.DeleteMany(ctx, cache.NamespaceExcerpts, orphans); err != nil {
			s.logger.Warn("embedding cache prune failed", zap.Error(err))
			return
		}
		s.logger.Info("embedding cache pruned", zap.Int("orphans", len(orphans)))
	}()
}

// BootstrapDemo populates the excerpt map directly from a precomputed blob of
// concatenated fixed-width little-endian float32 vectors, parallel to ids.
// The model is never invoked. On a size mismatch nothing is populated and the
// returned slice is nil.
func (s *Store) BootstrapDemo(ids []string, blob []byte) []string {
	rowBytes := s.dims * 4
	if len(ids) == 0 || len(blob) != len(ids)*rowBytes {
		s.logger.Warn("demo embedding blob size mismatch",
			zap.Int("ids", len(ids)), zap.Int("blob_bytes", len(blob)), zap.Int("row_bytes", rowBytes))
		return nil
	}

	s.mu.Lock()
	for i, id := range ids {
		s.excerpts[id] = cache.VectorFromBytes(blob[i*rowBytes : (i+1)*rowBytes])
	}
	s.hydrated = true // demo corpus is authoritative, skip cache hydration
	s.mu.Unlock()

	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
