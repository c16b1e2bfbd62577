// Package cache provides the durable embedding cache keyed by content id.
// The cache is optional: when the backing store cannot be opened the rest of
// the subsystem runs memory-only, so every method here is off the critical
// path of replying to the host.
package cache

import (
	"context"

	"go.uber.org/zap"
)

// Namespaces for the three embedding collections. Keys are unique within a
// namespace; the namespaces never collide in lookup.
const (
	NamespaceExcerpts = "excerpts"
	NamespaceBooks    = "books"
	NamespaceAuthors  = "authors"
)

// Cache is the durable id → vector mapping.
type Cache interface {
	Get(ctx context.Context, namespace, id string) ([]float32, bool, error)
	GetMany(ctx context.Context, namespace string, ids []string) (map[string][]float32, error)
	Set(ctx context.Context, namespace, id string, vector []float32) error
	SetMany(ctx context.Context, namespace string, vectors map[string][]float32) error
	Delete(ctx context.Context, namespace, id string) error
	DeleteMany(ctx context.Context, namespace string, ids []string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// Probe attempts to open the durable cache at path. On failure it logs once
// and returns nil; a nil Cache means memory-only mode.
func Probe(path string, logger *zap.Logger) Cache {
	c, err := NewSQLiteCache(path)
	if err != nil {
		logger.Warn("durable embedding cache unavailable, running memory-only",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	return c
}
