// Package store owns the in-memory embedding maps for excerpts, books, and
// authors, plus the membership index used for same-book/same-author exclusion.
// All mutations land in memory first; the durable cache is mirrored
// asynchronously and never gates a reply.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/cache"
	"github.com/marginalia/marginalia/internal/embedding"
)

// Kind selects one of the derived collection maps.
type Kind string

const (
	KindBook   Kind = "book"
	KindAuthor Kind = "author"
)

// Excerpt is an excerpt registration: membership only, no text.
type Excerpt struct {
	ID     string
	BookID string
}

// Target is an excerpt to embed.
type Target struct {
	ID   string
	Text string
}

// CollectionTarget is a collection aggregate to (re)compute from its member excerpts.
type CollectionTarget struct {
	ID      string
	Members []string
}

// Store holds the three embedding collections and the membership index.
// A single mutex guards all maps; it is released while awaiting the model so
// slow initialization never blocks reads.
type Store struct {
	model  *embedding.Service
	cache  cache.Cache // nil in memory-only mode
	dims   int
	logger *zap.Logger

	mu          sync.Mutex
	excerpts    map[string][]float32
	books       map[string][]float32
	authors     map[string][]float32
	excerptBook map[string]string
	pending     map[string]struct{} // excerpt ids with an in-flight model call
	hydrated    bool
}

// New creates an empty store. durable may be nil (memory-only mode).
func New(model *embedding.Service, durable cache.Cache, dims int, logger *zap.Logger) *Store {
	return &Store{
		model:       model,
		cache:       durable,
		dims:        dims,
		logger:      logger,
		excerpts:    make(map[string][]float32),
		books:       make(map[string][]float32),
		authors:     make(map[string][]float32),
		excerptBook: make(map[string]string),
		pending:     make(map[string]struct{}),
	}
}

// RegisterExcerpts records book membership for the given excerpts and returns
// the ids that already have an embedding.
func (s *Store) RegisterExcerpts(excerpts []Excerpt) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range excerpts {
		if e.ID != "" {
			s.excerptBook[e.ID] = e.BookID
		}
	}
	known := make([]string, 0, len(s.excerpts))
	for id := range s.excerpts {
		known = append(known, id)
	}
	return known
}

// ExcerptVector returns the embedding for an excerpt id.
func (s *Store) ExcerptVector(id string) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.excerpts[id]
	return v, ok
}

// BookVector returns the aggregate embedding for a book id.
func (s *Store) BookVector(id string) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.books[id]
	return v, ok
}

// AuthorVector returns the aggregate embedding for an author id.
func (s *Store) AuthorVector(id string) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.authors[id]
	return v, ok
}

// BookOf returns the book an excerpt belongs to.
func (s *Store) BookOf(excerptID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.excerptBook[excerptID]
	return book, ok
}

// ExcerptVectors returns a shallow copy of the excerpt map for snapshot builds.
// The vectors themselves are shared and treated as immutable once stored.
func (s *Store) ExcerptVectors() map[string][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVectors(s.excerpts)
}

// BookVectors returns a shallow copy of the book aggregate map.
func (s *Store) BookVectors() map[string][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVectors(s.books)
}

// AuthorVectors returns a shallow copy of the author aggregate map.
func (s *Store) AuthorVectors() map[string][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVectors(s.authors)
}

// Counts returns the number of stored excerpt, book, and author vectors.
func (s *Store) Counts() (excerpts, books, authors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.excerpts), len(s.books), len(s.authors)
}

// Dimensions returns the embedding dimension.
func (s *Store) Dimensions() int {
	return s.dims
}

// MemoryOnly reports whether the durable cache is absent.
func (s *Store) MemoryOnly() bool {
	return s.cache == nil
}

func copyVectors(m map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) collection(kind Kind) map[string][]float32 {
	if kind == KindAuthor {
		return s.authors
	}
	return s.books
}

func namespaceFor(kind Kind) string {
	if kind == KindAuthor {
		return cache.NamespaceAuthors
	}
	return cache.NamespaceBooks
}
