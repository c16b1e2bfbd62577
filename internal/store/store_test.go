package store

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/cache"
	"github.com/marginalia/marginalia/internal/embedding"
)

// countingEmbedder wraps HashEmbedder and counts texts sent to the model.
type countingEmbedder struct {
	inner *embedding.HashEmbedder
	texts int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&c.texts, 1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&c.texts, int32(len(texts)))
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }
func (c *countingEmbedder) Close() error    { return nil }

// memCache is a synchronous in-memory Cache for exercising durable paths.
type memCache struct {
	mu   sync.Mutex
	data map[string]map[string][]float32
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]map[string][]float32)}
}

func (m *memCache) ns(namespace string) map[string][]float32 {
	if m.data[namespace] == nil {
		m.data[namespace] = make(map[string][]float32)
	}
	return m.data[namespace]
}

func (m *memCache) Get(ctx context.Context, namespace, id string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ns(namespace)[id]
	return v, ok, nil
}

func (m *memCache) GetMany(ctx context.Context, namespace string, ids []string) (map[string][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]float32)
	for _, id := range ids {
		if v, ok := m.ns(namespace)[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *memCache) Set(ctx context.Context, namespace, id string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ns(namespace)[id] = vector
	return nil
}

func (m *memCache) SetMany(ctx context.Context, namespace string, vectors map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range vectors {
		m.ns(namespace)[id] = v
	}
	return nil
}

func (m *memCache) Delete(ctx context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ns(namespace), id)
	return nil
}

func (m *memCache) DeleteMany(ctx context.Context, namespace string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.ns(namespace), id)
	}
	return nil
}

func (m *memCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.ns(namespace)))
	for id := range m.ns(namespace) {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memCache) Close() error { return nil }

func (m *memCache) has(namespace, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ns(namespace)[id]
	return ok
}

const testDims = 8

func newTestStore(durable cache.Cache) (*Store, *countingEmbedder) {
	ce := &countingEmbedder{inner: embedding.NewHashEmbedder(testDims)}
	model := embedding.NewService(func() (embedding.Embedder, error) {
		return ce, nil
	}, testDims, zap.NewNop())
	return New(model, durable, testDims, zap.NewNop()), ce
}

// waitFor polls until cond holds or the deadline passes. Background persistence
// is asynchronous, so durable assertions need a grace window.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestComputeExcerptEmbeddings_Idempotent(t *testing.T) {
	s, ce := newTestStore(nil)
	ctx := context.Background()

	targets := []Target{{ID: "e1", Text: "first"}, {ID: "e2", Text: "second"}}
	have, added, err := s.ComputeExcerptEmbeddings(ctx, targets)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 || len(have) != 2 {
		t.Fatalf("added=%d have=%d, want 2/2", added, len(have))
	}

	// Second pass: everything cached, the model sees nothing new.
	before := atomic.LoadInt32(&ce.texts)
	have, added, err = s.ComputeExcerptEmbeddings(ctx, targets)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 || len(have) != 2 {
		t.Errorf("added=%d have=%d on repeat, want 0/2", added, len(have))
	}
	if after := atomic.LoadInt32(&ce.texts); after != before {
		t.Errorf("model called for already-embedded ids: %d texts", after-before)
	}
}

func TestComputeExcerptEmbeddings_SharedTextOneModelCall(t *testing.T) {
	s, ce := newTestStore(nil)

	_, added, err := s.ComputeExcerptEmbeddings(context.Background(), []Target{
		{ID: "a", Text: "same words"},
		{ID: "b", Text: "same words"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Errorf("added=%d, want 2", added)
	}
	if got := atomic.LoadInt32(&ce.texts); got != 1 {
		t.Errorf("model embedded %d texts, want 1 distinct", got)
	}

	va, _ := s.ExcerptVector("a")
	vb, _ := s.ExcerptVector("b")
	for i := range va {
		if va[i] != vb[i] {
			t.Fatal("ids sharing a text got different vectors")
		}
	}
}

func TestComputeExcerptEmbeddings_ErrorLeavesNothingPending(t *testing.T) {
	failing := embedding.NewService(func() (embedding.Embedder, error) {
		return nil, context.DeadlineExceeded
	}, testDims, zap.NewNop())
	s := New(failing, nil, testDims, zap.NewNop())

	_, _, err := s.ComputeExcerptEmbeddings(context.Background(), []Target{{ID: "x", Text: "t"}})
	if err == nil {
		t.Fatal("expected error from unavailable model")
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d ids left pending after failure", pending)
	}
}

func TestComputeCollectionEmbeddings_MeanOverFoundMembers(t *testing.T) {
	s, _ := newTestStore(nil)

	s.mu.Lock()
	s.excerpts["e1"] = []float32{2, 0, 0, 0, 0, 0, 0, 0}
	s.excerpts["e2"] = []float32{4, 0, 0, 0, 0, 0, 0, 0}
	s.mu.Unlock()

	// "ghost" has no embedding; the divisor must be 2, not 3.
	s.ComputeCollectionEmbeddings(KindBook, []CollectionTarget{
		{ID: "b1", Members: []string{"e1", "e2", "ghost"}},
	})

	v, ok := s.BookVector("b1")
	if !ok {
		t.Fatal("book vector missing")
	}
	if math.Abs(float64(v[0])-3) > 1e-6 {
		t.Errorf("mean=%f, want 3 (missing member must not dilute)", v[0])
	}
}

func TestComputeCollectionEmbeddings_NoMembersRemovesVector(t *testing.T) {
	s, _ := newTestStore(nil)

	s.mu.Lock()
	s.books["b1"] = []float32{1, 0, 0, 0, 0, 0, 0, 0}
	s.mu.Unlock()

	s.ComputeCollectionEmbeddings(KindBook, []CollectionTarget{
		{ID: "b1", Members: []string{"gone"}},
	})
	if _, ok := s.BookVector("b1"); ok {
		t.Error("collection with no embedded members kept a vector")
	}
}

func TestDeleteExcerpt_RemovesMembershipAndDurable(t *testing.T) {
	durable := newMemCache()
	s, _ := newTestStore(durable)
	ctx := context.Background()

	s.RegisterExcerpts([]Excerpt{{ID: "e1", BookID: "b1"}})
	if _, _, err := s.ComputeExcerptEmbeddings(ctx, []Target{{ID: "e1", Text: "text"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return durable.has(cache.NamespaceExcerpts, "e1") })

	s.DeleteExcerpt("e1")
	if _, ok := s.ExcerptVector("e1"); ok {
		t.Error("vector still readable after delete")
	}
	if _, ok := s.BookOf("e1"); ok {
		t.Error("membership still present after delete")
	}
	waitFor(t, func() bool { return !durable.has(cache.NamespaceExcerpts, "e1") })
}

func TestDeleteBookCascade(t *testing.T) {
	durable := newMemCache()
	s, _ := newTestStore(durable)
	ctx := context.Background()

	s.RegisterExcerpts([]Excerpt{{ID: "e1", BookID: "b1"}, {ID: "e2", BookID: "b1"}})
	_, _, _ = s.ComputeExcerptEmbeddings(ctx, []Target{{ID: "e1", Text: "one"}, {ID: "e2", Text: "two"}})
	s.ComputeCollectionEmbeddings(KindBook, []CollectionTarget{{ID: "b1", Members: []string{"e1", "e2"}}})
	waitFor(t, func() bool { return durable.has(cache.NamespaceBooks, "b1") })

	s.DeleteBookCascade("b1", []string{"e1", "e2"})
	if _, ok := s.BookVector("b1"); ok {
		t.Error("book vector survived cascade")
	}
	if _, ok := s.ExcerptVector("e1"); ok {
		t.Error("member vector survived cascade")
	}
	waitFor(t, func() bool {
		return !durable.has(cache.NamespaceBooks, "b1") && !durable.has(cache.NamespaceExcerpts, "e2")
	})
}

func TestHydrate_MemoryWinsAndRunsOnce(t *testing.T) {
	durable := newMemCache()
	cached := make([]float32, testDims)
	cached[0] = 7
	_ = durable.Set(context.Background(), cache.NamespaceExcerpts, "e1", cached)
	_ = durable.Set(context.Background(), cache.NamespaceExcerpts, "short", []float32{1, 2})

	s, _ := newTestStore(durable)
	inMem := make([]float32, testDims)
	inMem[0] = 1
	s.mu.Lock()
	s.excerpts["e1"] = inMem
	s.mu.Unlock()

	s.Hydrate(context.Background())

	v, _ := s.ExcerptVector("e1")
	if v[0] != 1 {
		t.Error("cached vector overwrote in-memory vector")
	}
	if _, ok := s.ExcerptVector("short"); ok {
		t.Error("wrong-dimension cached vector was hydrated")
	}
}

func TestClear_ReloadsKeepAndPrunesOrphans(t *testing.T) {
	durable := newMemCache()
	s, _ := newTestStore(durable)
	ctx := context.Background()

	s.RegisterExcerpts([]Excerpt{{ID: "keep", BookID: "b1"}, {ID: "orphan", BookID: "b1"}})
	_, _, _ = s.ComputeExcerptEmbeddings(ctx, []Target{
		{ID: "keep", Text: "kept"}, {ID: "orphan", Text: "dropped"},
	})
	waitFor(t, func() bool {
		return durable.has(cache.NamespaceExcerpts, "keep") && durable.has(cache.NamespaceExcerpts, "orphan")
	})

	known := s.Clear(ctx, []string{"keep", "never-embedded"})
	if len(known) != 1 || known[0] != "keep" {
		t.Errorf("known=%v, want [keep]", known)
	}
	if _, ok := s.ExcerptVector("orphan"); ok {
		t.Error("orphan vector survived Clear")
	}
	if _, ok := s.BookOf("keep"); ok {
		t.Error("membership survived Clear")
	}
	waitFor(t, func() bool { return !durable.has(cache.NamespaceExcerpts, "orphan") })
	if !durable.has(cache.NamespaceExcerpts, "keep") {
		t.Error("kept entry was pruned")
	}
}

func TestBootstrapDemo(t *testing.T) {
	s, ce := newTestStore(nil)

	row := make([]float32, testDims)
	row[0] = 0.5
	blob := append(cache.VectorToBytes(row), cache.VectorToBytes(row)...)

	known := s.BootstrapDemo([]string{"d1", "d2"}, blob)
	if len(known) != 2 {
		t.Fatalf("known=%v, want 2 ids", known)
	}
	v, ok := s.ExcerptVector("d2")
	if !ok || v[0] != 0.5 {
		t.Errorf("decoded vector=%v ok=%v", v, ok)
	}
	if atomic.LoadInt32(&ce.texts) != 0 {
		t.Error("model invoked during demo bootstrap")
	}
}

func TestBootstrapDemo_SizeMismatch(t *testing.T) {
	s, _ := newTestStore(nil)
	if known := s.BootstrapDemo([]string{"d1"}, make([]byte, testDims*4+1)); known != nil {
		t.Errorf("known=%v for mismatched blob, want nil", known)
	}
	if n, _, _ := s.Counts(); n != 0 {
		t.Errorf("%d excerpts populated from bad blob", n)
	}
}
