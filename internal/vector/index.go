package vector

import "sync"

// Index owns the current snapshot for one embedding collection and rebuilds it
// lazily. Mutations call Invalidate; the next Snapshot() call rebuilds the
// whole snapshot from the source map before swapping it in, so readers never
// observe a half-built snapshot and never read a stale one after invalidation.
type Index struct {
	source func() map[string][]float32
	dims   int

	mu    sync.Mutex
	snap  *Snapshot
	dirty bool
}

// NewIndex creates an index over the collection returned by source.
// The index starts dirty; the first Snapshot() call builds it.
func NewIndex(dims int, source func() map[string][]float32) *Index {
	return &Index{source: source, dims: dims, dirty: true}
}

// Invalidate marks the current snapshot stale. The next Snapshot() rebuilds.
func (x *Index) Invalidate() {
	x.mu.Lock()
	x.dirty = true
	x.mu.Unlock()
}

// Snapshot returns the current snapshot, rebuilding it first when stale.
func (x *Index) Snapshot() *Snapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dirty || x.snap == nil {
		x.snap = BuildSnapshot(x.source(), x.dims)
		x.dirty = false
	}
	return x.snap
}
