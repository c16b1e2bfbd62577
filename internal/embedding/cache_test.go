package embedding

import "testing"

func TestTextCache_LRUEviction(t *testing.T) {
	c := newTextCache(2)
	c.set("a", []float32{1})
	c.set("b", []float32{2})

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.get("a"); !ok {
		t.Fatal("a missing")
	}
	c.set("c", []float32{3})

	if _, ok := c.get("b"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if v, ok := c.get("c"); !ok || v[0] != 3 {
		t.Errorf("c=%v ok=%v", v, ok)
	}
}

func TestTextCache_SetReplaces(t *testing.T) {
	c := newTextCache(2)
	c.set("a", []float32{1})
	c.set("a", []float32{9})
	if v, _ := c.get("a"); v[0] != 9 {
		t.Errorf("got %v after replace, want [9]", v)
	}
}
