package cache

import "testing"

func TestSegmentCache_GetSet(t *testing.T) {
	c := NewSegmentCache(10, nil)

	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(1, []byte("hello"))
	data, ok := c.Get(1)
	if !ok || string(data) != "hello" {
		t.Fatalf("expected hit with 'hello', got %q ok=%v", data, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestSegmentCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewSegmentCache(2, nil)
	c.Set(1, []byte("a"))
	c.Set(2, []byte("b"))
	c.Get(1) // promote 1, leaving 2 as LRU victim
	c.Set(3, []byte("c"))

	if _, ok := c.Get(2); ok {
		t.Error("expected sequence 2 to have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("expected sequence 1 (recently used) to survive")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("expected newly-inserted sequence 3 to be present")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestSegmentCache_SkipsLiveVictim(t *testing.T) {
	live := map[uint64]bool{2: true}
	c := NewSegmentCache(2, func(seq uint64) bool { return live[seq] })

	c.Set(1, []byte("a"))
	c.Set(2, []byte("b")) // still "live", protected from eviction
	c.Get(2)              // also touches 2, but the live check matters more
	c.Set(3, []byte("c")) // must evict 1, not the live sequence 2

	if _, ok := c.Get(1); ok {
		t.Error("expected sequence 1 to be evicted instead of the live sequence")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("expected the still-live sequence 2 to survive eviction")
	}
}

func TestSegmentCache_Remove(t *testing.T) {
	c := NewSegmentCache(10, nil)
	c.Set(5, []byte("x"))
	c.Remove(5)
	if _, ok := c.Get(5); ok {
		t.Error("expected sequence 5 to be gone after Remove")
	}
}
