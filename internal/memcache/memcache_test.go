package memcache

import (
	"fmt"
	"testing"
)

func TestPutGetPeek(t *testing.T) {
	c := New(8)

	c.Put("a.jpg", []byte("aaaa"))
	if got, ok := c.Get("a.jpg"); !ok || string(got) != "aaaa" {
		t.Errorf("Get(a.jpg) = %q, %v", got, ok)
	}
	if got, ok := c.Peek("a.jpg"); !ok || string(got) != "aaaa" {
		t.Errorf("Peek(a.jpg) = %q, %v", got, ok)
	}
	if _, ok := c.Peek("missing"); ok {
		t.Error("Peek(missing) should miss")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	c := New(8)
	c.Put("a", []byte{1, 2, 3})

	got, _ := c.Get("a")
	got[0] = 99
	again, _ := c.Get("a")
	if again[0] != 1 {
		t.Error("Get must clone bytes out of the cache")
	}
}

func TestByteAccounting(t *testing.T) {
	c := New(16)

	c.Put("a", make([]byte, 100))
	c.Put("b", make([]byte, 200))
	if c.Bytes() != 300 {
		t.Errorf("Bytes() = %d, want 300", c.Bytes())
	}

	// Replacement adjusts, not accumulates
	c.Put("a", make([]byte, 50))
	if c.Bytes() != 250 {
		t.Errorf("Bytes() after replace = %d, want 250", c.Bytes())
	}

	c.Remove("b")
	if c.Bytes() != 50 {
		t.Errorf("Bytes() after remove = %d, want 50", c.Bytes())
	}

	c.Clear()
	if c.Bytes() != 0 || c.Len() != 0 {
		t.Errorf("Bytes()=%d Len()=%d after clear, want 0, 0", c.Bytes(), c.Len())
	}
}

func TestRemoveAccountsBytesOnce(t *testing.T) {
	c := New(8)
	c.Put("a", make([]byte, 1000))

	if !c.Remove("a") {
		t.Fatal("Remove() = false for a resident entry")
	}
	if c.Bytes() != 0 {
		t.Errorf("Bytes() after remove = %d, want 0", c.Bytes())
	}
	if c.Remove("a") {
		t.Error("Remove() = true for an absent entry")
	}
	if c.Bytes() != 0 {
		t.Errorf("Bytes() after double remove = %d, want 0", c.Bytes())
	}

	// A negative ledger would make the cleanup threshold unreachable
	c.Put("b", make([]byte, 1000))
	if c.Bytes() != 1000 {
		t.Errorf("Bytes() after re-insert = %d, want 1000", c.Bytes())
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(2)
	c.Put("a", make([]byte, 10))
	c.Put("b", make([]byte, 10))
	c.Put("c", make([]byte, 10))

	if c.Contains("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Error("newer entries should survive")
	}
	if c.Bytes() != 20 {
		t.Errorf("Bytes() = %d, want 20 after capacity eviction", c.Bytes())
	}
}

func TestGetUpdatesRecencyPeekDoesNot(t *testing.T) {
	c := New(2)
	c.Put("a", []byte("a"))
	c.Put("b", []byte("b"))

	// Touch "a" so "b" becomes the LRU victim
	c.Get("a")
	c.Put("c", []byte("c"))
	if !c.Contains("a") || c.Contains("b") {
		t.Error("Get should have promoted a over b")
	}

	c2 := New(2)
	c2.Put("a", []byte("a"))
	c2.Put("b", []byte("b"))

	// Peek must not promote
	c2.Peek("a")
	c2.Put("c", []byte("c"))
	if c2.Contains("a") {
		t.Error("Peek must not update recency")
	}
}

func TestCleanupReturnsUnderBudget(t *testing.T) {
	c := New(64)
	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("thumb-%02d", i), make([]byte, 1000))
	}
	if c.Bytes() != 20000 {
		t.Fatalf("Bytes() = %d, want 20000", c.Bytes())
	}

	stats := c.Cleanup(5000, 85, 12)
	if stats.EvictedEntries == 0 {
		t.Fatal("Cleanup should have evicted entries")
	}
	if c.Bytes() > 5000 {
		t.Errorf("Bytes() = %d after cleanup, want <= 5000", c.Bytes())
	}

	// Most-recently-used entries survive
	for i := 16; i < 20; i++ {
		key := fmt.Sprintf("thumb-%02d", i)
		if !c.Contains(key) {
			t.Errorf("recent entry %s should survive cleanup", key)
		}
	}
}

func TestCleanupBelowThresholdNoop(t *testing.T) {
	c := New(8)
	c.Put("a", make([]byte, 100))

	stats := c.Cleanup(1000, 85, 12)
	if stats.EvictedEntries != 0 {
		t.Errorf("Cleanup under threshold evicted %d entries, want 0", stats.EvictedEntries)
	}
	if !c.Contains("a") {
		t.Error("entry should survive a no-op cleanup")
	}
}
