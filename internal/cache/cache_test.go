package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryCache_PutGet(t *testing.T) {
	c := NewMemoryCache(10)

	c.Put("node:abc", "value")
	got, ok := c.Get("node:abc")
	if !ok || got != "value" {
		t.Fatalf("Get: (%v, %v)", got, ok)
	}

	if _, ok := c.Get("node:missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestMemoryCache_Overwrite(t *testing.T) {
	c := NewMemoryCache(10)

	c.Put("k", 1)
	c.Put("k", 2)
	got, _ := c.Get("k")
	if got != 2 {
		t.Errorf("expected overwritten value, got %v", got)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite grew the cache to %d", c.Len())
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(3)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" is oldest.
	c.Get("a")
	c.Put("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %s evicted unexpectedly", key)
		}
	}
	if c.Len() != 3 {
		t.Errorf("len: %d", c.Len())
	}
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewMemoryCache(10)

	c.Put("k", 1)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Error("invalidated entry still present")
	}

	// Invalidating an absent key is a no-op.
	c.Invalidate("absent")
}

func TestMemoryCache_Disabled(t *testing.T) {
	c := NewMemoryCache(0)

	c.Put("k", 1)
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache stored an entry")
	}
	if c.Len() != 0 {
		t.Errorf("len: %d", c.Len())
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(100)
	done := make(chan struct{})

	for worker := 0; worker < 8; worker++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", worker, i%20)
				c.Put(key, i)
				c.Get(key)
				if i%7 == 0 {
					c.Invalidate(key)
				}
			}
		}(worker)
	}
	for worker := 0; worker < 8; worker++ {
		<-done
	}

	if c.Len() > 100 {
		t.Errorf("cache exceeded bound: %d", c.Len())
	}
}

func TestKeys(t *testing.T) {
	if KeyForNode("abc") != "node:abc" {
		t.Errorf("node key: %s", KeyForNode("abc"))
	}
	if KeyForDataSource("abc") != "data_source:abc" {
		t.Errorf("data source key: %s", KeyForDataSource("abc"))
	}
	// Distinct namespaces for the same id.
	if KeyForNode("x") == KeyForDataSource("x") {
		t.Error("key namespaces collide")
	}
}

func TestStale(t *testing.T) {
	now := time.Now()

	if Stale(now, now) {
		t.Error("same timestamp reported stale")
	}
	if !Stale(now.Add(-time.Second), now) {
		t.Error("older cache entry not stale")
	}
	if Stale(now.Add(time.Second), now) {
		t.Error("newer cache entry reported stale")
	}
}
