package federation

import (
	"fmt"
	"testing"
	"time"
)

func TestTTLCacheSetGet(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 10)

	if _, ok := c.Get("relay-a.test"); ok {
		t.Error("Get on empty cache reported a hit")
	}

	c.Set("relay-a.test", "https://relay-a.test/federation")
	got, ok := c.Get("relay-a.test")
	if !ok || got != "https://relay-a.test/federation" {
		t.Errorf("Get = (%q, %v), want cached value", got, ok)
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[int](5*time.Millisecond, 10)
	c.Set("peer.test", 1)

	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get("peer.test"); ok {
		t.Error("expired entry still returned")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after expired read, want 0", c.Len())
	}
}

func TestTTLCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 3)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("peer-%d.test", i), i)
	}

	c.Set("peer-3.test", 3)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("peer-0.test"); ok {
		t.Error("oldest entry survived eviction")
	}
	for i := 1; i <= 3; i++ {
		if _, ok := c.Get(fmt.Sprintf("peer-%d.test", i)); !ok {
			t.Errorf("peer-%d.test evicted, want kept", i)
		}
	}
}

func TestTTLCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 2)
	c.Set("a.test", 1)
	c.Set("b.test", 2)
	c.Set("a.test", 3) // refresh in place

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if got, _ := c.Get("a.test"); got != 3 {
		t.Errorf("a.test = %d, want refreshed value 3", got)
	}
	if _, ok := c.Get("b.test"); !ok {
		t.Error("b.test evicted by an overwrite")
	}
}

func TestTTLCacheInvalidate(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 10)
	c.Set("a.test", 1)
	c.Set("b.test", 2)

	c.Invalidate("a.test")
	if _, ok := c.Get("a.test"); ok {
		t.Error("invalidated entry still present")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("Len after InvalidateAll = %d, want 0", c.Len())
	}
}
