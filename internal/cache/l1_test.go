package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestL1EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewL1(3, 1<<20)
	c.Set("k1", []byte("v1"), 0)
	c.Set("k2", []byte("v2"), 0)
	c.Set("k3", []byte("v3"), 0)

	// Touch k1 so k2 becomes the LRU entry, then overflow.
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("k1 missing before overflow")
	}
	c.Set("k4", []byte("v4"), 0)

	if _, ok := c.Get("k2"); ok {
		t.Error("k2 should have been evicted")
	}
	for _, k := range []string{"k1", "k3", "k4"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should survive", k)
		}
	}
}

func TestL1CountCap(t *testing.T) {
	c := NewL1(5, 1<<20)
	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	if got := c.Len(); got != 5 {
		t.Errorf("Len = %d, want 5", got)
	}
}

func TestL1MemoryCap(t *testing.T) {
	c := NewL1(100, 1000)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), make([]byte, 200), 300)
	}
	if got := c.Bytes(); got > 1000 {
		t.Errorf("Bytes = %d, exceeds cap 1000", got)
	}
	// 1000/300 = 3 entries fit.
	if got := c.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
	// The survivors are the most recent.
	for _, k := range []string{"k7", "k8", "k9"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should survive", k)
		}
	}
}

func TestL1OversizedValueNotCached(t *testing.T) {
	c := NewL1(10, 100)
	c.Set("small", []byte("v"), 10)
	c.Set("huge", make([]byte, 500), 500)
	if _, ok := c.Get("huge"); ok {
		t.Error("value larger than the byte budget was cached")
	}
	if _, ok := c.Get("small"); !ok {
		t.Error("small entry was collateral damage")
	}
}

func TestL1UpdateExisting(t *testing.T) {
	c := NewL1(10, 1000)
	c.Set("k", []byte("old"), 100)
	c.Set("k", []byte("new"), 200)
	v, ok := c.Get("k")
	if !ok || string(v) != "new" {
		t.Fatalf("Get = %q, %v; want new", v, ok)
	}
	if got := c.Bytes(); got != 200 {
		t.Errorf("Bytes = %d after update, want 200", got)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len = %d after update, want 1", got)
	}
}

func TestL1DeleteAndClear(t *testing.T) {
	c := NewL1(10, 1000)
	c.Set("a", []byte("1"), 100)
	c.Set("b", []byte("2"), 100)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a survived delete")
	}
	if got := c.Bytes(); got != 100 {
		t.Errorf("Bytes = %d after delete, want 100", got)
	}
	c.Clear()
	if c.Len() != 0 || c.Bytes() != 0 {
		t.Errorf("Len=%d Bytes=%d after clear", c.Len(), c.Bytes())
	}
}

func TestL1ConcurrentAccess(t *testing.T) {
	c := NewL1(64, 1<<20)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d", i%32)
				c.Set(k, []byte{byte(g)}, 0)
				c.Get(k)
				if i%50 == 0 {
					c.Delete(k)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Errorf("Len = %d exceeds capacity", c.Len())
	}
}
