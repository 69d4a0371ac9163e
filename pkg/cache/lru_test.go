package cache

import (
	"fmt"
	"sync"
	"testing"
)

func byteLen(v []byte) uint64 { return uint64(len(v)) }

func TestLRU_GetAdd(t *testing.T) {
	c := New[string, []byte](10, byteLen)

	if _, ok := c.Get("a"); ok {
		t.Fatal("Expected empty cache miss")
	}

	c.Add("a", []byte("1234"))
	c.Add("b", []byte("5678"))
	if v, ok := c.Get("a"); !ok || string(v) != "1234" {
		t.Fatalf("Expected a=1234, got %q ok=%v", v, ok)
	}

	// a was touched last, so b goes first
	c.Add("c", []byte("90"))
	c.Add("d", []byte("xy"))
	if _, ok := c.Get("b"); ok {
		t.Fatal("Expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("Expected %s to be cached", k)
		}
	}

	stats := c.Stats()
	if stats.Entries != 3 || stats.Bytes != 8 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}
	if stats.Hits != 4 || stats.Misses != 2 {
		t.Fatalf("Expected 4 hits and 2 misses, got %+v", stats)
	}
}

func TestLRU_Replace(t *testing.T) {
	c := New[string, []byte](10, byteLen)
	c.Add("a", []byte("12"))
	c.Add("a", []byte("123456"))

	if stats := c.Stats(); stats.Entries != 1 || stats.Bytes != 6 {
		t.Fatalf("Unexpected stats after replace: %+v", stats)
	}
}

func TestLRU_TooHeavy(t *testing.T) {
	c := New[string, []byte](4, byteLen)
	c.Add("a", []byte("12"))
	c.Add("big", []byte("12345"))

	if _, ok := c.Get("big"); ok {
		t.Fatal("Expected oversized value to be skipped")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Expected a to survive")
	}
}

func TestLRU_RemoveFunc(t *testing.T) {
	c := New[int, []byte](100, byteLen)
	for i := 0; i < 10; i++ {
		c.Add(i, []byte("x"))
	}

	c.RemoveFunc(func(k int) bool { return k%2 == 0 })

	for i := 0; i < 10; i++ {
		_, ok := c.Get(i)
		if ok == (i%2 == 0) {
			t.Fatalf("key %d: unexpected presence %v", i, ok)
		}
	}
	if stats := c.Stats(); stats.Bytes != 5 {
		t.Fatalf("Expected 5 bytes left, got %d", stats.Bytes)
	}
}

func TestLRU_Concurrent(t *testing.T) {
	c := New[string, []byte](64, byteLen)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("%d-%d", g, i%20)
				c.Add(k, []byte("abcd"))
				c.Get(k)
			}
		}(g)
	}
	wg.Wait()

	if stats := c.Stats(); stats.Bytes > 64 {
		t.Fatalf("cache grew past capacity: %+v", stats)
	}
}
