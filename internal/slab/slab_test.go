package slab

import "testing"

func TestAllocReturnsSmallestFreeIndex(t *testing.T) {
	tb := New[string]()

	a := tb.Alloc("a")
	b := tb.Alloc("b")
	c := tb.Alloc("c")
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("expected dense 0,1,2 got %d,%d,%d", a, b, c)
	}

	tb.Free(b)
	d := tb.Alloc("d")
	if d != b {
		t.Fatalf("expected reuse of freed index %d, got %d", b, d)
	}

	if got, ok := tb.Get(a); !ok || got != "a" {
		t.Fatalf("Get(a) = %q, %v", got, ok)
	}
	if got, ok := tb.Get(d); !ok || got != "d" {
		t.Fatalf("Get(d) = %q, %v", got, ok)
	}
}

func TestFreeThenGetMisses(t *testing.T) {
	tb := New[int]()
	idx := tb.Alloc(42)
	tb.Free(idx)

	if _, ok := tb.Get(idx); ok {
		t.Fatalf("Get after Free should miss")
	}
	if n := tb.Len(); n != 0 {
		t.Fatalf("Len() = %d after freeing only entry, want 0", n)
	}
}

func TestIndicesStableAcrossGrowth(t *testing.T) {
	tb := New[int]()
	indices := make([]int, 0, 256)
	for i := 0; i < 256; i++ {
		indices = append(indices, tb.Alloc(i))
	}
	for i, idx := range indices {
		if got, ok := tb.Get(idx); !ok || got != i {
			t.Fatalf("index %d (value %d) not stable after growth: got %d, %v", idx, i, got, ok)
		}
	}
	if n := tb.Len(); n != 256 {
		t.Fatalf("Len() = %d, want 256", n)
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	tb := New[int]()
	idx := tb.Alloc(1)
	tb.Free(idx)
	tb.Free(idx) // must not corrupt the free list
	a := tb.Alloc(2)
	b := tb.Alloc(3)
	if a == b {
		t.Fatalf("double free corrupted free list: both allocs got %d", a)
	}
}
