// Package slab implements the free-list-backed handle tables used to map a
// dense integer index to a bypass-socket or bypass-epoll object. Allocation
// takes the head of an embedded next-free chain in O(1); deallocation
// prepends onto that chain, so the most recently freed index is reused
// first (not necessarily the smallest free one). Growth is amortised doubling
// courtesy of Go's slice append, and existing indices stay valid across
// growth because elements are addressed by index, never by pointer into the
// backing array.
package slab

import "sync"

type slot[T any] struct {
	value T
	used  bool
	next  int // index of next free slot, or -1
}

// Table is a slab allocator mapping a dense index to a value of type T.
//
// The translation engine itself is single-threaded cooperative (only the
// calling goroutine ever mutates a Table), but the Redis introspection
// snapshot in this repo reads Len (through Shim.Stats) from its own
// goroutine, so access is still guarded by a mutex for memory-model
// correctness rather than mutual exclusion against concurrent mutators.
type Table[T any] struct {
	mu       sync.RWMutex
	entries  []slot[T]
	freeHead int
	count    int
}

// New returns an empty Table ready for use.
func New[T any]() *Table[T] {
	return &Table[T]{freeHead: -1}
}

// Alloc installs value at the most recently freed index, or at a new index
// past the end when none is free, and returns that index.
func (t *Table[T]) Alloc(value T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	if t.freeHead != -1 {
		idx := t.freeHead
		t.freeHead = t.entries[idx].next
		t.entries[idx] = slot[T]{value: value, used: true, next: -1}
		return idx
	}

	t.entries = append(t.entries, slot[T]{value: value, used: true, next: -1})
	return len(t.entries) - 1
}

// Get returns the value at idx and whether idx currently refers to a live
// entry. A stale or out-of-range idx returns the zero value and false.
func (t *Table[T]) Get(idx int) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	if idx < 0 || idx >= len(t.entries) || !t.entries[idx].used {
		return zero, false
	}
	return t.entries[idx].value, true
}

// Set overwrites the value at idx in place, leaving free-list linkage
// untouched. idx must refer to a live entry.
func (t *Table[T]) Set(idx int, value T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[idx].value = value
}

// Free returns idx to the free list. Freeing an already-free or
// out-of-range idx is a no-op.
func (t *Table[T]) Free(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || idx >= len(t.entries) || !t.entries[idx].used {
		return
	}
	var zero T
	t.entries[idx] = slot[T]{value: zero, used: false, next: t.freeHead}
	t.freeHead = idx
	t.count--
}

// Len returns the number of currently live (allocated, not yet freed)
// entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Each calls fn for every currently live entry, in index order. fn must not
// call back into the Table (Alloc/Free/Set) — Each holds the read lock for
// its duration.
func (t *Table[T]) Each(fn func(idx int, value T)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for idx, s := range t.entries {
		if s.used {
			fn(idx, s.value)
		}
	}
}
