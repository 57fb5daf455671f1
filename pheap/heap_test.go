// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pheap

import (
	"math"
	"sort"
	"testing"

	"github.com/cznic/mathutil"

	"github.com/famouscat8/ic-stable-memory/alloc"
	"github.com/famouscat8/ic-stable-memory/store"
)

func intLess(a, b int) bool { return a < b }

func TestPushPopSortedOrder(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	h := New[int](a, intLess)

	vals := []int{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	for _, v := range vals {
		if err := h.Push(v); err != nil {
			t.Fatalf("Push(%d): %v", v, err)
		}
	}

	sorted := append([]int(nil), vals...)
	sort.Ints(sorted)

	for _, want := range sorted {
		got, ok, err := h.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if !ok {
			t.Fatal("Pop() ok = false before heap drained")
		}
		if got != want {
			t.Fatalf("Pop() = %d, want %d", got, want)
		}
	}

	if _, ok, _ := h.Pop(); ok {
		t.Fatal("Pop() on empty heap returned ok=true")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	h := New[int](a, intLess)

	for _, v := range []int{10, 4, 7} {
		if err := h.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	top, ok, err := h.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok || top != 4 {
		t.Fatalf("Peek() = (%d, %v), want (4, true)", top, ok)
	}
	if h.Len() != 3 {
		t.Fatalf("Len() after Peek = %d, want 3", h.Len())
	}
}

// TestSiftUpUsesLiveValueAfterMultipleSwaps guards the sift-up fix
// directly: it pushes a strictly decreasing run so every insertion
// bubbles all the way to the root through more than one swap, which only
// behaves correctly if each comparison re-reads the value currently at
// the index rather than the originally inserted value.
func TestSiftUpUsesLiveValueAfterMultipleSwaps(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	h := New[int](a, intLess)

	for v := 100; v >= 1; v-- {
		if err := h.Push(v); err != nil {
			t.Fatalf("Push(%d): %v", v, err)
		}
		top, ok, err := h.Peek()
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if !ok || top != v {
			t.Fatalf("after pushing %d, Peek() = (%d, %v), want (%d, true)", v, top, ok, v)
		}
	}
}

func TestRandomizedPushPopMatchesSortedOrder(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	h := New[int](a, intLess)

	rng, err := mathutil.NewFC32(1, math.MaxInt16, true)
	if err != nil {
		t.Fatalf("mathutil.NewFC32: %v", err)
	}
	rng.Seed(7)

	const n = 500
	vals := make([]int, n)
	for i := range vals {
		vals[i] = rng.Next()
		if err := h.Push(vals[i]); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	sort.Ints(vals)
	for i, want := range vals {
		got, ok, err := h.Pop()
		if err != nil {
			t.Fatalf("Pop at %d: %v", i, err)
		}
		if !ok || got != want {
			t.Fatalf("Pop() at %d = (%d, %v), want (%d, true)", i, got, ok, want)
		}
	}
}

func TestFromPtrReattaches(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	h := New[int](a, intLess)

	for _, v := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		if err := h.Push(v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	ptr := h.Ptr()

	reattached := FromPtr[int](a, ptr, intLess)
	if reattached.Len() != h.Len() {
		t.Fatalf("reattached.Len() = %d, want %d", reattached.Len(), h.Len())
	}
	top, ok, err := reattached.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok || top != 1 {
		t.Fatalf("Peek() via FromPtr = (%d, %v), want (1, true)", top, ok)
	}
}
