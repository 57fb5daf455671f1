// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pvector

import (
	"testing"

	"github.com/famouscat8/ic-stable-memory/alloc"
	"github.com/famouscat8/ic-stable-memory/store"
)

func TestPushGetRoundTrip(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)

	v := New[int](a)
	for i := 0; i < 100; i++ {
		if err := v.Push(i * i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	if v.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", v.Len())
	}

	for i := 0; i < 100; i++ {
		got, err := v.Get(uint64(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got != i*i {
			t.Fatalf("Get(%d) = %d, want %d", i, got, i*i)
		}
	}
}

func TestSetOverwrites(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)

	v := New[string](a)
	for i := 0; i < 8; i++ {
		if err := v.Push("x"); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	if err := v.Set(3, "replaced"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := v.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "replaced" {
		t.Fatalf("Get(3) = %q, want %q", got, "replaced")
	}
}

func TestPopReturnsLIFOOrder(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)

	v := New[int](a)
	for i := 1; i <= 5; i++ {
		if err := v.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for want := 5; want >= 1; want-- {
		got, ok, err := v.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if !ok {
			t.Fatalf("Pop() ok = false, want true at want=%d", want)
		}
		if got != want {
			t.Fatalf("Pop() = %d, want %d", got, want)
		}
	}

	if _, ok, _ := v.Pop(); ok {
		t.Fatal("Pop() on empty vector returned ok=true")
	}
}

func TestGetOutOfRangePanics(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)
	v := New[int](a)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Get out of range to panic")
		}
	}()
	v.Get(0)
}

func TestFromPtrReattaches(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)

	v := New[int](a)
	for i := 0; i < 10; i++ {
		if err := v.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	ptr := v.Ptr()

	reattached := FromPtr[int](a, ptr)
	if reattached.Len() != 10 {
		t.Fatalf("reattached.Len() = %d, want 10", reattached.Len())
	}
	got, err := reattached.Get(9)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 9 {
		t.Fatalf("Get(9) = %d, want 9", got)
	}
}

func TestPushGrowsPastInitialCapacity(t *testing.T) {
	s := store.NewMemory(1)
	a := alloc.Init(s, 0)

	v := New[int](a)
	const n = 500
	for i := 0; i < n; i++ {
		if err := v.Push(i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if v.Len() != n {
		t.Fatalf("Len() = %d, want %d", v.Len(), n)
	}
	for i := 0; i < n; i += 37 {
		got, err := v.Get(uint64(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got != i {
			t.Fatalf("Get(%d) = %d, want %d", i, got, i)
		}
	}
}
