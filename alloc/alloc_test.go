// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alloc

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cznic/mathutil"

	"github.com/famouscat8/ic-stable-memory/freelist"
	"github.com/famouscat8/ic-stable-memory/store"
)

// TestHeaderLayoutOffsets guards the custom-pointer-offset fix: every
// header field's byte range must be disjoint from every other's.
func TestHeaderLayoutOffsets(t *testing.T) {
	type span struct {
		name        string
		start, size uint64
	}
	spans := []span{
		{"magic", magicOffset, magicLen},
		{"classHeads", classHeadsOffset, classHeadsLen},
		{"allocatedBytes", allocatedBytesOffset, 8},
		{"freeBytes", freeBytesOffset, 8},
		{"maxAllocPages", maxAllocPagesOffset, 8},
		{"onLowFired", onLowFiredOffset, 1},
		{"maxGrowPages", maxGrowPagesOffset, 8},
		{"customPtrs", customPtrsOffset, customPtrsLen},
	}

	for i, a := range spans {
		for j, b := range spans {
			if i == j {
				continue
			}
			aEnd, bEnd := a.start+a.size, b.start+b.size
			overlap := a.start < bEnd && b.start < aEnd
			if overlap {
				t.Fatalf("field %q [%d,%d) overlaps field %q [%d,%d)", a.name, a.start, aEnd, b.name, b.start, bEnd)
			}
		}
	}

	if customPtrsOffset <= maxGrowPagesOffset {
		t.Fatalf("customPtrs at %d must come strictly after maxGrowPages at %d", customPtrsOffset, maxGrowPagesOffset)
	}
}

// Scenario 1: init and one alloc.
func TestInitAndOneAlloc(t *testing.T) {
	s := store.NewMemory(1)
	a := Init(s, 0)

	c := a.Allocate(1024)
	if c.Size() < 1024 {
		t.Fatalf("c.Size() = %d, want >= 1024", c.Size())
	}
	if a.AllocatedSize() < 1048 {
		t.Fatalf("AllocatedSize() = %d, want >= 1048", a.AllocatedSize())
	}

	total := a.FreeSize() + a.AllocatedSize() + HeaderPayloadSize + 2*8
	if total != store.PageSize {
		t.Fatalf("free+allocated+header = %d, want %d", total, store.PageSize)
	}
}

// Scenario 2: 1024 allocations, reallocate all, free all.
func Test1024AllocationsReallocateFree(t *testing.T) {
	s := store.NewMemory(1)
	a := Init(s, 0)
	a.SetMaxGrowPages(0)

	var slices []Slice
	var prevAllocated uint64
	for i := 0; i < 1024; i++ {
		sl := a.Allocate(1024)
		if a.AllocatedSize() <= prevAllocated {
			t.Fatalf("AllocatedSize() did not increase at i=%d", i)
		}
		prevAllocated = a.AllocatedSize()
		slices = append(slices, sl)
	}

	if a.AllocatedSize() < 1024*1024 {
		t.Fatalf("AllocatedSize() = %d, want >= %d", a.AllocatedSize(), 1024*1024)
	}

	for i, sl := range slices {
		sl = a.Reallocate(sl, 2*1024)
		if sl.Size() < 2*1024 {
			t.Fatalf("reallocated size at %d = %d, want >= %d", i, sl.Size(), 2*1024)
		}
		slices[i] = sl
	}

	if a.AllocatedSize() < 2*1024*1024 {
		t.Fatalf("AllocatedSize() after realloc = %d, want >= %d", a.AllocatedSize(), 2*1024*1024)
	}

	for _, sl := range slices {
		a.Deallocate(sl)
	}

	if a.AllocatedSize() != 0 {
		t.Fatalf("AllocatedSize() after freeing all = %d, want 0", a.AllocatedSize())
	}
}

// Scenario 3: reattach reproduces the class-head table byte-for-byte.
func TestReattachReproducesClassHeads(t *testing.T) {
	s := store.NewMemory(1)
	a := Init(s, 0)
	a.Allocate(512)

	var before [NumClasses]uint64
	for id := 0; id < NumClasses; id++ {
		before[id] = a.header.ReadWord(classHeadFieldOffset(id))
	}

	// Simulate a process restart: build a fresh Allocator handle over the
	// same store, as a post-restart process would.
	reattached, ok := Reinit(s, 0)
	if !ok {
		t.Fatal("Reinit failed")
	}

	for id := 0; id < NumClasses; id++ {
		got := reattached.header.ReadWord(classHeadFieldOffset(id))
		if got != before[id] {
			t.Fatalf("class %d head = %d after reattach, want %d", id, got, before[id])
		}
	}
}

func TestReinitRejectsBadMagic(t *testing.T) {
	s := store.NewMemory(1)
	Init(s, 0)

	// Corrupt the magic bytes directly.
	s.WriteAt(0+8, []byte{0, 0, 0, 0}) // offset 8 lands inside the header payload region

	if _, ok := Reinit(s, 0); ok {
		t.Fatal("Reinit should fail after the magic bytes are corrupted")
	}
}

// Scenario 4: OOM trigger with a capped store.
func TestOOMTriggerFiresLowMemoryOnce(t *testing.T) {
	s := store.NewMemory(1)

	var fired int32
	notified := make(chan struct{}, 1)
	a := Init(s, 0, WithLowMemoryHandler(func(ctx context.Context) {
		atomic.AddInt32(&fired, 1)
		notified <- struct{}{}
	}))
	a.SetMaxGrowPages(2) // already at 1 page; the very first growth attempt breaches this cap

	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected a panic once the store is truly out of memory")
			}
		}()

		// Allocate in 4 KiB chunks until growth is refused and the class
		// lists are exhausted.
		for i := 0; i < 100000; i++ {
			a.Allocate(4096)
		}
	}()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("low-memory handler never ran")
	}

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("low-memory handler fired %d times, want exactly 1", got)
	}
}

// Scenario 5: coalesce pattern -- allocate A, B, C; free A, then C, then B;
// after freeing B the three must merge into one cell.
func TestCoalescePattern(t *testing.T) {
	s := store.NewMemory(4)
	a := Init(s, 0)

	sa := a.Allocate(256)
	sb := a.Allocate(256)
	sc := a.Allocate(256)
	// Keep C from bordering the free tail of the store, which would
	// otherwise coalesce into the merged cell as well.
	spacer := a.Allocate(256)
	_ = spacer

	wantTotal := cellTotalSize(sa) + cellTotalSize(sb) + cellTotalSize(sc)

	a.Deallocate(sa)
	a.Deallocate(sc)
	a.Deallocate(sb)

	id := freelist.ClassID(wantTotal - 2*8)
	found := false
	for cid := id; cid < NumClasses && !found; cid++ {
		c, ok := freelist.Head(a, cid)
		for ok {
			if c.TotalSize() == wantTotal {
				found = true
				break
			}
			c, ok = freelist.Next(a, c)
		}
	}
	if !found {
		t.Fatalf("expected a single merged free cell of total size %d", wantTotal)
	}
}

func cellTotalSize(sl Slice) uint64 { return sl.Size() + 2*8 }

func TestConservativeSearchFindsBuriedFit(t *testing.T) {
	s := store.NewMemory(4)
	a := Init(s, 0, WithSearchMode(SearchConservative))

	// Build two free cells that land in the same size class, flanked by
	// allocated spacers so Deallocate's coalescing cannot merge them back
	// together or into the large tail remainder. bigCell is freed first
	// (and so ends up second in the list); smallCell is freed last (and
	// so becomes the list head) but is too small to satisfy the request
	// on its own. Both sit in the request's own size class, so the
	// first-fit walk of that class finds bigCell behind the head.
	bigCell := a.Allocate(8000)
	spacer1 := a.Allocate(64)
	smallCell := a.Allocate(4200)
	spacer2 := a.Allocate(64)
	_ = spacer1
	_ = spacer2

	a.Deallocate(bigCell)
	a.Deallocate(smallCell)

	if freelist.ClassID(smallCell.Size()) != freelist.ClassID(bigCell.Size()) {
		t.Fatalf("test setup invalid: smallCell and bigCell landed in different size classes")
	}

	got := a.Allocate(6000)
	if got.Size() < 6000 {
		t.Fatalf("Allocate(6000) with SearchConservative returned size %d", got.Size())
	}
}

func TestFastSearchFindsBuriedFitInIdealClass(t *testing.T) {
	s := store.NewMemory(4)
	a := Init(s, 0) // default SearchFast

	bigCell := a.Allocate(8000)
	spacer1 := a.Allocate(64)
	smallCell := a.Allocate(4200)
	spacer2 := a.Allocate(64)
	_ = spacer1
	_ = spacer2

	a.Deallocate(bigCell)
	a.Deallocate(smallCell)

	// SearchFast inspects only the head of classes above the request's
	// own class. Both freed cells sit in the request's own class, whose
	// list is walked first-fit in every search mode, so the fitting cell
	// buried behind the too-small head is still found.
	got := a.Allocate(6000)
	if got.Size() < 6000 {
		t.Fatalf("Allocate(6000) returned size %d", got.Size())
	}
}

func TestReallocateToSmallerPreservesPrefix(t *testing.T) {
	s := store.NewMemory(1)
	a := Init(s, 0)

	sl := a.Allocate(64)
	payload := []byte("0123456789ABCDEF")
	sl.Write(0, payload)

	smaller := a.Reallocate(sl, 16)
	got := make([]byte, len(payload))
	smaller.Read(0, got)
	if string(got) != string(payload) {
		t.Fatalf("Reallocate to smaller size lost data: got %q, want %q", got, payload)
	}
}

// TestRandomizedAllocFreeDrillHoldsInvariants allocates and frees a large
// number of randomly-sized slices drawn from a seeded full-cycle PRNG
// (reduced modulo 512, so sizes do repeat), and checks that the store is
// fully drained and the tiling invariant holds once everything is freed.
func TestRandomizedAllocFreeDrillHoldsInvariants(t *testing.T) {
	s := store.NewMemory(1)
	a := Init(s, 0)

	rng, err := mathutil.NewFC32(1, math.MaxInt16, true)
	if err != nil {
		t.Fatalf("mathutil.NewFC32: %v", err)
	}
	rng.Seed(42)

	var live []Slice
	for i := 0; i < 2000; i++ {
		size := uint64(rng.Next() % 512)
		sl := a.Allocate(size)
		live = append(live, sl)

		if len(live) > 64 {
			a.Deallocate(live[0])
			live = live[1:]
		}
	}

	for _, sl := range live {
		a.Deallocate(sl)
	}

	if a.AllocatedSize() != 0 {
		t.Fatalf("AllocatedSize() after draining drill = %d, want 0", a.AllocatedSize())
	}

	total := a.FreeSize() + a.AllocatedSize() + a.header.TotalSize()
	if total != a.s.SizePages()*store.PageSize {
		t.Fatalf("tiling invariant violated: free+allocated+header = %d, want %d", total, a.s.SizePages()*store.PageSize)
	}
}
