// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alloc implements the persistent allocator header: the root
// object anchored at a fixed offset in a store.Store that ties together
// the cell primitive and the free-list engine into Init/Reinit/Allocate/
// Deallocate/Reallocate/Reset and the growth/low-memory protocol.
//
// An *Allocator is not safe for concurrent use. It assumes a single
// logical executor, matching the backing store it wraps: if two
// Allocator values are ever constructed over the same offset (possible
// via Reinit), behavior is undefined.
package alloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/famouscat8/ic-stable-memory/cell"
	"github.com/famouscat8/ic-stable-memory/freelist"
	"github.com/famouscat8/ic-stable-memory/store"
)

// Magic identifies a valid allocator header on reattach.
var Magic = [4]byte{'S', 'M', 'A', 'M'}

// NumClasses is the number of segregated free-list size classes.
const NumClasses = freelist.NumClasses

// CustomPtrCount is the number of opaque user-extensible pointers carried
// in the header, e.g. roots of higher-level persisted collections.
const CustomPtrCount = 4

// DefaultMaxAllocationPages is the default free-buffer target: ~11.25 MiB,
// matching the original's 180-page default.
const DefaultMaxAllocationPages = 180

// DefaultMaxGrowPages is the default hard cap on total pages; 0 means
// unlimited.
const DefaultMaxGrowPages = 0

// CellMinPayload is the smallest payload Allocate will ever hand out.
const CellMinPayload = cell.MinPayload

// Header field offsets, in bytes from the start of the header cell's
// payload. customPtrs is placed strictly after maxGrowPages: the source
// this allocator is modeled on computed this offset in a way that
// overlapped maxGrowPages; this layout avoids that by construction (see
// TestHeaderLayoutOffsets).
const (
	magicOffset          = 0
	magicLen             = 4
	classHeadsOffset     = magicOffset + magicLen
	classHeadsLen        = NumClasses * cell.PtrSize
	allocatedBytesOffset = classHeadsOffset + classHeadsLen
	freeBytesOffset      = allocatedBytesOffset + 8
	maxAllocPagesOffset  = freeBytesOffset + 8
	onLowFiredOffset     = maxAllocPagesOffset + 8
	maxGrowPagesOffset   = onLowFiredOffset + 1
	customPtrsOffset     = maxGrowPagesOffset + 8
	customPtrsLen        = CustomPtrCount * 8

	// HeaderPayloadSize is the fixed payload size of the header cell.
	HeaderPayloadSize = customPtrsOffset + customPtrsLen
)

// ErrOutOfMemory is returned (wrapped, with a size diagnostic) when every
// size class is exhausted and growth is capped or refused. Allocate
// panics with it: the allocator backs a persistent store, so a half
// satisfied allocation would leave the store inconsistent.
var ErrOutOfMemory = errors.New("alloc: out of memory")

// ErrReattachMismatch is the (non-panicking) reason Reinit returns ok=false:
// the candidate offset does not hold a valid, previously Init-ed header.
var ErrReattachMismatch = errors.New("alloc: reattach mismatch")

// SearchMode controls how pop_allocatable searches size classes above the
// ideal one once that class's own list yields no fit.
type SearchMode int

const (
	// SearchFast inspects only the head of each higher class, matching the
	// allocator's original performance envelope. This is the default.
	SearchFast SearchMode = iota
	// SearchConservative walks each higher class's full list before giving
	// up, trading latency for never missing a cell that is merely not at
	// the head of its class.
	SearchConservative
)

// LowMemoryHandler is invoked, on its own goroutine, the first time growth
// is refused or capped. It is fire-and-forget: the allocator never waits
// for it and never inherits its context from the call that triggered it.
type LowMemoryHandler func(ctx context.Context)

// Allocator is a handle onto a persisted allocator header. Its in-memory
// state is the store, the header cell handle, and the options it was
// constructed with (logger, low-memory handler, search mode); all
// allocator state -- size-class heads, counters, tuning knobs -- is read from
// and written to the store on every access, so a fresh Allocator built via
// Reinit continues exactly where a previous process left off.
type Allocator struct {
	s          store.Store
	header     cell.Cell
	log        zerolog.Logger
	lowMemFn   LowMemoryHandler
	searchMode SearchMode
}

// Option configures an Allocator at Init or Reinit time.
type Option func(*Allocator)

// WithLogger attaches a zerolog.Logger for growth and low-memory
// diagnostics. The default is a no-op logger, so library consumers pay
// nothing unless they opt in.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// WithLowMemoryHandler registers the callback invoked when the store
// refuses or is capped from growing further.
func WithLowMemoryHandler(fn LowMemoryHandler) Option {
	return func(a *Allocator) { a.lowMemFn = fn }
}

// WithSearchMode overrides the default SearchFast pop_allocatable search.
func WithSearchMode(m SearchMode) Option {
	return func(a *Allocator) { a.searchMode = m }
}

// Slice is a handle to an allocated region, returned by Allocate and
// consumed by Deallocate/Reallocate. Higher-level persisted types
// (pcell.Cell, pvector.Vector, pheap.Heap) are built directly on Slice.
type Slice struct {
	c cell.Cell
}

// Ptr is the slice's offset in the backing store.
func (sl Slice) Ptr() uint64 { return sl.c.Ptr() }

// Size is the usable payload size; it may exceed the size requested from
// Allocate/Reallocate.
func (sl Slice) Size() uint64 { return sl.c.PayloadSize() }

func (sl Slice) Write(offset uint64, data []byte)     { sl.c.Write(offset, data) }
func (sl Slice) Read(offset uint64, data []byte)      { sl.c.Read(offset, data) }
func (sl Slice) WriteWord(offset uint64, word uint64) { sl.c.WriteWord(offset, word) }
func (sl Slice) ReadWord(offset uint64) uint64         { return sl.c.ReadWord(offset) }

// SliceFromPtr reconstructs a Slice handle from a previously allocated
// pointer (e.g. one persisted in a custom header pointer). It panics if
// the pointer does not name an allocated cell -- a corrupted custom
// pointer is an invariant violation, not a recoverable condition.
func SliceFromPtr(s store.Store, ptr uint64) Slice {
	c, ok := cell.FromPtr(s, ptr, cell.SideStart)
	if !ok {
		panic(fmt.Errorf("%w: no cell at ptr %d", cell.ErrInvariantViolation, ptr))
	}
	c.AssertAllocated(true)
	return Slice{c: c}
}

// Init constructs a brand-new allocator header at offset and tiles the
// rest of the store with one large free cell. The caller must have
// already grown the store to at least one page. Init must run at most
// once per backing store; running it again discards all existing
// allocations.
func Init(s store.Store, offset uint64, opts ...Option) *Allocator {
	headerCell := cell.New(s, offset, HeaderPayloadSize, true)
	a := &Allocator{s: s, header: headerCell, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	a.writeMagic()
	a.Reset()
	return a
}

// Reinit reattaches to an existing allocator header after a process
// restart. It performs no mutation: the persisted free lists and counters
// are trusted as-is. It returns ok=false (never panicking) if offset does
// not hold a previously Init-ed header of the expected size and magic.
func Reinit(s store.Store, offset uint64, opts ...Option) (*Allocator, bool) {
	headerCell, ok := cell.FromPtr(s, offset, cell.SideStart)
	if !ok || headerCell.PayloadSize() != HeaderPayloadSize || !headerCell.Allocated() {
		return nil, false
	}

	a := &Allocator{s: s, header: headerCell, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	var magic [4]byte
	a.header.Read(magicOffset, magic[:])
	if magic != Magic {
		return nil, false
	}

	return a, true
}

func (a *Allocator) writeMagic() {
	a.header.Write(magicOffset, Magic[:])
}

// Allocate returns a freshly zeroed Slice of at least requestedSize
// payload bytes, allocated and tiled into the backing store. It panics,
// wrapping ErrOutOfMemory, if no size class (after growth is attempted)
// can satisfy the request.
func (a *Allocator) Allocate(requestedSize uint64) Slice {
	size := requestedSize
	if size < CellMinPayload {
		size = CellMinPayload
	}

	a.ensureFreeBuffer()

	c, err := a.popAllocatable(size)
	if err != nil {
		panic(fmt.Errorf("%w: requested %d bytes; grown %d bytes, allocated %d bytes, free %d bytes",
			err, requestedSize, a.s.SizePages()*store.PageSize, a.AllocatedSize(), a.FreeSize()))
	}

	a.ensureFreeBuffer()

	c.Zero()
	return Slice{c: c}
}

// Deallocate returns sl's cell to the free lists, coalescing with any
// free physical neighbors. It panics if sl is not currently allocated.
func (a *Allocator) Deallocate(sl Slice) {
	c := sl.c
	c.AssertAllocated(true)
	c.SetAllocated(false)

	a.setAllocatedBytes(a.AllocatedSize() - c.TotalSize())
	freelist.CoalesceAndPush(a, c)
}

// Reallocate resizes sl to newSize bytes out-of-place: the old payload is
// copied into a new allocation (truncated or zero-padded as needed) and
// the old cell is freed. No in-place growth is attempted; this mirrors a
// known, deliberately unaddressed optimization opportunity in the
// allocator this package is modeled on.
func (a *Allocator) Reallocate(sl Slice, newSize uint64) Slice {
	old := sl.c
	buf := make([]byte, old.PayloadSize())
	old.Read(0, buf)

	a.Deallocate(sl)
	next := a.Allocate(newSize)

	n := uint64(len(buf))
	if n > next.Size() {
		n = next.Size()
	}
	next.Write(0, buf[:n])

	return next
}

// Reset discards all existing allocations: it clears every size-class
// head and custom pointer, zeroes the byte counters, restores default
// tuning knobs, and re-tiles the store (after the header) as one large
// free cell.
func (a *Allocator) Reset() {
	for id := 0; id < NumClasses; id++ {
		a.SetClassHead(id, freelist.EmptyPtr, false)
	}
	for idx := 0; idx < CustomPtrCount; idx++ {
		a.SetCustomDataPtr(idx, freelist.EmptyPtr)
	}

	a.setAllocatedBytes(0)
	a.setFreeBytesRaw(0)
	a.SetMaxAllocationPages(DefaultMaxAllocationPages)
	a.SetMaxGrowPages(DefaultMaxGrowPages)
	a.setOnLowFired(false)

	totalBytes := a.s.SizePages() * store.PageSize
	nextPtr := a.header.NextNeighborPtr()
	if totalBytes > nextPtr {
		free := cell.NewTotalSize(a.s, nextPtr, totalBytes-nextPtr, false)
		freelist.Push(a, free)
	}
}

// popAllocatable implements the segregated-fit search: first-fit within
// the ideal class, then an upward probe of higher classes per searchMode.
func (a *Allocator) popAllocatable(size uint64) (cell.Cell, error) {
	id := freelist.ClassID(size)

	if c, ok := a.firstFitInClass(id, size); ok {
		freelist.Eject(a, id, c)
		if first, remainder, split := c.Split(size); split {
			freelist.Push(a, remainder)
			c = first
		}
		c.SetAllocated(true)
		a.setAllocatedBytes(a.AllocatedSize() + c.TotalSize())
		return c, nil
	}

	for higher := id + 1; higher < NumClasses; higher++ {
		c, ok := a.classFit(higher, size)
		if !ok {
			continue
		}

		freelist.Eject(a, higher, c)

		first, remainder, split := c.Split(size)
		if split {
			first.SetAllocated(true)
			freelist.Push(a, remainder)
			a.setAllocatedBytes(a.AllocatedSize() + first.TotalSize())
			return first, nil
		}

		c.SetAllocated(true)
		a.setAllocatedBytes(a.AllocatedSize() + c.TotalSize())
		return c, nil
	}

	return cell.Cell{}, ErrOutOfMemory
}

// firstFitInClass walks class id linearly for the first cell big enough
// to satisfy size. The walk is bounded (every cell is visited at most
// once) but not sorted: sizes within a class may vary.
func (a *Allocator) firstFitInClass(id int, size uint64) (cell.Cell, bool) {
	c, ok := freelist.Head(a, id)
	for ok {
		if c.PayloadSize() >= size {
			return c, true
		}
		c, ok = freelist.Next(a, c)
	}
	return cell.Cell{}, false
}

// classFit looks for a cell of at least size in class id. In SearchFast
// mode (the default, matching the allocator's original behavior) only the
// class head is inspected, trusting that higher classes nominally hold
// larger cells. In SearchConservative mode the whole list is walked.
func (a *Allocator) classFit(id int, size uint64) (cell.Cell, bool) {
	if a.searchMode == SearchConservative {
		return a.firstFitInClass(id, size)
	}

	head, ok := freelist.Head(a, id)
	if !ok || head.PayloadSize() < size {
		return cell.Cell{}, false
	}
	return head, true
}

// --- freelist.Header implementation ---

func (a *Allocator) Store() store.Store { return a.s }
func (a *Allocator) HeaderPtr() uint64   { return a.header.Ptr() }

func (a *Allocator) ClassHead(id int) (uint64, bool) {
	ptr := a.header.ReadWord(classHeadFieldOffset(id))
	return ptr, ptr != freelist.EmptyPtr
}

func (a *Allocator) SetClassHead(id int, ptr uint64, ok bool) {
	if !ok {
		ptr = freelist.EmptyPtr
	}
	a.header.WriteWord(classHeadFieldOffset(id), ptr)
}

func (a *Allocator) FreeBytes() uint64 {
	return a.header.ReadWord(freeBytesOffset)
}

func (a *Allocator) SetFreeBytes(n uint64) { a.setFreeBytesRaw(n) }

func (a *Allocator) setFreeBytesRaw(n uint64) {
	a.header.WriteWord(freeBytesOffset, n)
}

func classHeadFieldOffset(id int) uint64 {
	if id < 0 || id >= NumClasses {
		panic(fmt.Errorf("%w: size class id %d out of range", cell.ErrInvariantViolation, id))
	}
	return classHeadsOffset + uint64(id)*cell.PtrSize
}

// --- counters & tuning knobs ---

// AllocatedSize is the sum of TotalSize() over every currently allocated
// cell.
func (a *Allocator) AllocatedSize() uint64 { return a.header.ReadWord(allocatedBytesOffset) }

func (a *Allocator) setAllocatedBytes(n uint64) { a.header.WriteWord(allocatedBytesOffset, n) }

// FreeSize is the sum of TotalSize() over every currently free cell.
func (a *Allocator) FreeSize() uint64 { return a.FreeBytes() }

// MaxAllocationPages is the free-buffer target: ensureFreeBuffer tries to
// keep at least this many pages' worth of bytes on the free lists.
func (a *Allocator) MaxAllocationPages() uint32 {
	return uint32(a.header.ReadWord(maxAllocPagesOffset))
}

func (a *Allocator) SetMaxAllocationPages(pages uint32) {
	a.header.WriteWord(maxAllocPagesOffset, uint64(pages))
}

// MaxGrowPages is the hard cap on total store pages; 0 means unlimited.
func (a *Allocator) MaxGrowPages() uint64 { return a.header.ReadWord(maxGrowPagesOffset) }

func (a *Allocator) SetMaxGrowPages(pages uint64) {
	a.header.WriteWord(maxGrowPagesOffset, pages)
}

func (a *Allocator) onLowFired() bool {
	var buf [1]byte
	a.header.Read(onLowFiredOffset, buf[:])
	return buf[0] == 1
}

func (a *Allocator) setOnLowFired(fired bool) {
	var buf [1]byte
	if fired {
		buf[0] = 1
	}
	a.header.Write(onLowFiredOffset, buf[:])
}

// CustomDataPtr returns one of the four opaque user pointers, e.g. the
// root of a higher-level persisted collection. idx must be in [0,4).
func (a *Allocator) CustomDataPtr(idx int) uint64 {
	return a.header.ReadWord(customPtrFieldOffset(idx))
}

// SetCustomDataPtr sets custom pointer idx.
func (a *Allocator) SetCustomDataPtr(idx int, ptr uint64) {
	a.header.WriteWord(customPtrFieldOffset(idx), ptr)
}

func customPtrFieldOffset(idx int) uint64 {
	if idx < 0 || idx >= CustomPtrCount {
		panic(fmt.Errorf("%w: custom pointer index %d out of range", cell.ErrInvariantViolation, idx))
	}
	return customPtrsOffset + uint64(idx)*cell.PtrSize
}

