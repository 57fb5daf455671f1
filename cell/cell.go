// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cell implements the allocator's unit of allocation: a
// two-sided, boundary-tagged byte range living in a store.Store.
//
// A cell is a contiguous [header | payload | footer] triple. Header and
// footer are identical 8-byte words packing (payloadSize, allocated) so
// that either neighbor can be discovered in O(1) from either direction.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/famouscat8/ic-stable-memory/store"
)

// WordSize is the width of a boundary-tag word (header or footer).
const WordSize = 8

// PtrSize is the width of a persisted pointer (offset into the store).
const PtrSize = 8

// MinPayload is the smallest payload a cell may hold: enough room for a
// free cell's prev/next free-list pointers.
const MinPayload = 2 * PtrSize

const (
	allocatedBit = uint64(1) << 63
	sizeMask     = allocatedBit - 1
)

// ErrInvariantViolation reports corrupted or impossible cell metadata.
// Every cell operation that detects one panics with an error wrapping this
// sentinel; there is no recovery path, per the allocator's design: it backs
// a persistent store, so half-applied mutations would be worse than a crash.
var ErrInvariantViolation = errors.New("cell: invariant violation")

// Side names one of a cell's two physical neighbors.
type Side int

const (
	// SideStart is the neighbor immediately before this cell's header.
	SideStart Side = iota
	// SideEnd is the neighbor immediately after this cell's footer.
	SideEnd
)

// Cell is a handle onto a [header | payload | footer] region of a
// store.Store. It holds no data of its own beyond what was last read from
// or written to the store; multiple Cell values may point at the same
// region, and the caller is responsible for not holding stale handles
// across mutations that move or merge the region.
type Cell struct {
	s           store.Store
	ptr         uint64
	payloadSize uint64
	allocated   bool
}

// New writes matching header/footer words at ptr and returns a handle to
// the resulting cell. It panics if payloadSize is below MinPayload or
// would overflow the allocated-flag bit.
func New(s store.Store, ptr uint64, payloadSize uint64, allocated bool) Cell {
	if payloadSize < MinPayload {
		panic(fmt.Errorf("%w: payload size %d below minimum %d", ErrInvariantViolation, payloadSize, MinPayload))
	}
	if payloadSize > sizeMask {
		panic(fmt.Errorf("%w: payload size %d too large", ErrInvariantViolation, payloadSize))
	}

	writeMeta(s, ptr, payloadSize, allocated)
	writeMeta(s, ptr+WordSize+payloadSize, payloadSize, allocated)

	return Cell{s: s, ptr: ptr, payloadSize: payloadSize, allocated: allocated}
}

// NewTotalSize is New, but sizes the cell by total footprint (header +
// payload + footer) rather than by payload alone.
func NewTotalSize(s store.Store, ptr uint64, totalSize uint64, allocated bool) Cell {
	return New(s, ptr, totalSize-2*WordSize, allocated)
}

// FromPtr reconstructs a cell handle from ptr, which names either the
// cell's first byte (SideStart) or the offset one past its footer
// (SideEnd). It returns ok=false if the decoded metadata is invalid or the
// cell would extend out of the store's current bounds; this is the only
// way neighbor discovery signals "edge of the region".
func FromPtr(s store.Store, ptr uint64, side Side) (Cell, bool) {
	limit := s.SizePages() * store.PageSize
	if ptr >= limit {
		return Cell{}, false
	}

	switch side {
	case SideStart:
		size, allocated, ok := readMeta(s, ptr, limit)
		if !ok || size < MinPayload {
			return Cell{}, false
		}
		if ptr+2*WordSize+size > limit {
			return Cell{}, false
		}
		return Cell{s: s, ptr: ptr, payloadSize: size, allocated: allocated}, true

	case SideEnd:
		if ptr < WordSize {
			return Cell{}, false
		}
		footerPtr := ptr - WordSize
		size, allocated, ok := readMeta(s, footerPtr, limit)
		if !ok || size < MinPayload {
			return Cell{}, false
		}
		if footerPtr < size+WordSize {
			return Cell{}, false
		}
		headerPtr := footerPtr - (size + WordSize)
		return Cell{s: s, ptr: headerPtr, payloadSize: size, allocated: allocated}, true

	default:
		panic(fmt.Errorf("%w: unknown side %d", ErrInvariantViolation, side))
	}
}

func readMeta(s store.Store, ptr uint64, limit uint64) (size uint64, allocated bool, ok bool) {
	if ptr+WordSize > limit {
		return 0, false, false
	}

	var buf [WordSize]byte
	s.ReadAt(ptr, buf[:])
	word := binary.LittleEndian.Uint64(buf[:])

	allocated = word&allocatedBit != 0
	size = word & sizeMask
	return size, allocated, true
}

func writeMeta(s store.Store, ptr uint64, payloadSize uint64, allocated bool) {
	word := payloadSize
	if allocated {
		word |= allocatedBit
	}

	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	s.WriteAt(ptr, buf[:])
}

// Ptr is the offset of the cell's first byte (the header word).
func (c Cell) Ptr() uint64 { return c.ptr }

// PayloadSize is the number of usable payload bytes.
func (c Cell) PayloadSize() uint64 { return c.payloadSize }

// TotalSize is the cell's full footprint: header + payload + footer.
func (c Cell) TotalSize() uint64 { return c.payloadSize + 2*WordSize }

// Allocated reports the cell's cached allocation state, as of the last
// New/FromPtr/SetAllocated call.
func (c Cell) Allocated() bool { return c.allocated }

// SetAllocated flips the allocated flag, rewriting both boundary tags.
func (c *Cell) SetAllocated(allocated bool) {
	writeMeta(c.s, c.ptr, c.payloadSize, allocated)
	writeMeta(c.s, c.ptr+WordSize+c.payloadSize, c.payloadSize, allocated)
	c.allocated = allocated
}

// AssertAllocated panics with ErrInvariantViolation if the cell's
// allocation state is not expected.
func (c Cell) AssertAllocated(expected bool) {
	if c.allocated != expected {
		panic(fmt.Errorf("%w: expected allocated=%v, got %v at ptr %d", ErrInvariantViolation, expected, c.allocated, c.ptr))
	}
}

// NextNeighborPtr is the offset of the byte immediately following this
// cell's footer -- the start of its SideEnd neighbor, if any.
func (c Cell) NextNeighborPtr() uint64 {
	return c.ptr + 2*WordSize + c.payloadSize
}

// Neighbor discovers the physical cell adjacent to c on the given side.
// It returns ok=false if there is no such cell (c sits at the edge of the
// region) or the region ends before a full boundary tag could be read.
func (c Cell) Neighbor(side Side) (Cell, bool) {
	switch side {
	case SideStart:
		return FromPtr(c.s, c.ptr, SideEnd)
	case SideEnd:
		return FromPtr(c.s, c.NextNeighborPtr(), SideStart)
	default:
		panic(fmt.Errorf("%w: unknown side %d", ErrInvariantViolation, side))
	}
}

// Split divides a free cell of payload size S into two free cells of
// payload sizes firstPayload and S-firstPayload-2*WordSize. It returns
// ok=false (and the original cell unchanged) if S is too small to hold
// both a firstPayload-sized cell and a minimum-sized remainder; the
// caller should then use the whole cell instead.
//
// Split panics if c is currently allocated.
func (c Cell) Split(firstPayload uint64) (first, second Cell, ok bool) {
	c.AssertAllocated(false)
	if firstPayload < MinPayload {
		panic(fmt.Errorf("%w: split size %d below minimum %d", ErrInvariantViolation, firstPayload, MinPayload))
	}

	if c.payloadSize < firstPayload+MinPayload+2*WordSize {
		return c, Cell{}, false
	}

	first = New(c.s, c.ptr, firstPayload, false)
	secondPayload := c.payloadSize - firstPayload - 2*WordSize
	second = New(c.s, first.NextNeighborPtr(), secondPayload, false)
	return first, second, true
}

// Merge consumes c and a physically adjacent free cell, returning a
// single free cell spanning both. It panics if either cell is allocated
// or if other is not, in fact, c's physical neighbor.
func (c Cell) Merge(other Cell) Cell {
	c.AssertAllocated(false)
	other.AssertAllocated(false)

	var lo, hi Cell
	if c.ptr < other.ptr {
		lo, hi = c, other
	} else {
		lo, hi = other, c
	}

	n, ok := lo.Neighbor(SideEnd)
	if !ok || n.ptr != hi.ptr {
		panic(fmt.Errorf("%w: merge target at %d is not a neighbor of cell at %d", ErrInvariantViolation, hi.ptr, lo.ptr))
	}

	totalPayload := lo.payloadSize + hi.payloadSize + 2*WordSize
	return New(c.s, lo.ptr, totalPayload, false)
}

// Write copies data into the cell's payload starting at offset. It panics
// if the write would run past the payload.
func (c Cell) Write(offset uint64, data []byte) {
	c.checkBounds(offset, uint64(len(data)))
	c.s.WriteAt(c.ptr+WordSize+offset, data)
}

// Read copies from the cell's payload starting at offset into data. It
// panics if the read would run past the payload.
func (c Cell) Read(offset uint64, data []byte) {
	c.checkBounds(offset, uint64(len(data)))
	c.s.ReadAt(c.ptr+WordSize+offset, data)
}

// WriteWord writes a little-endian 8-byte word into the payload at offset.
func (c Cell) WriteWord(offset uint64, word uint64) {
	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	c.Write(offset, buf[:])
}

// ReadWord reads a little-endian 8-byte word from the payload at offset.
func (c Cell) ReadWord(offset uint64) uint64 {
	var buf [WordSize]byte
	c.Read(offset, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Zero overwrites the entire payload with zero bytes.
func (c Cell) Zero() {
	const chunk = 4096
	buf := make([]byte, chunk)
	var off uint64
	for off < c.payloadSize {
		n := c.payloadSize - off
		if n > chunk {
			n = chunk
		}
		c.Write(off, buf[:n])
		off += n
	}
}

func (c Cell) checkBounds(offset, length uint64) {
	if offset+length > c.payloadSize {
		panic(fmt.Errorf("%w: payload overflow (max %d, requested [%d, %d))", ErrInvariantViolation, c.payloadSize, offset, offset+length))
	}
}
