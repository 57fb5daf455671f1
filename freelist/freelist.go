// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package freelist implements the segregated free-list engine: one
// intrusive, doubly-linked list of free cells per size class, with list
// heads persisted in the allocator header rather than held in process
// memory.
package freelist

import (
	"math/bits"

	"github.com/famouscat8/ic-stable-memory/cell"
	"github.com/famouscat8/ic-stable-memory/store"
)

// NumClasses is the number of size classes: one per bit position above the
// reserved low 4 bits of a 64-bit payload size.
const NumClasses = 64 - 4

// EmptyPtr is the sentinel stored in a class head (or a list node's
// prev/next pointer) meaning "no such cell".
const EmptyPtr = ^uint64(0)

// ClassID maps a payload size to its size class: class k nominally holds
// cells with payload size in (2^(k+3), 2^(k+4)].
func ClassID(payloadSize uint64) int {
	log := ceilLog2(payloadSize)
	if log < 4 {
		return 0
	}
	return int(log - 4)
}

// ceilLog2 returns ceil(log2(n)) for n >= 1.
func ceilLog2(n uint64) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(n - 1))
}

// Header is the subset of the allocator header a free-list needs: the
// per-class head pointers, the header cell's own pointer (used as the
// list-head sentinel for prev pointers), and the running free-byte total.
type Header interface {
	Store() store.Store
	HeaderPtr() uint64
	ClassHead(id int) (ptr uint64, ok bool)
	SetClassHead(id int, ptr uint64, ok bool)
	FreeBytes() uint64
	SetFreeBytes(n uint64)
}

const (
	prevOffset = 0
	nextOffset = cell.PtrSize
)

func setPrev(c cell.Cell, ptr uint64) { c.WriteWord(prevOffset, ptr) }
func getPrev(c cell.Cell) uint64      { return c.ReadWord(prevOffset) }
func setNext(c cell.Cell, ptr uint64) { c.WriteWord(nextOffset, ptr) }
func getNext(c cell.Cell) uint64      { return c.ReadWord(nextOffset) }

// Push links a free cell into the head of its size class's list and
// accounts its bytes into the free-byte total. c must already be marked
// free.
func Push(h Header, c cell.Cell) {
	c.AssertAllocated(false)

	id := ClassID(c.PayloadSize())
	oldHeadPtr, hadHead := h.ClassHead(id)

	setPrev(c, h.HeaderPtr())
	if hadHead {
		setNext(c, oldHeadPtr)
		if oldHead, ok := cell.FromPtr(h.Store(), oldHeadPtr, cell.SideStart); ok {
			setPrev(oldHead, c.Ptr())
		}
	} else {
		setNext(c, EmptyPtr)
	}

	h.SetClassHead(id, c.Ptr(), true)
	h.SetFreeBytes(h.FreeBytes() + c.TotalSize())
}

// Eject splices a free cell out of the size class list it belongs to. id
// must be the class c currently occupies (ClassID(c.PayloadSize())).
func Eject(h Header, id int, c cell.Cell) {
	c.AssertAllocated(false)

	prevPtr := getPrev(c)
	nextPtr := getNext(c)

	if prevPtr == h.HeaderPtr() {
		h.SetClassHead(id, nextPtr, nextPtr != EmptyPtr)
		if nextPtr != EmptyPtr {
			if next, ok := cell.FromPtr(h.Store(), nextPtr, cell.SideStart); ok {
				setPrev(next, h.HeaderPtr())
			}
		}
	} else {
		prev, ok := cell.FromPtr(h.Store(), prevPtr, cell.SideStart)
		if !ok {
			panic("freelist: dangling prev pointer in free list")
		}
		setNext(prev, nextPtr)

		if nextPtr != EmptyPtr {
			if next, ok := cell.FromPtr(h.Store(), nextPtr, cell.SideStart); ok {
				setPrev(next, prevPtr)
			}
		}
	}

	h.SetFreeBytes(h.FreeBytes() - c.TotalSize())

	setPrev(c, 0)
	setNext(c, 0)
}

// Head returns the first free cell in class id, if any.
func Head(h Header, id int) (cell.Cell, bool) {
	ptr, ok := h.ClassHead(id)
	if !ok {
		return cell.Cell{}, false
	}
	return cell.FromPtr(h.Store(), ptr, cell.SideStart)
}

// Next returns the free cell following c in its own size class's list.
func Next(h Header, c cell.Cell) (cell.Cell, bool) {
	ptr := getNext(c)
	if ptr == EmptyPtr {
		return cell.Cell{}, false
	}
	return cell.FromPtr(h.Store(), ptr, cell.SideStart)
}

// CoalesceAndPush merges c with any free physical neighbors (ejecting them
// from their own size classes first, preserving the "no two adjacent free
// cells" invariant) and then pushes the resulting cell into the free list.
func CoalesceAndPush(h Header, c cell.Cell) {
	c = mergeNeighbor(h, c, cell.SideStart)
	c = mergeNeighbor(h, c, cell.SideEnd)
	Push(h, c)
}

func mergeNeighbor(h Header, c cell.Cell, side cell.Side) cell.Cell {
	n, ok := c.Neighbor(side)
	if !ok || n.Allocated() {
		return c
	}

	Eject(h, ClassID(n.PayloadSize()), n)
	return c.Merge(n)
}
