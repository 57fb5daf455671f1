// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pheap implements a persisted binary min-heap on top of
// pvector.Vector, ordered by a caller-supplied less function.
package pheap

import (
	"fmt"

	"github.com/famouscat8/ic-stable-memory/alloc"
	"github.com/famouscat8/ic-stable-memory/pvector"
)

// Heap is a persisted binary heap of values of type T, ordered by less.
// less is supplied at attach time (by New or FromPtr) rather than
// persisted: Go generics carry no ordering constraint usable here, so the
// caller is responsible for passing the same comparator on every reattach.
type Heap[T any] struct {
	v    *pvector.Vector[T]
	less func(a, b T) bool
}

// New allocates an empty heap.
func New[T any](a *alloc.Allocator, less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{v: pvector.New[T](a), less: less}
}

// FromPtr reattaches a Heap handle to a previously allocated vector
// pointer, e.g. one stored in an allocator custom data pointer.
func FromPtr[T any](a *alloc.Allocator, ptr uint64, less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{v: pvector.FromPtr[T](a, ptr), less: less}
}

// Ptr is the heap's backing vector offset, suitable for persisting as a
// custom header pointer and passing to FromPtr later.
func (h *Heap[T]) Ptr() uint64 { return h.v.Ptr() }

// Len is the number of elements currently stored.
func (h *Heap[T]) Len() uint64 { return h.v.Len() }

// Push inserts val, restoring the heap invariant by sifting up.
func (h *Heap[T]) Push(val T) error {
	if err := h.v.Push(val); err != nil {
		return fmt.Errorf("pheap: push: %w", err)
	}
	return h.siftUp(h.v.Len() - 1)
}

// siftUp restores the heap invariant upward from idx. It re-reads both the
// parent value and the value currently at idx on every iteration: an
// earlier design in the allocator this package is modeled on compared
// against a cached copy of the inserted element instead of the value that
// is actually at the index after a swap, which is wrong once more than one
// swap occurs on the way to the root.
func (h *Heap[T]) siftUp(idx uint64) error {
	for idx > 0 {
		parent := (idx - 1) / 2

		cur, err := h.v.Get(idx)
		if err != nil {
			return err
		}
		parentVal, err := h.v.Get(parent)
		if err != nil {
			return err
		}

		if !h.less(cur, parentVal) {
			return nil
		}

		if err := h.swap(idx, parent); err != nil {
			return err
		}
		idx = parent
	}
	return nil
}

// Peek returns the minimal element without removing it.
func (h *Heap[T]) Peek() (val T, ok bool, err error) {
	if h.v.Len() == 0 {
		return val, false, nil
	}
	val, err = h.v.Get(0)
	if err != nil {
		return val, false, err
	}
	return val, true, nil
}

// Pop removes and returns the minimal element, restoring the heap
// invariant by moving the last element to the root and sifting down.
func (h *Heap[T]) Pop() (val T, ok bool, err error) {
	n := h.v.Len()
	if n == 0 {
		return val, false, nil
	}

	val, err = h.v.Get(0)
	if err != nil {
		return val, false, err
	}

	last, _, err := h.v.Pop()
	if err != nil {
		return val, false, err
	}

	if n-1 > 0 {
		if err := h.v.Set(0, last); err != nil {
			return val, false, err
		}
		if err := h.siftDown(0); err != nil {
			return val, false, err
		}
	}

	return val, true, nil
}

// siftDown restores the heap invariant downward from idx, re-reading the
// values at idx and its children on every iteration for the same reason
// siftUp does.
func (h *Heap[T]) siftDown(idx uint64) error {
	n := h.v.Len()
	for {
		left := 2*idx + 1
		right := 2*idx + 2
		smallest := idx

		cur, err := h.v.Get(idx)
		if err != nil {
			return err
		}
		smallestVal := cur

		if left < n {
			leftVal, err := h.v.Get(left)
			if err != nil {
				return err
			}
			if h.less(leftVal, smallestVal) {
				smallest = left
				smallestVal = leftVal
			}
		}
		if right < n {
			rightVal, err := h.v.Get(right)
			if err != nil {
				return err
			}
			if h.less(rightVal, smallestVal) {
				smallest = right
				smallestVal = rightVal
			}
		}

		if smallest == idx {
			return nil
		}
		if err := h.swap(idx, smallest); err != nil {
			return err
		}
		idx = smallest
	}
}

func (h *Heap[T]) swap(i, j uint64) error {
	vi, err := h.v.Get(i)
	if err != nil {
		return err
	}
	vj, err := h.v.Get(j)
	if err != nil {
		return err
	}
	if err := h.v.Set(i, vj); err != nil {
		return err
	}
	return h.v.Set(j, vi)
}
