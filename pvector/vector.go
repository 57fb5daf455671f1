// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pvector implements a growable persisted vector on top of the
// allocator: a backing cell of pointer slots, doubling in capacity as
// needed, with each element held in its own pcell.Cell so elements of any
// (even variable-width) encoded size can be stored uniformly.
package pvector

import (
	"fmt"

	"github.com/famouscat8/ic-stable-memory/alloc"
	"github.com/famouscat8/ic-stable-memory/pcell"
)

const (
	lengthOffset   = 0
	capacityOffset = 8
	slotsOffset    = 16
	slotSize       = 8
	initialCap     = 4
)

// Vector is a persisted, growable sequence of values of type T.
type Vector[T any] struct {
	a  *alloc.Allocator
	sl alloc.Slice
}

// New allocates an empty vector with a small initial capacity.
func New[T any](a *alloc.Allocator) *Vector[T] {
	sl := a.Allocate(slotsOffset + initialCap*slotSize)
	sl.WriteWord(lengthOffset, 0)
	sl.WriteWord(capacityOffset, initialCap)
	return &Vector[T]{a: a, sl: sl}
}

// FromPtr reattaches a Vector handle to a previously allocated pointer,
// e.g. one stored in an allocator custom data pointer.
func FromPtr[T any](a *alloc.Allocator, ptr uint64) *Vector[T] {
	return &Vector[T]{a: a, sl: alloc.SliceFromPtr(a.Store(), ptr)}
}

// Ptr is the vector's offset in the backing store.
func (v *Vector[T]) Ptr() uint64 { return v.sl.Ptr() }

// Len is the number of elements currently stored.
func (v *Vector[T]) Len() uint64 { return v.sl.ReadWord(lengthOffset) }

func (v *Vector[T]) capacity() uint64 { return v.sl.ReadWord(capacityOffset) }

func (v *Vector[T]) setLen(n uint64) { v.sl.WriteWord(lengthOffset, n) }

func (v *Vector[T]) slotPtr(i uint64) uint64 { return v.sl.ReadWord(slotsOffset + i*slotSize) }

func (v *Vector[T]) setSlotPtr(i uint64, ptr uint64) { v.sl.WriteWord(slotsOffset+i*slotSize, ptr) }

// Push appends val to the end of the vector, growing capacity if needed.
func (v *Vector[T]) Push(val T) error {
	length := v.Len()
	if length == v.capacity() {
		v.grow()
	}

	c, err := pcell.New(v.a, val)
	if err != nil {
		return fmt.Errorf("pvector: push: %w", err)
	}

	v.setSlotPtr(length, c.Ptr())
	v.setLen(length + 1)
	return nil
}

func (v *Vector[T]) grow() {
	newCap := v.capacity() * 2
	if newCap == 0 {
		newCap = initialCap
	}

	newSl := v.a.Reallocate(v.sl, slotsOffset+newCap*slotSize)
	newSl.WriteWord(capacityOffset, newCap)
	v.sl = newSl
}

// Get decodes and returns the element at index i. It panics if i is out of
// range, matching Go slice indexing semantics.
func (v *Vector[T]) Get(i uint64) (T, error) {
	var zero T
	if i >= v.Len() {
		panic(fmt.Errorf("pvector: index %d out of range (len %d)", i, v.Len()))
	}

	c := pcell.FromPtr[T](v.a, v.slotPtr(i))
	val, err := c.Get()
	if err != nil {
		return zero, fmt.Errorf("pvector: get(%d): %w", i, err)
	}
	return val, nil
}

// Set overwrites the element at index i. It panics if i is out of range.
func (v *Vector[T]) Set(i uint64, val T) error {
	if i >= v.Len() {
		panic(fmt.Errorf("pvector: index %d out of range (len %d)", i, v.Len()))
	}

	c := pcell.FromPtr[T](v.a, v.slotPtr(i))
	moved, err := c.Set(val)
	if err != nil {
		return fmt.Errorf("pvector: set(%d): %w", i, err)
	}
	if moved {
		v.setSlotPtr(i, c.Ptr())
	}
	return nil
}

// Pop removes and returns the last element. ok is false if the vector is
// empty.
func (v *Vector[T]) Pop() (val T, ok bool, err error) {
	length := v.Len()
	if length == 0 {
		return val, false, nil
	}

	idx := length - 1
	c := pcell.FromPtr[T](v.a, v.slotPtr(idx))
	val, err = c.Get()
	if err != nil {
		return val, false, fmt.Errorf("pvector: pop: %w", err)
	}

	v.a.Deallocate(c.Slice())
	v.setLen(idx)
	return val, true, nil
}
