// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pcell implements a single persisted value on top of the
// allocator: a typed wrapper over an alloc.Slice that (de)serializes its
// contents on demand, reallocating (out of place, via alloc.Reallocate)
// when an update outgrows the current cell.
package pcell

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/famouscat8/ic-stable-memory/alloc"
)

const lengthPrefixSize = 8

// Cell is a persisted value of type T. Its zero value is not usable; build
// one with New or FromPtr.
type Cell[T any] struct {
	a  *alloc.Allocator
	sl alloc.Slice
}

// New encodes v and allocates a cell to hold it.
func New[T any](a *alloc.Allocator, v T) (*Cell[T], error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pcell: encode: %w", err)
	}

	sl := a.Allocate(uint64(lengthPrefixSize + len(buf)))
	sl.WriteWord(0, uint64(len(buf)))
	sl.Write(lengthPrefixSize, buf)

	return &Cell[T]{a: a, sl: sl}, nil
}

// FromPtr reattaches a Cell handle to a previously allocated pointer, e.g.
// one persisted in a custom allocator header pointer or in a pvector slot.
func FromPtr[T any](a *alloc.Allocator, ptr uint64) *Cell[T] {
	return &Cell[T]{a: a, sl: alloc.SliceFromPtr(a.Store(), ptr)}
}

// Ptr is the cell's offset in the backing store.
func (c *Cell[T]) Ptr() uint64 { return c.sl.Ptr() }

// Slice exposes the underlying allocator slice, e.g. so a container can
// Deallocate it directly when removing the value it holds.
func (c *Cell[T]) Slice() alloc.Slice { return c.sl }

// Get decodes and returns the currently stored value.
func (c *Cell[T]) Get() (T, error) {
	var v T

	n := c.sl.ReadWord(0)
	buf := make([]byte, n)
	c.sl.Read(lengthPrefixSize, buf)

	if err := msgpack.Unmarshal(buf, &v); err != nil {
		return v, fmt.Errorf("pcell: decode: %w", err)
	}
	return v, nil
}

// Set encodes v and stores it, reallocating the backing cell with
// alloc.Reallocate if the new encoding no longer fits. moved reports
// whether such a reallocation happened; the new cell may or may not start
// at the old pointer, so callers holding the old pointer (e.g. a pvector
// slot) must re-read Ptr when moved is true.
func (c *Cell[T]) Set(v T) (moved bool, err error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("pcell: encode: %w", err)
	}

	needed := uint64(lengthPrefixSize + len(buf))
	if needed > c.sl.Size() {
		c.sl = c.a.Reallocate(c.sl, needed)
		moved = true
	}

	c.sl.WriteWord(0, uint64(len(buf)))
	c.sl.Write(lengthPrefixSize, buf)
	return moved, nil
}
