// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

// Memory is a Store backed by a plain Go byte slice. It has no persistence
// across process restarts; it exists for tests and for embedders that want
// the allocator's semantics without the durability guarantee.
//
// Memory's zero value is ready for use.
type Memory struct {
	buf []byte
}

// NewMemory returns a Memory store pre-grown to the given number of pages.
func NewMemory(initialPages uint64) *Memory {
	m := &Memory{}
	if initialPages > 0 {
		if _, err := m.Grow(initialPages); err != nil {
			panic(err)
		}
	}
	return m
}

func (m *Memory) ReadAt(offset uint64, buf []byte) {
	end := offset + uint64(len(buf))
	if end > uint64(len(m.buf)) {
		panic("store: read out of range")
	}
	copy(buf, m.buf[offset:end])
}

func (m *Memory) WriteAt(offset uint64, buf []byte) {
	end := offset + uint64(len(buf))
	if end > uint64(len(m.buf)) {
		panic("store: write out of range")
	}
	copy(m.buf[offset:end], buf)
}

func (m *Memory) SizePages() uint64 {
	return uint64(len(m.buf)) / PageSize
}

func (m *Memory) Grow(n uint64) (uint64, error) {
	prev := m.SizePages()
	grown := make([]byte, uint64(len(m.buf))+n*PageSize)
	copy(grown, m.buf)
	m.buf = grown
	return prev, nil
}
