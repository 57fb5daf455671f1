// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store defines the backing-store abstraction the allocator is
// built on: a linear, page-addressable byte region that can be read,
// written, and grown, but never shrunk.
package store

import "errors"

// PageSize is the fixed unit of growth for every Store implementation.
const PageSize = 65536

// ErrGrowDenied is returned by Grow when the underlying store refuses to
// extend the region (out of disk, out of address space, OS-imposed limit).
var ErrGrowDenied = errors.New("store: grow denied")

// Store is the interface the allocator core depends on. It knows nothing
// about cells, size classes, or allocation; it only moves bytes around and
// reports/extends the region's page count.
type Store interface {
	// ReadAt copies SizePages()*PageSize-bounded bytes starting at offset
	// into buf. It panics if the read would run past the current region.
	ReadAt(offset uint64, buf []byte)

	// WriteAt copies buf into the region starting at offset. It panics if
	// the write would run past the current region.
	WriteAt(offset uint64, buf []byte)

	// SizePages reports the current size of the region, in pages.
	SizePages() uint64

	// Grow extends the region by n pages and returns the page count prior
	// to growth. It returns ErrGrowDenied (or a wrapped cause) if the
	// region could not be extended.
	Grow(n uint64) (prevPages uint64, err error)
}
