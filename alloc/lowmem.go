// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alloc

import (
	"context"

	"github.com/famouscat8/ic-stable-memory/cell"
	"github.com/famouscat8/ic-stable-memory/freelist"
	"github.com/famouscat8/ic-stable-memory/store"
)

// ensureFreeBuffer keeps at least MaxAllocationPages worth of bytes on the
// free lists, growing the store if necessary. It is invoked on both sides
// of every Allocate: once before, to make room for the request, and once
// after, in case the allocation itself ate deep into the buffer.
func (a *Allocator) ensureFreeBuffer() {
	target := uint64(a.MaxAllocationPages()) * store.PageSize
	if a.FreeBytes() >= target {
		return
	}

	pagesNeeded := uint64(a.MaxAllocationPages()) - a.FreeBytes()/store.PageSize + 1

	prevPages, grew := a.growOrNotify(pagesNeeded)
	if !grew {
		return
	}

	ptr := prevPages * store.PageSize
	newTotal := a.s.SizePages()*store.PageSize - ptr

	newFree := cell.NewTotalSize(a.s, ptr, newTotal, false)
	freelist.CoalesceAndPush(a, newFree)
}

// growOrNotify attempts to grow the store by pagesToGrow pages. If the
// grow would breach MaxGrowPages, or the store itself refuses, it fires
// the low-memory notification instead and reports grew=false.
func (a *Allocator) growOrNotify(pagesToGrow uint64) (prevPages uint64, grew bool) {
	alreadyGrown := a.s.SizePages()
	maxGrow := a.MaxGrowPages()

	if maxGrow != 0 && alreadyGrown+pagesToGrow >= maxGrow {
		a.handleLowMemory()
		return 0, false
	}

	prev, err := a.s.Grow(pagesToGrow)
	if err != nil {
		a.log.Warn().Err(err).Uint64("pages_requested", pagesToGrow).Msg("alloc: store refused to grow")
		a.handleLowMemory()
		return 0, false
	}

	return prev, true
}

// handleLowMemory fires the low-memory callback at most once per
// allocator lifetime (per the onLowFired flag, which is part of the
// persisted header and so survives a restart too).
func (a *Allocator) handleLowMemory() {
	if a.onLowFired() {
		return
	}

	a.log.Warn().
		Uint64("grown_bytes", a.s.SizePages()*store.PageSize).
		Uint64("allocated_bytes", a.AllocatedSize()).
		Uint64("free_bytes", a.FreeSize()).
		Msg("alloc: low on backing-store pages, notifying handler")

	if a.lowMemFn != nil {
		fn := a.lowMemFn
		go fn(context.Background())
	}

	a.setOnLowFired(true)
}
