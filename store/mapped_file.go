// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// MappedFile is a Store backed by an mmap-ed, on-disk file: the property
// that lets a fresh process re-attach to an existing region and continue
// operating, per the allocator's reattach protocol, depends on this
// implementation (or an equivalent one) rather than on Memory.
//
// MappedFile is not safe for concurrent use, matching the allocator's own
// single-executor assumption.
type MappedFile struct {
	f      *os.File
	data   []byte
	logger zerolog.Logger
}

// MappedFileOption configures a MappedFile at open time.
type MappedFileOption func(*MappedFile)

// WithLogger attaches a zerolog.Logger used for growth diagnostics.
// The default is a no-op logger.
func WithLogger(l zerolog.Logger) MappedFileOption {
	return func(m *MappedFile) { m.logger = l }
}

// OpenMappedFile opens (creating if necessary) the file at path and maps it
// into memory. If the file is empty it starts at zero pages; callers must
// Grow it before handing it to alloc.Init.
func OpenMappedFile(path string, opts ...MappedFileOption) (*MappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	m := &MappedFile{f: f, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}

	size := info.Size() - info.Size()%PageSize
	if size > 0 {
		data, err := mmapFile(f, size)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("store: mmap %s: %w", path, err)
		}
		m.data = data
	}

	return m, nil
}

func (m *MappedFile) ReadAt(offset uint64, buf []byte) {
	end := offset + uint64(len(buf))
	if end > uint64(len(m.data)) {
		panic("store: read out of range")
	}
	copy(buf, m.data[offset:end])
}

func (m *MappedFile) WriteAt(offset uint64, buf []byte) {
	end := offset + uint64(len(buf))
	if end > uint64(len(m.data)) {
		panic("store: write out of range")
	}
	copy(m.data[offset:end], buf)
}

func (m *MappedFile) SizePages() uint64 {
	return uint64(len(m.data)) / PageSize
}

// Grow extends the backing file by n pages, remapping the whole region.
// mmap regions cannot be portably extended in place, so Grow unmaps the
// current view, truncates the file, and remaps at the new size.
func (m *MappedFile) Grow(n uint64) (uint64, error) {
	prevPages := m.SizePages()
	newSize := int64(prevPages+n) * PageSize

	if len(m.data) > 0 {
		if err := unmapRegion(m.data); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrGrowDenied, err)
		}
		m.data = nil
	}

	if err := m.f.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("%w: truncate: %v", ErrGrowDenied, err)
	}

	data, err := mmapFile(m.f, newSize)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap: %v", ErrGrowDenied, err)
	}
	m.data = data

	m.logger.Info().Uint64("prev_pages", prevPages).Uint64("pages", prevPages+n).Msg("store: grew mapped file")
	return prevPages, nil
}

// Sync flushes the mapped region to disk.
func (m *MappedFile) Sync() error {
	if len(m.data) == 0 {
		return nil
	}
	return syncRegion(m.data)
}

// Close unmaps the region and closes the underlying file. It is not
// necessary to Close a MappedFile before process exit; the OS reclaims the
// mapping, and the data already lives on disk via Sync/the OS page cache.
func (m *MappedFile) Close() error {
	var unmapErr error
	if len(m.data) > 0 {
		unmapErr = unmapRegion(m.data)
		m.data = nil
	}
	closeErr := m.f.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
