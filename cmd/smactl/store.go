package main

import (
	"fmt"

	"github.com/famouscat8/ic-stable-memory/alloc"
	"github.com/famouscat8/ic-stable-memory/store"
)

// openAllocator opens path, mapping it into memory and growing a fresh
// file to one page before Init, or Reinit-ing over an existing one.
func openAllocator(path string) (*store.MappedFile, *alloc.Allocator, error) {
	opts := []store.MappedFileOption{store.WithLogger(logger())}
	mf, err := store.OpenMappedFile(path, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("smactl: open %s: %w", path, err)
	}

	allocOpts := []alloc.Option{alloc.WithLogger(logger())}

	if mf.SizePages() == 0 {
		if _, err := mf.Grow(1); err != nil {
			mf.Close()
			return nil, nil, fmt.Errorf("smactl: grow new file: %w", err)
		}
		a := alloc.Init(mf, 0, allocOpts...)
		return mf, a, nil
	}

	a, ok := alloc.Reinit(mf, 0, allocOpts...)
	if !ok {
		mf.Close()
		return nil, nil, fmt.Errorf("smactl: %s does not hold a valid allocator header", path)
	}
	return mf, a, nil
}

func sliceFromPtr(a *alloc.Allocator, ptr uint64) alloc.Slice {
	return alloc.SliceFromPtr(a.Store(), ptr)
}
