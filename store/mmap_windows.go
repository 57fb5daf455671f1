// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

//go:build windows

package store

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// handleMap recovers the file-mapping handle that owns a mapped address,
// the way the teacher's mmap_windows.go does for its anonymous mappings.
var handleMap = map[uintptr]windows.Handle{}

func mmapFile(f *os.File, size int64) ([]byte, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	handleMap[addr] = h

	var b []byte
	sh := (*sliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = int(size)
	sh.Cap = int(size)
	return b, nil
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

func unmapRegion(b []byte) error {
	addr := uintptr(unsafe.Pointer(&b[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return err
	}

	h, ok := handleMap[addr]
	if !ok {
		return nil
	}
	delete(handleMap, addr)
	return windows.CloseHandle(h)
}

func syncRegion(b []byte) error {
	addr := uintptr(unsafe.Pointer(&b[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(b)))
}
