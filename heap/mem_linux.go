// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Heap memory is reserved from the OS in one piece and handed out region
// by region. Region memory moves through three states:
//
// None     default state of the address space, nothing mapped
// Ready    mapped, readable and writable, reads back zero until written
// Released pages handed back with MADV_DONTNEED; the next touch faults in
//          fresh zero pages, so Released is indistinguishable from Ready
//          for the allocator

package heap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var physPageSize = uintptr(unix.Getpagesize())

// sysReserve maps n bytes of anonymous memory. None -> Ready.
//
// MAP_NORESERVE keeps the kernel from committing swap for the whole
// reservation; untouched regions cost nothing.
func sysReserve(n uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, fmt.Errorf("heap: mmap %d bytes: too much locked memory (check 'ulimit -l'): %w", n, err)
		}
		return nil, fmt.Errorf("heap: mmap %d bytes: %w", n, err)
	}
	return b, nil
}

// sysUnused tells the OS the pages backing b are no longer needed.
// Ready -> Released. The contents of b read back as zero afterwards.
func sysUnused(b []byte) {
	if len(b) == 0 {
		return
	}
	if uintptr(len(b))&(physPageSize-1) != 0 {
		// madvise would round to every page *covered* by b and
		// release more than intended.
		clear(b)
		return
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		clear(b)
	}
}

// sysFree unmaps the whole reservation. Ready|Released -> None.
func sysFree(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("heap: munmap: %w", err)
	}
	return nil
}
