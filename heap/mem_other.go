// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package heap

const physPageSize = 4096

// sysReserve falls back to Go-managed memory where anonymous mappings
// are not wired up. The Go collector does not move the backing array.
func sysReserve(n uintptr) ([]byte, error) {
	return make([]byte, n), nil
}

func sysUnused(b []byte) {
	clear(b)
}

func sysFree(b []byte) error {
	return nil
}
