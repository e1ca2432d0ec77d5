// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package math holds the overflow-checked size arithmetic shared by the
// allocator and the collectors.
package math

import "math/bits"

const MaxUintptr = ^uintptr(0)

// MulUintptr returns a * b and whether the multiplication overflowed.
func MulUintptr(a, b uintptr) (uintptr, bool) {
	if a|b < 1<<(bits.UintSize/2) || a == 0 {
		return a * b, false
	}
	overflow := b > MaxUintptr/a
	return a * b, overflow
}

// AddUintptr returns a + b and whether the addition overflowed.
func AddUintptr(a, b uintptr) (uintptr, bool) {
	sum, carry := bits.Add(uint(a), uint(b), 0)
	return uintptr(sum), carry != 0
}

// AlignUp rounds n up to a multiple of a. a must be a power of 2.
func AlignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown rounds n down to a multiple of a. a must be a power of 2.
func AlignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

// DivRoundUp returns ceil(n / a).
func DivRoundUp(n, a uintptr) uintptr {
	// a is generally a power of two. This will get inlined and
	// the compiler will optimize the division.
	return (n + a - 1) / a
}
