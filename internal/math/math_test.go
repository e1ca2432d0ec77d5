// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package math_test

import (
	"testing"

	. "github.com/ifls/regiongc/internal/math"
)

const (
	UintptrSize = 32 << (^uintptr(0) >> 63)
	Uintptr32   = 1 << (32 - 1)
)

type mulUintptrTest struct {
	a        uintptr
	b        uintptr
	overflow bool
}

var mulUintptrTests = []mulUintptrTest{
	{0, 0, false},
	{1000, 1000, false},
	{MaxUintptr, 0, false},
	{MaxUintptr, 1, false},
	{MaxUintptr / 2, 2, false},
	{MaxUintptr / 2, 3, true},
	{MaxUintptr, 10, true},
	{MaxUintptr, 100, true},
	{MaxUintptr / 100, 100, false},
	{MaxUintptr / 1000, 1001, true},
	{1<<(UintptrSize/2) - 1, 1<<(UintptrSize/2) - 1, false},
	{1 << (UintptrSize / 2), 1 << (UintptrSize / 2), true},
	{MaxUintptr >> 32, MaxUintptr >> 32, false},
	{MaxUintptr, MaxUintptr, true},
}

func TestMulUintptr(t *testing.T) {
	for _, test := range mulUintptrTests {
		a, b := test.a, test.b
		for i := 0; i < 2; i++ {
			mul, overflow := MulUintptr(a, b)
			if mul != a*b || overflow != test.overflow {
				t.Errorf("MulUintptr(%v, %v) = %v, %v want %v, %v",
					a, b, mul, overflow, a*b, test.overflow)
			}
			a, b = b, a
		}
	}
}

func TestAlign(t *testing.T) {
	for _, tc := range []struct{ n, a, up, down uintptr }{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{9, 8, 16, 8},
		{4095, 4096, 4096, 0},
	} {
		if got := AlignUp(tc.n, tc.a); got != tc.up {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tc.n, tc.a, got, tc.up)
		}
		if got := AlignDown(tc.n, tc.a); got != tc.down {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", tc.n, tc.a, got, tc.down)
		}
	}
	if _, overflow := AddUintptr(MaxUintptr, 1); !overflow {
		t.Errorf("AddUintptr(MaxUintptr, 1) did not overflow")
	}
}
