// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

var ArraySize = arraySize

func (h *Heap) MakeFiller(obj Addr, size uintptr) { h.makeFiller(obj, size) }

func (h *Heap) Mem(a Addr, n uintptr) []byte { return h.mem[a : a+Addr(n)] }
