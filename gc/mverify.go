// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap verification.
//
// With verifypre or verifypost set, the collector walks the object graph
// from the strong roots before or after every collection, in a pause,
// and checks that every reference it finds is to the start of a live,
// unforwarded object. It plays the role of the runtime's checkmark mode:
// a second, simple traversal that the real marking must agree with.

package gc

import (
	"fmt"
	"sync/atomic"

	"github.com/ifls/regiongc/heap"
)

// maxReportedFailures bounds the failures logged by one verification.
const maxReportedFailures = 10

// HeapVerifier checks the object graph reachable from the roots.
type HeapVerifier struct {
	gc       *GC
	failures atomic.Int64
}

func newHeapVerifier(gc *GC) *HeapVerifier {
	return &HeapVerifier{gc: gc}
}

// Failures returns the number of bad references found so far.
func (v *HeapVerifier) Failures() int64 { return v.failures.Load() }

// Verify checks the heap and returns the number of bad references. The
// world must be stopped.
func (v *HeapVerifier) Verify() int { return v.verify("manual") }

// verify walks the heap from the roots. when names the check in logs.
func (v *HeapVerifier) verify(when string) int {
	gc := v.gc
	h := gc.heap
	failed := 0
	report := func(from heap.Addr, off uintptr, ref heap.Addr, why string) {
		failed++
		if failed <= maxReportedFailures {
			gc.logger.Error("heap verification failed",
				"when", when, "from", fmt.Sprintf("%#x+%d", uint64(from), off),
				"ref", fmt.Sprintf("%#x", uint64(ref)), "reason", why)
		}
	}

	seen := make(map[heap.Addr]bool)
	var stack []heap.Addr
	push := func(from heap.Addr, off uintptr, ref heap.Addr) {
		if ref == 0 || seen[ref] {
			return
		}
		if why := v.check(ref); why != "" {
			report(from, off, ref, why)
			return
		}
		seen[ref] = true
		stack = append(stack, ref)
	}
	gc.visitRoots(func(slot *heap.Addr) { push(0, 0, *slot) })
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
			push(obj, off, ref)
		})
	}

	v.failures.Add(int64(failed))
	if failed > 0 {
		gc.logger.Error("heap verification", "when", when, "failures", failed, "objects", len(seen))
		if gc.settings.FailOnVerify {
			throw(fmt.Sprintf("gc: %d heap verification failures (%s)", failed, when))
		}
	} else {
		gc.logger.Debug("heap verified", "when", when, "objects", len(seen))
	}
	return failed
}

// check returns why ref is not a valid reference, "" if it is.
func (v *HeapVerifier) check(ref heap.Addr) string {
	h := v.gc.heap
	r := h.RegionOf(ref)
	switch {
	case r == nil:
		return "outside the heap"
	case r.IsFree():
		return "into a free region"
	case r.HasFlag(heap.RegionHumongousCont):
		return "into the middle of a humongous object"
	case r.HasFlag(heap.RegionHumongous):
		if ref != r.Begin() {
			return "into the middle of a humongous object"
		}
	case ref >= r.Top() || !r.LiveBitmap().Test(ref):
		return "not an object start"
	}
	if h.IsFiller(ref) {
		return "to a dead object"
	}
	if h.ClassOf(ref) == nil {
		return "to an object of unknown class"
	}
	if h.LoadMarkWord(ref).IsForwarded() {
		return "to a forwarded object"
	}
	return ""
}
