// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"github.com/ifls/regiongc/heap"
)

// stwCollector is the non-generational mark-sweep collector. Every
// collection runs entirely with the world stopped.
type stwCollector struct {
	gc      *GC
	storage *InHeaderMarking
}

func newSTWCollector(gc *GC) *stwCollector {
	return &stwCollector{gc: gc, storage: NewInHeaderMarking(gc.heap, true)}
}

// checkCause rejects the causes that only make sense with generations.
func (c *stwCollector) checkCause(cause Cause) bool {
	return cause != CauseInvalid && cause != CauseYoung && cause != CauseMixed
}

func (c *stwCollector) allocFailureCause() Cause { return CauseExplicit }

func (c *stwCollector) postWriteBarrier(heap.Addr, uintptr, heap.Addr) {}

func (c *stwCollector) processWorkerTask(*WorkerTask) {
	throw("gc: unexpected worker task for the stw collector")
}

func (c *stwCollector) computeNewSize()             {}
func (c *stwCollector) haveEnoughSpaceToMove() bool { return true }
func (c *stwCollector) markStorage() MarkStorage    { return c.storage }

func (c *stwCollector) run(t *Task) {
	gc := c.gc
	t.CollectionType = CollectionFull

	gc.stopTheWorld()
	pool := gc.markingPool(gc.settings.ParallelMark)
	storage := NewInHeaderMarking(gc.heap, pool != nil)
	m := gc.newMarker(storage, nil)
	m.pool = pool
	m.refs = gc.refs
	m.clearSoft = t.Cause == CauseOOM

	gc.enterPhase(PhaseMark)
	gc.markFromRoots(m, pool)
	gc.processWeak(m)
	gc.leavePhase(PhaseMark)

	gc.enterPhase(PhaseSweep)
	gc.alloc.ResetFreeLists()
	gc.sweepRegions(gc.newRegionSweep(storage.IsMarked), gc.sweepableRegions(), pool)
	gc.alloc.Reset()
	gc.leavePhase(PhaseSweep)

	gc.enterPhase(PhaseCleanup)
	gc.unmarkRegions(gc.sweepableRegions(), storage)
	gc.leavePhase(PhaseCleanup)
	gc.startTheWorld()
}
