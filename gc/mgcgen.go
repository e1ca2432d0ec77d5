// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Generational collector.
//
// Objects are born in eden. A young collection marks eden from the roots
// and from the tenured objects on dirty cards, copies every marked eden
// object into tenured regions and frees eden. Tenured objects never move;
// they are reclaimed by a mostly concurrent mark-sweep.
//
// Young marking keeps its bits in the eden region bitmaps, so it can run
// in the middle of a tenured collection whose bits live in the object
// headers. 年轻代用 region bitmap, 老年代用对象头

package gc

import (
	"github.com/ifls/regiongc/heap"
)

type genCollector struct {
	gc      *GC
	storage *InHeaderMarking
}

func newGenCollector(gc *GC) *genCollector {
	return &genCollector{gc: gc, storage: NewInHeaderMarking(gc.heap, true)}
}

func (c *genCollector) checkCause(cause Cause) bool {
	return cause != CauseInvalid && cause != CauseMixed
}

func (c *genCollector) allocFailureCause() Cause { return CauseYoung }

func (c *genCollector) postWriteBarrier(obj heap.Addr, off uintptr, val heap.Addr) {
	c.gc.genPostBarrier(obj, off, val)
}

func (c *genCollector) processWorkerTask(*WorkerTask) {
	throw("gc: unexpected worker task for the generational collector")
}

func (c *genCollector) markStorage() MarkStorage { return c.storage }

// haveEnoughSpaceToMove reports whether the free regions can hold all of
// eden, the worst case for a young collection.
func (c *genCollector) haveEnoughSpaceToMove() bool {
	h := c.gc.heap
	return uint64(h.FreeRegionCount())*uint64(h.RegionSize()) >= c.gc.alloc.YoungUsedBytes()
}

// computeNewSize keeps eden at the configured length while half of the
// free space can absorb its survivors.
func (c *genCollector) computeNewSize() {
	gc := c.gc
	n := gc.settings.YoungRegions
	if n <= 0 {
		n = gc.heap.RegionCount() / 4
	}
	free := gc.heap.FreeRegionCount() + gc.alloc.YoungRegionCount()
	gc.alloc.SetMaxYoungRegions(min(n, max(free/2, 1)))
}

func (c *genCollector) run(t *Task) {
	switch {
	case c.needFull(t):
		c.runFull(t)
	case t.Cause == CauseYoung:
		c.runYoung(t)
	case c.gc.settings.Concurrent:
		c.runTenured(t)
	default:
		c.runFull(t)
	}
}

func (c *genCollector) needFull(t *Task) bool {
	switch {
	case t.Full, t.Cause == CauseOOM, t.Cause == CausePygoteFork:
		return true
	case t.Cause == CauseExplicit && !c.gc.settings.Concurrent:
		return true
	case c.gc.fullAfterFork():
		return true
	}
	return !c.haveEnoughSpaceToMove()
}

func (c *genCollector) runYoung(t *Task) {
	t.CollectionType = CollectionYoung
	c.gc.stopTheWorld()
	c.collectYoung()
	c.gc.startTheWorld()
}

// runTenured collects the whole heap with the tenured space marked and
// swept concurrently.
func (c *genCollector) runTenured(t *Task) {
	gc := c.gc
	h := gc.heap
	t.CollectionType = CollectionTenured

	pool := gc.markingPool(gc.settings.ParallelMark)
	m := gc.newMarker(c.storage, nil)
	m.pool = pool
	m.refs = gc.refs

	gc.stopTheWorld()
	gc.enterPhase(PhaseInitialMark)
	gc.concurrentMarking.Store(true)
	gc.allocateBlack(m)
	st := m.NewStack(pool)
	gc.visitRoots(func(slot *heap.Addr) { m.MarkObject(st, *slot) })
	gc.leavePhase(PhaseInitialMark)
	gc.startTheWorld()

	gc.enterPhase(PhaseMark)
	m.Drain(st, pool)
	gc.leavePhase(PhaseMark)

	gc.stopTheWorld()
	gc.enterPhase(PhaseRemark)
	rpool := gc.markingPool(gc.settings.ParallelRemark)
	m.pool = rpool
	m.splitArrays = rpool != nil
	st = m.NewStack(rpool)
	for _, obj := range gc.satb.drain() {
		m.MarkObject(st, obj)
	}
	gc.visitRoots(func(slot *heap.Addr) { m.MarkObject(st, *slot) })
	m.Drain(st, rpool)
	gc.concurrentMarking.Store(false)
	gc.setInitBits(nil)
	gc.processWeak(m)
	gc.leavePhase(PhaseRemark)

	c.collectYoung()

	// Non-movable regions feed the allocator's free list and are swept
	// before mutators resume; the rest is swept concurrently.
	gc.enterPhase(PhaseSweep)
	gc.alloc.RetireOld()
	gc.alloc.ResetFreeLists()
	nm := h.CollectRegions(heap.RegionNonMovable)
	gc.sweepRegions(gc.newRegionSweep(c.storage.IsMarked), nm, nil)
	gc.unmarkRegions(h.CollectRegions(heap.RegionNonMovable), c.storage)
	gc.alloc.Reset()
	tenured := h.CollectRegions(heap.RegionOld | heap.RegionHumongous)
	gc.startTheWorld()

	s := gc.newRegionSweep(c.storage.IsMarked)
	gc.sweepRegions(s, tenured, pool)
	gc.leavePhase(PhaseSweep)

	// Objects allocated black and survivors copied during remark still
	// carry mark bits.
	gc.enterPhase(PhaseCleanup)
	gc.unmarkRegions(s.survivors(tenured), c.storage)
	gc.leavePhase(PhaseCleanup)
}

// runFull marks the whole heap and sweeps it on one pause, then runs a
// young collection.
func (c *genCollector) runFull(t *Task) {
	gc := c.gc
	t.CollectionType = CollectionFull

	gc.stopTheWorld()
	pool := gc.markingPool(gc.settings.ParallelMark)
	m := gc.newMarker(c.storage, nil)
	m.pool = pool
	m.refs = gc.refs
	m.clearSoft = t.Cause == CauseOOM

	gc.enterPhase(PhaseMark)
	gc.markFromRoots(m, pool)
	gc.processWeak(m)
	gc.leavePhase(PhaseMark)

	gc.enterPhase(PhaseSweep)
	gc.alloc.ResetFreeLists()
	gc.sweepRegions(gc.newRegionSweep(c.storage.IsMarked), gc.sweepableRegions(), pool)
	gc.alloc.Reset()
	gc.leavePhase(PhaseSweep)

	c.collectYoung()

	gc.enterPhase(PhaseCleanup)
	gc.unmarkRegions(gc.sweepableRegions(), c.storage)
	gc.leavePhase(PhaseCleanup)
	gc.startTheWorld()
}

// collectYoung empties eden. Survivors are copied into tenured regions;
// when those run out the rest of an eden region is promoted in place.
// Runs with the world stopped.
func (c *genCollector) collectYoung() {
	gc := c.gc
	h := gc.heap
	eden := gc.alloc.EdenRegions()
	for _, r := range eden {
		r.MarkBitmap().ClearAll()
		r.SetLiveBytes(0)
	}

	pool := gc.markingPool(gc.settings.ParallelMark)
	m := gc.newMarker(NewRegionBitmapMarking(h, pool != nil), gc.isYoung)
	m.pool = pool
	m.countLive = true

	gc.enterPhase(PhaseMarkYoung)
	st := m.NewStack(pool)
	gc.visitRoots(func(slot *heap.Addr) { m.MarkObject(st, *slot) })
	dirty := c.dirtyCardObjects()
	for _, obj := range dirty {
		gc.visitRefs(h, obj, h.ClassOf(obj), func(_ uintptr, ref heap.Addr) {
			m.MarkObject(st, ref)
		})
	}
	m.Drain(st, pool)
	gc.leavePhase(PhaseMarkYoung)

	gc.enterPhase(PhaseCollectYoungAndMove)
	mv := c.moveYoung(eden, m)
	c.updateYoungRefs(dirty, mv)

	var freed int64
	for _, r := range eden {
		if mv.inPlace[r] {
			freed += c.promoteInPlace(r, mv.kept)
			continue
		}
		freed += r.AllocatedBytes()
		h.FreeRegion(r)
	}
	gc.addFreed(freed - mv.movedBytes)
	gc.addMoved(mv.movedBytes)
	gc.leavePhase(PhaseCollectYoungAndMove)

	// Eden is empty: no tenured object refers to a young one any more.
	h.CardTable().ClearAll()
	gc.alloc.ResetYoung()
}

// dirtyCardObjects returns the tenured objects on dirty cards, in address
// order and without duplicates.
func (c *genCollector) dirtyCardObjects() []heap.Addr {
	h := c.gc.heap
	ct := h.CardTable()
	regions := h.Regions()
	var out []heap.Addr
	var last heap.Addr
	ct.VisitMarked(regions[0].Begin(), regions[len(regions)-1].End(), func(card int) {
		begin, end := ct.CardStart(card), ct.CardEnd(card)
		r := h.RegionOf(begin)
		if r.IsFree() || r.IsEden() {
			return
		}
		h.IterateObjectsInRange(r, begin, end, func(obj heap.Addr) {
			if obj != last {
				out = append(out, obj)
				last = obj
			}
		})
	})
	return out
}

type youngMove struct {
	copies     []heap.Addr
	inPlace    map[*heap.Region]bool
	kept       map[heap.Addr]heap.MarkWord // objects left in place, with their mark word
	movedBytes int64
}

// moveYoung copies the marked eden objects. A copy keeps the tenured
// mark bit of its original, so that a young collection inside a tenured
// one neither loses nor invents tenured marks.
func (c *genCollector) moveYoung(eden []*heap.Region, m *Marker) *youngMove {
	h := c.gc.heap
	mv := &youngMove{inPlace: make(map[*heap.Region]bool), kept: make(map[heap.Addr]heap.MarkWord)}
	for _, r := range eden {
		h.IterateObjects(r, func(obj heap.Addr) bool {
			if h.IsFiller(obj) || !m.IsMarked(obj) {
				return true
			}
			size := h.ObjectSize(obj)
			w := h.LoadMarkWord(obj)
			var to heap.Addr
			if !mv.inPlace[r] {
				to = c.gc.alloc.AllocateTenured(size)
			}
			if to == 0 {
				// Tenured space is exhausted: this region stays where it
				// is. 原地晋升
				mv.inPlace[r] = true
				mv.kept[obj] = w
				h.StoreMarkWord(obj, heap.ForwardingWord(obj))
				return true
			}
			h.CopyObject(to, obj, size)
			if w.IsMarked() {
				h.StoreMarkWord(to, heap.MarkWord(0).Marked())
			}
			h.StoreMarkWord(obj, heap.ForwardingWord(to))
			mv.copies = append(mv.copies, to)
			mv.movedBytes += int64(size)
			return true
		})
	}
	return mv
}

// forwardee returns where a young object went.
func (c *genCollector) forwardee(ref heap.Addr) heap.Addr {
	if !c.gc.isYoung(ref) {
		return ref
	}
	if w := c.gc.heap.LoadMarkWord(ref); w.IsForwarded() {
		return w.ForwardingAddress()
	}
	return ref
}

func (c *genCollector) updateYoungRefs(dirty []heap.Addr, mv *youngMove) {
	gc := c.gc
	h := gc.heap
	update := func(obj heap.Addr) {
		gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
			if to := c.forwardee(ref); to != ref {
				h.StoreRef(obj, off, to)
			}
		})
	}
	gc.visitRoots(func(slot *heap.Addr) { *slot = c.forwardee(*slot) })
	for _, obj := range mv.copies {
		update(obj)
	}
	for obj := range mv.kept {
		update(obj)
	}
	for _, obj := range dirty {
		update(obj)
	}
	gc.sweepWeakRoots(func(obj heap.Addr) heap.Addr {
		if !gc.isYoung(obj) {
			return obj
		}
		if w := h.LoadMarkWord(obj); w.IsForwarded() {
			return w.ForwardingAddress()
		}
		return 0
	})
}

// promoteInPlace turns an eden region that could not be evacuated into a
// tenured one: objects copied out of it and dead objects become fillers,
// the others get their mark word back. It returns the bytes freed.
func (c *genCollector) promoteInPlace(r *heap.Region, kept map[heap.Addr]heap.MarkWord) int64 {
	h := c.gc.heap
	h.RelabelRegion(r, heap.RegionOld)
	stayed := func(obj heap.Addr) bool {
		_, ok := kept[obj]
		return ok
	}
	live, freed := h.SweepRegion(r, stayed, nil)
	h.IterateObjects(r, func(obj heap.Addr) bool {
		if w, ok := kept[obj]; ok {
			h.StoreMarkWord(obj, w)
		}
		return true
	})
	r.MarkBitmap().ClearAll()
	r.SetLiveBytes(live)
	c.gc.logger.Debug("eden region promoted in place", "region", r.Index(), "live", live)
	return freed
}
