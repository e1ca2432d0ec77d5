// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Region collector.
//
// Every collection but a full one is an evacuation pause over a
// collection set: all eden regions, plus up to g1mixedmax old regions
// chosen by the last concurrent marking. Live objects of the collection
// set are copied into fresh old regions; the collection set is freed.
//
// Roots of a pause are the strong roots and the cards in the remembered
// sets of the collection set's regions. A remembered set holds the cards
// of other regions that may refer into the region. Mutators feed them
// through the post-barrier and the dirty card queue; a pause feeds them
// for the copies it makes.
//
// Evacuation runs on per-worker states. Each worker owns one to-region
// at a time, so copies are plain bump allocations; the forwarding word
// is installed with a CAS and the loser gives its copy back. A worker
// that finds no free region forwards the object to itself and its
// region is kept as an old region ("evacuation failure"). 转移失败则原地保留
//
// A marking cycle starts with a young pause, so that eden is empty, and
// marks the non-young regions into their bitmaps while counting live
// bytes. Regions left empty are freed at remark; regions with at least
// g1garbagerate percent of garbage become candidates for mixed pauses.

package gc

import (
	"cmp"
	"slices"
	"sync"

	"github.com/ifls/regiongc/heap"
)

type g1Collector struct {
	gc      *GC
	storage *RegionBitmapMarking
	cards   dirtyCardQueue

	// mixed holds the candidates of the last marking, most garbage
	// first. Only the collecting goroutine touches it.
	mixed []*heap.Region
}

func newG1Collector(gc *GC) *g1Collector {
	return &g1Collector{gc: gc, storage: NewRegionBitmapMarking(gc.heap, true)}
}

func (c *g1Collector) checkCause(cause Cause) bool { return cause != CauseInvalid }

func (c *g1Collector) allocFailureCause() Cause { return CauseYoung }

func (c *g1Collector) postWriteBarrier(obj heap.Addr, off uintptr, val heap.Addr) {
	c.gc.g1PostBarrier(&c.cards, obj, off, val)
}

func (c *g1Collector) processWorkerTask(t *WorkerTask) {
	if t.kind != taskEvacuate {
		throw("gc: unexpected worker task for the region collector")
	}
	t.evac.process(t)
}

func (c *g1Collector) markStorage() MarkStorage { return c.storage }

func (c *g1Collector) haveEnoughSpaceToMove() bool {
	h := c.gc.heap
	return uint64(h.FreeRegionCount())*uint64(h.RegionSize()) >= c.gc.alloc.YoungUsedBytes()
}

// computeNewSize moves the eden length one region towards the pause time
// goal after every young or mixed pause.
func (c *g1Collector) computeNewSize() {
	gc := c.gc
	limit := gc.settings.YoungRegions
	if limit <= 0 {
		limit = gc.heap.RegionCount() / 4
	}
	n := gc.alloc.MaxYoungRegions()
	last := gc.Stats().Last
	if goal := gc.settings.PauseGoal; goal > 0 && (last.Type == CollectionYoung || last.Type == CollectionMixed) {
		switch {
		case last.Pause > goal:
			n--
		case last.Pause < goal/2:
			n++
		}
	}
	free := gc.heap.FreeRegionCount() + gc.alloc.YoungRegionCount()
	gc.alloc.SetMaxYoungRegions(min(n, limit, max(free/2, 1)))
}

func (c *g1Collector) run(t *Task) {
	gc := c.gc
	switch {
	case c.needFull(t):
		c.runFull(t)
	case t.Cause == CauseYoung || t.Cause == CauseMixed:
		gc.stopTheWorld()
		c.evacuationPause(t)
		gc.startTheWorld()
	default:
		c.runMarking(t)
	}
}

func (c *g1Collector) needFull(t *Task) bool {
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

// evacuationPause collects eden and, if a marking left candidates, some
// old regions. The world is stopped.
func (c *g1Collector) evacuationPause(t *Task) {
	gc := c.gc
	h := gc.heap

	gc.enterPhase(PhaseCollectRoots)
	gc.handlePendingDirtyCards(&c.cards)
	cset := gc.alloc.EdenRegions()
	t.CollectionType = CollectionYoung
	if old := c.takeMixed(); len(old) > 0 {
		cset = append(cset, old...)
		t.CollectionType = CollectionMixed
	}
	for _, r := range cset {
		r.AddFlag(heap.RegionInCollectionSet)
	}
	cards := c.remsetCards(cset)
	roots := gc.rootSlots()
	gc.leavePhase(PhaseCollectRoots)

	gc.enterPhase(PhaseCollectYoungAndMove)
	ev := c.newEvacuation()
	ev.run(roots, cards, gc.markingPool(gc.settings.ParallelMark))
	gc.sweepWeakRoots(c.forwardOrClear)
	gc.leavePhase(PhaseCollectYoungAndMove)

	gc.enterPhase(PhaseCleanup)
	c.releaseCollectionSet(cset, ev)
	h.CardTable().ClearAll()
	gc.alloc.ResetYoung()
	gc.alloc.DropFreedRegions()
	gc.leavePhase(PhaseCleanup)
}

// takeMixed pops the old regions of the next mixed pause. Candidates that
// were freed or reused since the marking are skipped.
func (c *g1Collector) takeMixed() []*heap.Region {
	var out []*heap.Region
	for len(c.mixed) > 0 && len(out) < max(c.gc.settings.G1MixedMax, 1) {
		r := c.mixed[0]
		c.mixed = c.mixed[1:]
		if r.IsOld() && !r.InCollectionSet() {
			out = append(out, r)
		}
	}
	return out
}

// remsetCards returns the cards of the remembered sets of cset whose
// region is not collected itself.
func (c *g1Collector) remsetCards(cset []*heap.Region) []int {
	h := c.gc.heap
	ct := h.CardTable()
	seen := make(map[int]bool)
	var out []int
	for _, r := range cset {
		for _, card := range r.RemSet().Cards() {
			if seen[card] {
				continue
			}
			seen[card] = true
			src := h.RegionOf(ct.CardStart(card))
			if src == nil || src.IsFree() || src.InCollectionSet() || src.IsEden() {
				continue
			}
			out = append(out, card)
		}
	}
	slices.Sort(out)
	return out
}

// forwardOrClear resolves a weak root after evacuation: collected objects
// that were not copied are dead.
func (c *g1Collector) forwardOrClear(obj heap.Addr) heap.Addr {
	h := c.gc.heap
	r := h.RegionOf(obj)
	if r == nil || !r.InCollectionSet() {
		return obj
	}
	if w := h.LoadMarkWord(obj); w.IsForwarded() {
		return w.ForwardingAddress()
	}
	return 0
}

// releaseCollectionSet frees the evacuated regions and keeps the failed
// ones as old regions.
func (c *g1Collector) releaseCollectionSet(cset []*heap.Region, ev *evacuation) {
	gc := c.gc
	h := gc.heap
	var freed int64
	for _, r := range cset {
		if ev.failed[r] {
			continue
		}
		freed += r.AllocatedBytes()
		h.FreeRegion(r)
	}
	for r := range ev.failed {
		freed += ev.keepFailed(r)
	}
	gc.addFreed(freed - ev.moved)
	gc.addMoved(ev.moved)
	if len(ev.failed) > 0 {
		gc.logger.Warn("evacuation failed", "regions", len(ev.failed), "objects", len(ev.selfForwarded))
	}
}

// remsetOwner returns the region whose remembered set must hold a card
// of from that refers into to, nil if no remembered set needs it.
func remsetOwner(from, to *heap.Region) *heap.Region {
	if to == nil || to == from || to.IsFree() {
		return nil
	}
	if hd := to.HumongousHead(); hd != nil {
		return hd
	}
	return to
}

// evacuation is the state of one evacuation shared by its workers.
type evacuation struct {
	c  *g1Collector
	gc *GC
	h  *heap.Heap

	mu sync.Mutex
	// spare holds to-regions with room left by finished workers. They
	// are not kept past the evacuation.
	spare         []*heap.Region
	failed        map[*heap.Region]bool
	selfForwarded []heap.Addr
	moved         int64
}

func (c *g1Collector) newEvacuation() *evacuation {
	return &evacuation{c: c, gc: c.gc, h: c.gc.heap, failed: make(map[*heap.Region]bool)}
}

const (
	evacRootChunk = 64
	evacCardChunk = 16
)

// run evacuates everything reachable from roots and cards, in parallel if
// pool is not nil.
func (ev *evacuation) run(roots []*heap.Addr, cards []int, pool WorkerTaskPool) {
	if pool == nil {
		ev.process(&WorkerTask{kind: taskEvacuate, evac: ev, slots: roots, cards: cards})
		return
	}
	submit := func(t WorkerTask) {
		if !pool.AddTask(t) {
			ev.process(&t)
		}
	}
	for i := 0; i < len(roots); i += evacRootChunk {
		submit(WorkerTask{kind: taskEvacuate, evac: ev, slots: roots[i:min(i+evacRootChunk, len(roots))]})
	}
	for i := 0; i < len(cards); i += evacCardChunk {
		submit(WorkerTask{kind: taskEvacuate, evac: ev, cards: cards[i:min(i+evacCardChunk, len(cards))]})
	}
	pool.WaitUntilTasksEnd()
}

// process runs one evacuation task on a fresh worker state.
func (ev *evacuation) process(t *WorkerTask) {
	s := ev.newWorkerState()
	for _, slot := range t.slots {
		s.processRoot(slot)
	}
	for _, card := range t.cards {
		s.processCard(card)
	}
	s.drain()
	s.flush()
}

// takeRegion returns a to-region with at least size bytes free, nil if
// the heap has none.
func (ev *evacuation) takeRegion(size uintptr) *heap.Region {
	ev.mu.Lock()
	for i := len(ev.spare) - 1; i >= 0; i-- {
		if r := ev.spare[i]; r.Free() >= size {
			ev.spare = slices.Delete(ev.spare, i, i+1)
			ev.mu.Unlock()
			return r
		}
	}
	ev.mu.Unlock()
	return ev.h.AllocRegion(heap.RegionOld)
}

// keepFailed turns a region that could not be evacuated completely into
// an old region holding its self-forwarded objects, and returns the
// bytes freed in it.
func (ev *evacuation) keepFailed(r *heap.Region) int64 {
	h := ev.h
	h.RelabelRegion(r, heap.RegionOld)
	selfForwarded := func(obj heap.Addr) bool {
		w := h.LoadMarkWord(obj)
		return w.IsForwarded() && w.ForwardingAddress() == obj
	}
	live, freed := h.SweepRegion(r, selfForwarded, nil)
	h.IterateObjects(r, func(obj heap.Addr) bool {
		if !h.IsFiller(obj) {
			h.StoreMarkWord(obj, 0)
		}
		return true
	})
	r.SetLiveBytes(live)
	return freed
}

// evacWorkerState is the private state of one evacuation worker: its
// to-region, its scan stack, and the remembered set and live byte
// updates it publishes when done.
type evacWorkerState struct {
	ev    *evacuation
	to    *heap.Region
	stack []heap.Addr

	cards  map[*heap.Region][]int
	live   map[*heap.Region]int64
	moved  int64
	failed []heap.Addr
}

func (ev *evacuation) newWorkerState() *evacWorkerState {
	return &evacWorkerState{
		ev:    ev,
		cards: make(map[*heap.Region][]int),
		live:  make(map[*heap.Region]int64),
	}
}

func (s *evacWorkerState) alloc(size uintptr) heap.Addr {
	a := s.ev.gc.alloc
	if s.to != nil {
		if obj := a.AllocIn(s.to, size); obj != 0 {
			return obj
		}
	}
	s.to = s.ev.takeRegion(size)
	if s.to == nil {
		return 0
	}
	return a.AllocIn(s.to, size)
}

// evacuate copies obj out of the collection set, once, and returns where
// it lives now.
func (s *evacWorkerState) evacuate(obj heap.Addr) heap.Addr {
	h := s.ev.h
	w := h.LoadMarkWord(obj)
	if w.IsForwarded() {
		return w.ForwardingAddress()
	}
	size := h.ObjectSize(obj)
	to := s.alloc(size)
	if to == 0 {
		return s.selfForward(obj, w)
	}
	h.CopyObject(to, obj, size)
	if !h.CASMarkWord(obj, w, heap.ForwardingWord(to)) {
		// Another worker won.
		s.ev.gc.alloc.UndoAllocIn(to, size)
		return h.LoadMarkWord(obj).ForwardingAddress()
	}
	s.live[h.RegionOf(to)] += int64(size)
	s.moved += int64(size)
	s.stack = append(s.stack, to)
	return to
}

func (s *evacWorkerState) selfForward(obj heap.Addr, w heap.MarkWord) heap.Addr {
	h := s.ev.h
	if !h.CASMarkWord(obj, w, heap.ForwardingWord(obj)) {
		return h.LoadMarkWord(obj).ForwardingAddress()
	}
	s.failed = append(s.failed, obj)
	s.stack = append(s.stack, obj)
	return obj
}

func (s *evacWorkerState) processRoot(slot *heap.Addr) {
	ref := *slot
	if ref == 0 {
		return
	}
	if r := s.ev.h.RegionOf(ref); r != nil && r.InCollectionSet() {
		*slot = s.evacuate(ref)
	}
}

// processCard handles the slots on card that refer into the collection
// set.
func (s *evacWorkerState) processCard(card int) {
	h := s.ev.h
	ct := h.CardTable()
	begin, end := ct.CardStart(card), ct.CardEnd(card)
	h.IterateObjectsInRange(h.RegionOf(begin), begin, end, func(obj heap.Addr) {
		s.ev.gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
			slot := obj + heap.Addr(off)
			if slot < begin || slot >= end {
				return
			}
			if r := h.RegionOf(ref); r != nil && r.InCollectionSet() {
				s.processRef(obj, off, ref)
			}
		})
	})
}

// processRef evacuates the referent of obj's slot at off if needed,
// updates the slot and remembers the card for the referent's region.
func (s *evacWorkerState) processRef(obj heap.Addr, off uintptr, ref heap.Addr) {
	h := s.ev.h
	r := h.RegionOf(ref)
	if r == nil {
		return
	}
	if r.InCollectionSet() {
		to := s.evacuate(ref)
		if to != ref {
			h.StoreRef(obj, off, to)
		}
		r = h.RegionOf(to)
	}
	if owner := remsetOwner(h.RegionOf(obj), r); owner != nil {
		s.cards[owner] = append(s.cards[owner], h.CardTable().Index(obj+heap.Addr(off)))
	}
}

func (s *evacWorkerState) drain() {
	h := s.ev.h
	for len(s.stack) > 0 {
		obj := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		s.ev.gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
			s.processRef(obj, off, ref)
		})
	}
}

// flush publishes the worker's updates.
func (s *evacWorkerState) flush() {
	ev := s.ev
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for r, cards := range s.cards {
		r.RemSet().AddCards(cards)
	}
	for r, n := range s.live {
		r.AddLiveBytes(n)
	}
	ev.moved += s.moved
	for _, obj := range s.failed {
		ev.failed[ev.h.RegionOf(obj)] = true
	}
	ev.selfForwarded = append(ev.selfForwarded, s.failed...)
	if s.to != nil && s.to.Free() > 0 {
		ev.spare = append(ev.spare, s.to)
	}
	s.to = nil
}

// runMarking runs a marking cycle: a young pause with initial marking,
// concurrent marking unless disabled, remark, and the freeing of empty
// regions.
func (c *g1Collector) runMarking(t *Task) {
	gc := c.gc
	h := gc.heap
	concurrent := gc.settings.Concurrent

	gc.stopTheWorld()
	c.evacuationPause(t)
	t.CollectionType = CollectionTenured

	gc.enterPhase(PhaseInitialMark)
	c.mixed = nil
	h.IterateRegions(0, func(r *heap.Region) {
		r.MarkBitmap().ClearAll()
		r.SetLiveBytes(0)
	})
	pool := gc.markingPool(gc.settings.ParallelMark)
	m := gc.newMarker(c.storage, func(obj heap.Addr) bool { return !gc.isYoung(obj) })
	m.pool = pool
	m.refs = gc.refs
	m.countLive = true
	gc.concurrentMarking.Store(concurrent)
	gc.allocateBlack(m)
	st := m.NewStack(pool)
	gc.visitRoots(func(slot *heap.Addr) { m.MarkObject(st, *slot) })
	gc.leavePhase(PhaseInitialMark)
	if concurrent {
		gc.startTheWorld()
	}

	gc.enterPhase(PhaseMark)
	m.Drain(st, pool)
	gc.leavePhase(PhaseMark)

	if concurrent {
		gc.stopTheWorld()
	}
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

	gc.enterPhase(PhaseSweep)
	gc.alloc.ResetFreeLists()
	gc.sweepRegions(gc.newRegionSweep(c.storage.IsMarked), gc.sweepableRegions(), rpool)
	gc.alloc.DropFreedRegions()
	gc.leavePhase(PhaseSweep)

	gc.enterPhase(PhaseCleanup)
	c.selectMixed()
	h.ClearMarks()
	gc.leavePhase(PhaseCleanup)
	gc.startTheWorld()
}

// selectMixed picks the old regions worth evacuating, most garbage
// first.
func (c *g1Collector) selectMixed() {
	h := c.gc.heap
	rate := int64(c.gc.settings.G1GarbageRate)
	var cands []*heap.Region
	h.IterateRegions(heap.RegionOld, func(r *heap.Region) {
		if g := r.GarbageBytes(); g > 0 && g*100 >= int64(r.Size())*rate {
			cands = append(cands, r)
		}
	})
	slices.SortFunc(cands, func(a, b *heap.Region) int {
		return cmp.Compare(b.GarbageBytes(), a.GarbageBytes())
	})
	c.mixed = cands
	c.gc.logger.Debug("mixed candidates", "regions", len(cands))
}

// runFull marks the whole heap, sweeps it and compacts it as far as the
// free regions allow, all on one pause.
func (c *g1Collector) runFull(t *Task) {
	gc := c.gc
	h := gc.heap
	t.CollectionType = CollectionFull

	gc.stopTheWorld()
	gc.enterPhase(PhaseMark)
	c.cards.drain()
	c.mixed = nil
	h.IterateRegions(0, func(r *heap.Region) {
		r.MarkBitmap().ClearAll()
		r.SetLiveBytes(0)
	})
	pool := gc.markingPool(gc.settings.ParallelMark)
	m := gc.newMarker(c.storage, nil)
	m.pool = pool
	m.refs = gc.refs
	m.clearSoft = t.Cause == CauseOOM
	m.countLive = true
	gc.markFromRoots(m, pool)
	gc.processWeak(m)
	gc.leavePhase(PhaseMark)

	gc.enterPhase(PhaseSweep)
	gc.alloc.ResetFreeLists()
	all := h.CollectRegions(heap.RegionEden | heap.RegionOld | heap.RegionHumongous | heap.RegionNonMovable)
	gc.sweepRegions(gc.newRegionSweep(c.storage.IsMarked), all, pool)
	gc.alloc.Reset()
	gc.leavePhase(PhaseSweep)

	gc.enterPhase(PhaseCollectYoungAndMove)
	c.compact()
	gc.leavePhase(PhaseCollectYoungAndMove)

	gc.enterPhase(PhaseCleanup)
	for _, r := range h.CollectRegions(heap.RegionEden) {
		h.RelabelRegion(r, heap.RegionOld)
	}
	c.rebuildRemSets()
	h.CardTable().ClearAll()
	h.ClearMarks()
	gc.alloc.Reset()
	gc.leavePhase(PhaseCleanup)
	gc.startTheWorld()
}

// compact evacuates eden and the old regions with the most garbage in
// batches whose live bytes fit in half of the free regions. Each batch
// is freed before the next one is chosen.
func (c *g1Collector) compact() {
	h := c.gc.heap
	for {
		batch := c.compactionBatch()
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			r.AddFlag(heap.RegionInCollectionSet)
		}
		ev := c.newEvacuation()
		s := ev.newWorkerState()
		for _, r := range batch {
			h.IterateObjects(r, func(obj heap.Addr) bool {
				if !h.IsFiller(obj) {
					s.evacuate(obj)
				}
				return true
			})
		}
		// Copies are fixed up with the rest of the heap.
		s.stack = nil
		s.flush()
		c.updateHeapRefs()
		c.releaseCollectionSet(batch, ev)
		if len(ev.failed) > 0 {
			return
		}
	}
}

func (c *g1Collector) compactionBatch() []*heap.Region {
	h := c.gc.heap
	budget := int64(h.FreeRegionCount()) * int64(h.RegionSize()) / 2
	rate := int64(c.gc.settings.G1GarbageRate)
	var eden, old []*heap.Region
	h.IterateRegions(heap.RegionEden|heap.RegionOld, func(r *heap.Region) {
		switch g := r.GarbageBytes(); {
		case r.IsEden():
			eden = append(eden, r)
		case g > 0 && g*100 >= int64(r.Size())*rate:
			old = append(old, r)
		}
	})
	slices.SortFunc(old, func(a, b *heap.Region) int {
		return cmp.Compare(b.GarbageBytes(), a.GarbageBytes())
	})
	var batch []*heap.Region
	for _, r := range append(eden, old...) {
		if live := r.LiveBytes(); live <= budget {
			budget -= live
			batch = append(batch, r)
		}
	}
	return batch
}

// updateHeapRefs redirects every reference to a forwarded object of the
// collection set, in the heap, the roots and the weak roots.
func (c *g1Collector) updateHeapRefs() {
	gc := c.gc
	h := gc.heap
	forward := func(ref heap.Addr) heap.Addr {
		if r := h.RegionOf(ref); r != nil && r.InCollectionSet() {
			if w := h.LoadMarkWord(ref); w.IsForwarded() {
				return w.ForwardingAddress()
			}
		}
		return ref
	}
	h.IterateRegions(0, func(r *heap.Region) {
		h.IterateObjects(r, func(obj heap.Addr) bool {
			if h.IsFiller(obj) {
				return true
			}
			gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
				if to := forward(ref); to != ref {
					h.StoreRef(obj, off, to)
				}
			})
			return true
		})
	})
	gc.visitRoots(func(slot *heap.Addr) { *slot = forward(*slot) })
	gc.sweepWeakRoots(forward)
}

// rebuildRemSets recomputes every remembered set from the heap.
func (c *g1Collector) rebuildRemSets() {
	gc := c.gc
	h := gc.heap
	ct := h.CardTable()
	h.IterateRegions(0, func(r *heap.Region) { r.RemSet().Clear() })
	h.IterateRegions(0, func(r *heap.Region) {
		h.IterateObjects(r, func(obj heap.Addr) bool {
			if h.IsFiller(obj) {
				return true
			}
			gc.visitRefs(h, obj, h.ClassOf(obj), func(off uintptr, ref heap.Addr) {
				if owner := remsetOwner(r, h.RegionOf(ref)); owner != nil {
					owner.RemSet().AddCard(ct.Index(obj + heap.Addr(off)))
				}
			})
			return true
		})
	})
}
