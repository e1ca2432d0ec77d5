// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: marking and scanning

package gc

import (
	"github.com/ifls/regiongc/heap"
)

// MarkStorage is where mark bits live.
type MarkStorage interface {
	IsMarked(obj heap.Addr) bool
	// MarkIfNotMarked marks obj and reports whether this call marked
	// it. Within one pass it returns true exactly once per object.
	MarkIfNotMarked(obj heap.Addr) bool
	Unmark(obj heap.Addr)
}

// InHeaderMarking keeps the mark bit in the object's mark word.
// Non-atomic marking is only correct while a single goroutine marks.
type InHeaderMarking struct {
	h      *heap.Heap
	atomic bool
}

func NewInHeaderMarking(h *heap.Heap, atomic bool) *InHeaderMarking {
	return &InHeaderMarking{h: h, atomic: atomic}
}

func (m *InHeaderMarking) IsMarked(obj heap.Addr) bool {
	return m.h.LoadMarkWord(obj).IsMarked()
}

func (m *InHeaderMarking) MarkIfNotMarked(obj heap.Addr) bool {
	if !m.atomic {
		w := m.h.LoadMarkWord(obj)
		if w.IsMarked() {
			return false
		}
		m.h.StoreMarkWord(obj, w.Marked())
		return true
	}
	for {
		w := m.h.LoadMarkWord(obj)
		if w.IsMarked() {
			return false
		}
		if m.h.CASMarkWord(obj, w, w.Marked()) {
			return true
		}
	}
}

func (m *InHeaderMarking) Unmark(obj heap.Addr) {
	for {
		w := m.h.LoadMarkWord(obj)
		if !w.IsMarked() || m.h.CASMarkWord(obj, w, w.Unmarked()) {
			return
		}
	}
}

// RegionBitmapMarking keeps mark bits in the mark bitmap of the region
// holding the object.
type RegionBitmapMarking struct {
	h      *heap.Heap
	atomic bool
}

func NewRegionBitmapMarking(h *heap.Heap, atomic bool) *RegionBitmapMarking {
	return &RegionBitmapMarking{h: h, atomic: atomic}
}

func (m *RegionBitmapMarking) bitmap(obj heap.Addr) *heap.Bitmap {
	r := m.h.RegionOf(obj)
	if hd := r.HumongousHead(); hd != nil {
		r = hd
	}
	return r.MarkBitmap()
}

func (m *RegionBitmapMarking) IsMarked(obj heap.Addr) bool {
	return m.bitmap(obj).Test(obj)
}

func (m *RegionBitmapMarking) MarkIfNotMarked(obj heap.Addr) bool {
	b := m.bitmap(obj)
	if m.atomic {
		return !b.AtomicTestAndSet(obj)
	}
	if b.Test(obj) {
		return false
	}
	b.Set(obj)
	return true
}

func (m *RegionBitmapMarking) Unmark(obj heap.Addr) {
	m.bitmap(obj).AtomicClear(obj)
}

// refVisitor calls fn for every reference slot of obj, referent
// included, with the slot's body offset and current value. fn is not
// called for nil slots.
type refVisitor func(h *heap.Heap, obj heap.Addr, c *heap.Class, fn func(off uintptr, ref heap.Addr))

func refVisitorFor(l heap.Layout) refVisitor {
	if l == heap.DynamicLayout {
		return visitDynamicRefs
	}
	return visitStaticRefs
}

func visitStaticRefs(h *heap.Heap, obj heap.Addr, c *heap.Class, fn func(uintptr, heap.Addr)) {
	switch c.Kind {
	case heap.KindInstance, heap.KindClassObject, heap.KindReference:
		if c.Kind == heap.KindReference {
			if ref := h.LoadRef(obj, heap.ReferentOffset); ref != 0 {
				fn(heap.ReferentOffset, ref)
			}
		}
		for _, off := range c.RefOffsets {
			if ref := h.LoadRef(obj, off); ref != 0 {
				fn(off, ref)
			}
		}
	case heap.KindRefArray:
		n := h.Length(obj)
		for i := uint32(0); i < n; i++ {
			off := heap.ElementOffset(i)
			if ref := h.LoadRef(obj, off); ref != 0 {
				fn(off, ref)
			}
		}
	}
}

func visitDynamicRefs(h *heap.Heap, obj heap.Addr, c *heap.Class, fn func(uintptr, heap.Addr)) {
	var end uintptr
	switch c.Kind {
	case heap.KindInstance, heap.KindClassObject, heap.KindReference:
		end = c.Size
	case heap.KindRefArray:
		end = heap.ElementOffset(h.Length(obj))
	default:
		return
	}
	for off := uintptr(heap.HeaderSize); off < end; off += heap.WordSize {
		if v := h.LoadWord(obj, off); heap.IsTaggedRef(v) {
			fn(off, heap.Addr(v))
		}
	}
}

// Marker computes the closure of marked objects.
//
// A Marker is configured once per phase: where mark bits live, which
// objects it may mark at all, whether it counts live bytes per region,
// and whether reference objects are diverted to the reference
// processor. The per-object scan routine is fixed by the heap layout
// when the marker is built.
type Marker struct {
	h       *heap.Heap
	storage MarkStorage
	visit   refVisitor
	// filter limits marking to a subset of the heap, e.g. young
	// regions. nil marks everything.
	filter    func(obj heap.Addr) bool
	countLive bool

	refs      *referenceProcessor // nil: referents are strong
	clearSoft bool

	// Large arrays are split into pool tasks when splitArrays is set.
	splitArrays bool
	largeArray  uint32
	pool        WorkerTaskPool
	stackLimit  int
	now         func() int64
}

func (gc *GC) newMarker(storage MarkStorage, filter func(heap.Addr) bool) *Marker {
	return &Marker{
		h:          gc.heap,
		storage:    storage,
		visit:      gc.visitRefs,
		filter:     filter,
		largeArray: uint32(gc.settings.LargeArray),
		stackLimit: gc.settings.MarkStackLimit,
		now:        gc.nanotime,
	}
}

// NewStack returns an empty marking stack bound to m. Without a pool
// the caller scans everything itself.
func (m *Marker) NewStack(pool WorkerTaskPool) *MarkingStack {
	return newMarkingStack(m, pool, m.stackLimit, m.now)
}

func (m *Marker) Storage() MarkStorage { return m.storage }

func (m *Marker) IsMarked(obj heap.Addr) bool { return m.storage.IsMarked(obj) }

// MarkObject marks obj and, if it was not marked yet, pushes it. It
// reports whether obj was newly marked.
func (m *Marker) MarkObject(st *MarkingStack, obj heap.Addr) bool {
	if obj == 0 || (m.filter != nil && !m.filter(obj)) {
		return false
	}
	if !m.storage.MarkIfNotMarked(obj) {
		return false
	}
	if m.countLive {
		m.addLive(obj)
	}
	st.Push(obj)
	return true
}

func (m *Marker) addLive(obj heap.Addr) {
	r := m.h.RegionOf(obj)
	if hd := r.HumongousHead(); hd != nil {
		r = hd
	}
	r.AddLiveBytes(int64(m.h.ObjectSize(obj)))
}

func (m *Marker) scanObject(st *MarkingStack, obj heap.Addr) {
	c := m.h.ClassOf(obj)
	if c == nil {
		throw("gc: scanning object with invalid class")
	}
	m.MarkInstance(st, obj, c)
}

// MarkInstance pushes every unmarked object referenced by obj.
func (m *Marker) MarkInstance(st *MarkingStack, obj heap.Addr, c *heap.Class) {
	switch c.Kind {
	case heap.KindPrimArray, heap.KindFiller:
		return
	case heap.KindRefArray:
		if n := m.h.Length(obj); m.splitArrays && m.pool != nil && n > m.largeArray {
			m.splitArray(st, obj, n)
			return
		}
	case heap.KindReference:
		if m.refs != nil && m.isWeak(c) {
			if referent := loadReferent(m.h, obj); referent != 0 && !m.storage.IsMarked(referent) {
				m.refs.discover(obj)
			}
			m.visit(m.h, obj, c, func(off uintptr, ref heap.Addr) {
				if off != heap.ReferentOffset {
					m.MarkObject(st, ref)
				}
			})
			return
		}
	}
	m.visit(m.h, obj, c, func(_ uintptr, ref heap.Addr) {
		m.MarkObject(st, ref)
	})
}

func (m *Marker) isWeak(c *heap.Class) bool {
	return c.Strength != heap.SoftRef || m.clearSoft
}

// splitArray hands ranges of a large reference array to the pool. A
// range the pool refuses is scanned right away.
func (m *Marker) splitArray(st *MarkingStack, obj heap.Addr, n uint32) {
	chunk := max(m.largeArray/2, 1)
	for begin := uint32(0); begin < n; begin += chunk {
		end := min(begin+chunk, n)
		t := WorkerTask{kind: taskArrayRange, marker: m, obj: obj, begin: begin, end: end}
		if !m.pool.AddTask(t) {
			m.markRange(st, obj, begin, end)
		}
	}
}

func (m *Marker) markRange(st *MarkingStack, obj heap.Addr, begin, end uint32) {
	dynamic := m.h.Layout() == heap.DynamicLayout
	for i := begin; i < end; i++ {
		v := m.h.LoadWord(obj, heap.ElementOffset(i))
		if dynamic && !heap.IsTaggedRef(v) {
			continue
		}
		m.MarkObject(st, heap.Addr(v))
	}
}

// Drain marks objects reachable from st, using pool for parallelism if
// it is not nil, and waits for all of it.
func (m *Marker) Drain(st *MarkingStack, pool WorkerTaskPool) {
	st.TraverseObjects()
	if pool != nil {
		pool.WaitUntilTasksEnd()
	}
}

// processMarkingTask runs a marking worker task.
func processMarkingTask(t *WorkerTask, pool WorkerTaskPool) {
	m := t.marker
	st := m.NewStack(pool)
	switch t.kind {
	case taskMarking:
		st.src = t.stack
	case taskArrayRange:
		m.markRange(st, t.obj, t.begin, t.end)
	}
	st.TraverseObjects()
}

// markFromRoots marks everything reachable from the strong roots.
func (gc *GC) markFromRoots(m *Marker, pool WorkerTaskPool) {
	st := m.NewStack(pool)
	gc.visitRoots(func(slot *heap.Addr) { m.MarkObject(st, *slot) })
	m.Drain(st, pool)
}

// liveAfterMarking returns the referent resolver of a marking collection:
// objects outside the marker's filter are not collected by it and stay.
func (m *Marker) liveAfterMarking(obj heap.Addr) heap.Addr {
	if m.filter != nil && !m.filter(obj) {
		return obj
	}
	if m.storage.IsMarked(obj) {
		return obj
	}
	return 0
}

// processWeak clears the referents and weak roots that m did not reach.
func (gc *GC) processWeak(m *Marker) {
	if cleared := gc.refs.process(m.liveAfterMarking); cleared > 0 {
		gc.logger.Debug("references cleared", "count", cleared)
	}
	gc.sweepWeakRoots(m.liveAfterMarking)
}

// allocateBlack installs m as the marker of new objects for the rest of
// the marking.
func (gc *GC) allocateBlack(m *Marker) {
	gc.setInitBits(func(obj heap.Addr) {
		if m.filter != nil && !m.filter(obj) {
			return
		}
		if m.storage.MarkIfNotMarked(obj) && m.countLive {
			m.addLive(obj)
		}
	})
}
