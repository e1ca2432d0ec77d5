// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Object allocator.
//
// Small objects are bump-allocated into the current eden region (or,
// when the collector is not generational, the current old region);
// objects larger than half a region get a run of humongous regions of
// their own; non-movable objects come from first-fit free lists kept
// over dedicated regions.
//
// The allocator never triggers a collection itself. A zero address
// means "no memory right now"; the mutator decides whether to collect
// and retry.

package heap

import (
	"sync"
	"sync/atomic"

	"github.com/ifls/regiongc/internal/math"
)

// arraySize returns the size of an n-element array of elem-byte
// elements including the header, 0 on overflow.
func arraySize(n, elem uintptr) uintptr {
	body, overflow := math.MulUintptr(n, elem)
	if overflow {
		return 0
	}
	size, overflow := math.AddUintptr(body, HeaderSize)
	if overflow || size > math.MaxUintptr-ObjectAlignment {
		return 0
	}
	return math.AlignUp(size, ObjectAlignment)
}

// freeBlock is a reusable range in a non-movable region.
type freeBlock struct {
	addr Addr
	size uintptr
}

// Allocator hands out object memory from a Heap.
type Allocator struct {
	h *Heap

	// young selects eden allocation. Without it regular objects go
	// straight to old regions.
	young bool

	refill     sync.Mutex // serializes taking new regions
	eden       atomic.Pointer[Region]
	old        atomic.Pointer[Region]
	maxYoung   atomic.Int32
	edenCount  atomic.Int32

	nmLock     sync.Mutex
	nonMovable *Region
	freeList   []freeBlock

	// initBits is called on every fresh object so that the collector can
	// allocate black while it is marking.
	initBits atomic.Pointer[func(Addr)]
}

// NewAllocator returns an allocator over h. With young set, regular
// objects are allocated in eden regions, at most maxYoung of them.
func NewAllocator(h *Heap, young bool, maxYoung int) *Allocator {
	a := &Allocator{h: h, young: young}
	if maxYoung <= 0 {
		maxYoung = h.RegionCount()
	}
	a.maxYoung.Store(int32(maxYoung))
	return a
}

func (a *Allocator) Heap() *Heap { return a.h }

// Young reports whether regular objects are allocated in eden.
func (a *Allocator) Young() bool { return a.young }

// SetGCBitsInitializer installs fn to run on every new object, nil to
// remove it.
func (a *Allocator) SetGCBitsInitializer(fn func(Addr)) {
	if fn == nil {
		a.initBits.Store(nil)
		return
	}
	a.initBits.Store(&fn)
}

func (a *Allocator) MaxYoungRegions() int     { return int(a.maxYoung.Load()) }
func (a *Allocator) SetMaxYoungRegions(n int) { a.maxYoung.Store(int32(max(n, 1))) }

// HumongousThreshold is the smallest object size placed in humongous
// regions.
func (a *Allocator) HumongousThreshold() uintptr { return a.h.cfg.RegionSize / 2 }

// Allocate returns a new zeroed object of class c, 0 if no memory is
// available without a collection.
func (a *Allocator) Allocate(c *Class, length uint32) Addr {
	size := c.ObjectSize(length)
	if size == 0 {
		return 0
	}
	var obj Addr
	switch {
	case size > a.HumongousThreshold():
		obj = a.allocHumongous(size)
	case a.young:
		obj = a.bump(&a.eden, RegionEden, size)
	default:
		obj = a.bump(&a.old, RegionOld, size)
	}
	if obj == 0 {
		return 0
	}
	a.publish(obj, c, length)
	return obj
}

// AllocateNonMovable returns a new zeroed object that no collector will
// ever move.
func (a *Allocator) AllocateNonMovable(c *Class, length uint32) Addr {
	size := c.ObjectSize(length)
	if size == 0 || size > a.HumongousThreshold() {
		return 0
	}
	a.nmLock.Lock()
	obj := a.allocFromFreeList(size)
	if obj == 0 {
		obj = a.allocNonMovableBump(size)
	}
	a.nmLock.Unlock()
	if obj == 0 {
		return 0
	}
	a.publish(obj, c, length)
	return obj
}

// AllocateOld returns a new instance of c in an old region, past the
// eden limit. Humongous sizes are refused.
func (a *Allocator) AllocateOld(c *Class, length uint32) Addr {
	size := c.ObjectSize(length)
	if size == 0 || size > a.HumongousThreshold() {
		return 0
	}
	obj := a.bump(&a.old, RegionOld, size)
	if obj == 0 {
		return 0
	}
	a.publish(obj, c, length)
	return obj
}

// AllocateTenured reserves size raw bytes in an old region for an
// object promoted out of eden. The header is written by the copy.
func (a *Allocator) AllocateTenured(size uintptr) Addr {
	return a.bump(&a.old, RegionOld, size)
}

// AllocIn bump-allocates size raw bytes in r, owned by the caller, and
// accounts them. It returns 0 if r is full.
func (a *Allocator) AllocIn(r *Region, size uintptr) Addr {
	obj := r.alloc(size)
	if obj != 0 {
		a.account(r, obj, size)
	}
	return obj
}

// UndoAllocIn gives back an allocation made by AllocIn or
// AllocateTenured. If it is no longer the last one in r, the space is
// left behind as a filler.
func (a *Allocator) UndoAllocIn(obj Addr, size uintptr) {
	r := a.h.RegionOf(obj)
	r.allocated.Add(-int64(size))
	a.h.footprint.Add(-int64(size))
	if r.undoAlloc(obj, size) {
		clear(a.h.mem[obj : obj+Addr(size)])
		r.liveBitmap.AtomicClear(obj)
		return
	}
	a.h.makeFiller(obj, size)
}

func (a *Allocator) publish(obj Addr, c *Class, length uint32) {
	a.h.initObject(obj, c.ID, length)
	if fn := a.initBits.Load(); fn != nil {
		(*fn)(obj)
	}
}

func (a *Allocator) account(r *Region, obj Addr, size uintptr) {
	r.liveBitmap.AtomicTestAndSet(obj)
	r.allocated.Add(int64(size))
	a.h.footprint.Add(int64(size))
}

func (a *Allocator) bump(cur *atomic.Pointer[Region], flag RegionFlag, size uintptr) Addr {
	for {
		r := cur.Load()
		if r != nil {
			if obj := r.alloc(size); obj != 0 {
				a.account(r, obj, size)
				return obj
			}
		}
		a.refill.Lock()
		if cur.Load() != r {
			// Someone else refilled.
			a.refill.Unlock()
			continue
		}
		if flag == RegionEden && int(a.edenCount.Load()) >= a.MaxYoungRegions() {
			a.refill.Unlock()
			return 0
		}
		nr := a.h.AllocRegion(flag)
		if nr == nil {
			a.refill.Unlock()
			return 0
		}
		if flag == RegionEden {
			a.edenCount.Add(1)
		}
		cur.Store(nr)
		a.refill.Unlock()
	}
}

func (a *Allocator) allocHumongous(size uintptr) Addr {
	rs := a.h.cfg.RegionSize
	n := int(math.DivRoundUp(size, rs))
	head := a.h.allocHumongousRegions(n)
	if head == nil {
		return 0
	}
	obj := head.alloc(min(size, rs))
	a.account(head, obj, size)
	return obj
}

func (a *Allocator) allocFromFreeList(size uintptr) Addr {
	for i, b := range a.freeList {
		if b.size < size {
			continue
		}
		rest := b.size - size
		if rest != 0 && rest < HeaderSize {
			// Too small to carry a filler header.
			continue
		}
		if rest == 0 {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		} else {
			a.freeList[i] = freeBlock{b.addr + Addr(size), rest}
			a.h.makeFiller(b.addr+Addr(size), rest)
		}
		clear(a.h.mem[b.addr : b.addr+Addr(size)])
		a.account(a.h.RegionOf(b.addr), b.addr, size)
		return b.addr
	}
	return 0
}

func (a *Allocator) allocNonMovableBump(size uintptr) Addr {
	if r := a.nonMovable; r != nil {
		if obj := r.alloc(size); obj != 0 {
			a.account(r, obj, size)
			return obj
		}
	}
	r := a.h.AllocRegion(RegionNonMovable)
	if r == nil {
		return 0
	}
	a.nonMovable = r
	obj := r.alloc(size)
	a.account(r, obj, size)
	return obj
}

// AddFreeBlock makes [obj, obj+size) of a non-movable region reusable.
// The block must already be a filler.
func (a *Allocator) AddFreeBlock(obj Addr, size uintptr) {
	a.nmLock.Lock()
	a.freeList = append(a.freeList, freeBlock{obj, size})
	a.nmLock.Unlock()
}

// ResetFreeLists forgets every free block, before a sweep rebuilds them.
func (a *Allocator) ResetFreeLists() {
	a.nmLock.Lock()
	a.freeList = a.freeList[:0]
	a.nmLock.Unlock()
}

// FreeListBytes returns the total size of the non-movable free blocks.
func (a *Allocator) FreeListBytes() uintptr {
	a.nmLock.Lock()
	defer a.nmLock.Unlock()
	var n uintptr
	for _, b := range a.freeList {
		n += b.size
	}
	return n
}

// IsAllocRegion reports whether r is a current allocation target, which
// must not be freed outside a pause.
func (a *Allocator) IsAllocRegion(r *Region) bool {
	if r == a.eden.Load() || r == a.old.Load() {
		return true
	}
	a.nmLock.Lock()
	defer a.nmLock.Unlock()
	return r == a.nonMovable
}

// EdenRegions returns every eden region.
func (a *Allocator) EdenRegions() []*Region {
	return a.h.CollectRegions(RegionEden)
}

// YoungUsedBytes returns the bytes allocated in eden since the last
// young collection.
func (a *Allocator) YoungUsedBytes() uint64 {
	var n uint64
	a.h.IterateRegions(RegionEden, func(r *Region) { n += uint64(r.Used()) })
	return n
}

// YoungRegionCount returns the number of eden regions in use.
func (a *Allocator) YoungRegionCount() int { return int(a.edenCount.Load()) }

// ResetYoung forgets the current eden region after the collector freed
// eden. Only called in a pause.
func (a *Allocator) ResetYoung() {
	a.eden.Store(nil)
	a.edenCount.Store(int32(len(a.h.CollectRegions(RegionEden))))
}

// Reset drops every current allocation region. Only called in a pause,
// after the collector freed or compacted regions.
func (a *Allocator) Reset() {
	a.ResetYoung()
	a.old.Store(nil)
	a.nmLock.Lock()
	if a.nonMovable != nil && a.nonMovable.IsFree() {
		a.nonMovable = nil
	}
	a.nmLock.Unlock()
}

// DropFreedRegions forgets the allocation regions that a sweep returned
// to the heap, keeping the others. Only called in a pause.
func (a *Allocator) DropFreedRegions() {
	if r := a.eden.Load(); r != nil && r.IsFree() {
		a.eden.Store(nil)
	}
	if r := a.old.Load(); r != nil && r.IsFree() {
		a.old.Store(nil)
	}
	a.nmLock.Lock()
	if a.nonMovable != nil && a.nonMovable.IsFree() {
		a.nonMovable = nil
	}
	a.nmLock.Unlock()
}

// RetireOld stops bump allocation into the current old region, so that
// a following evacuation does not copy into a region it is emptying.
func (a *Allocator) RetireOld() { a.old.Store(nil) }
