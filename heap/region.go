// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// RegionFlag describes what a region is used for. A region with no flags
// is free.
type RegionFlag uint32

const (
	RegionEden            RegionFlag = 1 << iota // young allocation space
	RegionOld                                    // tenured objects
	RegionHumongous                              // first region of a humongous object
	RegionHumongousCont                          // continuation of a humongous object
	RegionNonMovable                             // objects that are never moved
	RegionInCollectionSet                        // chosen for evacuation this cycle
)

var regionFlagNames = []string{
	"eden",
	"old",
	"humongous",
	"humongous-cont",
	"non-movable",
	"cset",
}

func (f RegionFlag) String() string {
	if f == 0 {
		return "free"
	}
	var parts []string
	for i, name := range regionFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Region is a fixed-size, contiguous partition of the heap.
//
// Objects are bump-allocated between begin and top. Every object start
// is recorded in the live bitmap so that card scanning can find the
// object covering an arbitrary address; sweeping turns dead objects into
// fillers and clears their bits.
type Region struct {
	index      int
	begin, end Addr

	top   atomic.Uintptr
	flags atomic.Uint32

	// allocated is the number of bytes held by non-filler objects.
	allocated atomic.Int64
	// liveBytes is the number of bytes marked live by the last marking
	// that counted them.
	liveBytes atomic.Int64

	markBitmap *Bitmap
	liveBitmap *Bitmap
	remset     *RemSet

	// humongousRegions is the length of the run headed by a humongous
	// region; humongousHead points back at the head from continuations.
	humongousRegions int
	humongousHead    *Region
}

func newRegion(index int, begin Addr, size uintptr) *Region {
	r := &Region{
		index:      index,
		begin:      begin,
		end:        begin + Addr(size),
		markBitmap: newBitmap(begin, size),
		liveBitmap: newBitmap(begin, size),
		remset:     newRemSet(),
	}
	r.top.Store(uintptr(begin))
	return r
}

func (r *Region) Index() int   { return r.index }
func (r *Region) Begin() Addr  { return r.begin }
func (r *Region) End() Addr    { return r.end }
func (r *Region) Top() Addr    { return Addr(r.top.Load()) }
func (r *Region) Size() uintptr { return uintptr(r.end - r.begin) }

// Used returns the number of bytes below top.
func (r *Region) Used() uintptr { return uintptr(r.Top() - r.begin) }

// Free returns the number of bytes above top.
func (r *Region) Free() uintptr { return uintptr(r.end - r.Top()) }

// Contains reports whether a lies in [begin, end).
func (r *Region) Contains(a Addr) bool { return a >= r.begin && a < r.end }

func (r *Region) Flags() RegionFlag          { return RegionFlag(r.flags.Load()) }
func (r *Region) HasFlag(f RegionFlag) bool  { return r.Flags()&f != 0 }
func (r *Region) IsFree() bool               { return r.Flags() == 0 }
func (r *Region) IsEden() bool               { return r.HasFlag(RegionEden) }
func (r *Region) IsOld() bool                { return r.HasFlag(RegionOld) }
func (r *Region) InCollectionSet() bool      { return r.HasFlag(RegionInCollectionSet) }
func (r *Region) IsHumongous() bool          { return r.HasFlag(RegionHumongous | RegionHumongousCont) }
func (r *Region) IsNonMovable() bool         { return r.HasFlag(RegionNonMovable) }
func (r *Region) AddFlag(f RegionFlag)       { r.flags.Or(uint32(f)) }
func (r *Region) RemoveFlag(f RegionFlag)    { r.flags.And(^uint32(f)) }
func (r *Region) setFlags(f RegionFlag)      { r.flags.Store(uint32(f)) }
func (r *Region) MarkBitmap() *Bitmap        { return r.markBitmap }
func (r *Region) LiveBitmap() *Bitmap        { return r.liveBitmap }
func (r *Region) RemSet() *RemSet            { return r.remset }
func (r *Region) HumongousHead() *Region     { return r.humongousHead }
func (r *Region) HumongousRegionCount() int  { return r.humongousRegions }

// AllocatedBytes returns the bytes held by non-filler objects.
func (r *Region) AllocatedBytes() int64 { return r.allocated.Load() }

func (r *Region) LiveBytes() int64        { return r.liveBytes.Load() }
func (r *Region) AddLiveBytes(n int64)    { r.liveBytes.Add(n) }
func (r *Region) SetLiveBytes(n int64)    { r.liveBytes.Store(n) }

// GarbageBytes returns the used bytes, fillers included, not proven live
// by the last counting marking.
func (r *Region) GarbageBytes() int64 {
	g := int64(r.Used()) - r.liveBytes.Load()
	if g < 0 {
		return 0
	}
	return g
}

// Fragmentation returns the share of the used part of the region that is
// not held by live objects.
func (r *Region) Fragmentation() float64 {
	used := r.Used()
	if used == 0 {
		return 0
	}
	return 1 - float64(r.liveBytes.Load())/float64(used)
}

// alloc bumps top by size and returns the old top, or 0 if the region is
// full. Safe for concurrent use.
func (r *Region) alloc(size uintptr) Addr {
	for {
		old := r.top.Load()
		if old+size > uintptr(r.end) {
			return 0
		}
		if r.top.CompareAndSwap(old, old+size) {
			return Addr(old)
		}
	}
}

// undoAlloc gives back the most recent allocation of size bytes at obj.
// It fails if anything was allocated after it.
func (r *Region) undoAlloc(obj Addr, size uintptr) bool {
	return r.top.CompareAndSwap(uintptr(obj)+size, uintptr(obj))
}

func (r *Region) reset() {
	r.top.Store(uintptr(r.begin))
	r.setFlags(0)
	r.allocated.Store(0)
	r.liveBytes.Store(0)
	r.markBitmap.ClearAll()
	r.liveBitmap.ClearAll()
	r.remset.Clear()
	r.humongousRegions = 0
	r.humongousHead = nil
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%#x, %#x) top=%#x %v allocated=%d live=%d",
		r.index, r.begin, r.end, r.Top(), r.Flags(), r.AllocatedBytes(), r.LiveBytes())
}
