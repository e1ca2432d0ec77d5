// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: sweeping
//
// Sweeping turns unmarked objects into filler blocks. A region left with
// no live object is returned to the heap, a dead humongous object gives
// back its whole run of regions. The free blocks of non-movable regions
// are handed to the allocator's free list.
//
// 清扫在 STW 中或与 mutator 并发进行; 并发时调用者保证没有人往被清扫的
// region 里分配。

package gc

import (
	"sync"
	"sync/atomic"

	"github.com/ifls/regiongc/heap"
)

// regionSweep is one sweep over a set of regions.
type regionSweep struct {
	gc     *GC
	isLive func(obj heap.Addr) bool

	// keep, if not nil, says which empty regions must stay allocated.
	keep func(r *heap.Region) bool

	mu    sync.Mutex
	empty []*heap.Region

	live  atomic.Int64
	freed atomic.Int64
}

// newRegionSweep returns a sweep that treats objects for which isLive
// returns false as dead.
func (gc *GC) newRegionSweep(isLive func(heap.Addr) bool) *regionSweep {
	return &regionSweep{gc: gc, isLive: isLive}
}

func (s *regionSweep) run(regions []*heap.Region) {
	for _, r := range regions {
		s.sweepOne(r)
	}
}

func (s *regionSweep) sweepOne(r *heap.Region) {
	type block struct {
		obj  heap.Addr
		size uintptr
	}
	var blocks []block
	var onFree func(heap.Addr, uintptr)
	if r.IsNonMovable() {
		onFree = func(obj heap.Addr, size uintptr) { blocks = append(blocks, block{obj, size}) }
	}
	live, freed := s.gc.heap.SweepRegion(r, s.isLive, onFree)
	s.live.Add(live)
	s.freed.Add(freed)
	r.SetLiveBytes(live)
	if live == 0 && (r.HasFlag(heap.RegionHumongous) || s.keep == nil || !s.keep(r)) {
		s.mu.Lock()
		s.empty = append(s.empty, r)
		s.mu.Unlock()
		return
	}
	for _, b := range blocks {
		s.gc.alloc.AddFreeBlock(b.obj, b.size)
	}
}

// survivors returns the regions of regions that the sweep did not free.
func (s *regionSweep) survivors(regions []*heap.Region) []*heap.Region {
	freed := make(map[*heap.Region]bool, len(s.empty))
	for _, r := range s.empty {
		freed[r] = true
	}
	out := make([]*heap.Region, 0, len(regions))
	for _, r := range regions {
		if !freed[r] {
			out = append(out, r)
		}
	}
	return out
}

// sweepChunk is the number of regions per sweep task.
const sweepChunk = 4

// sweepRegions sweeps regions, in parallel if pool is not nil, frees the
// regions left empty and returns the bytes reclaimed.
func (gc *GC) sweepRegions(s *regionSweep, regions []*heap.Region, pool WorkerTaskPool) int64 {
	if pool == nil || len(regions) <= sweepChunk {
		s.run(regions)
	} else {
		for i := 0; i < len(regions); i += sweepChunk {
			chunk := regions[i:min(i+sweepChunk, len(regions))]
			if !pool.AddTask(WorkerTask{kind: taskRegionSweep, regions: chunk, sweep: s}) {
				s.run(chunk)
			}
		}
		pool.WaitUntilTasksEnd()
	}
	for _, r := range s.empty {
		gc.heap.FreeRegion(r)
	}
	freed := s.freed.Load()
	gc.addFreed(freed)
	return freed
}

// sweepableRegions returns the regions of the tenured space: old,
// humongous heads and non-movable regions.
func (gc *GC) sweepableRegions() []*heap.Region {
	var out []*heap.Region
	gc.heap.IterateRegions(heap.RegionOld|heap.RegionHumongous|heap.RegionNonMovable, func(r *heap.Region) {
		out = append(out, r)
	})
	return out
}

// unmarkRegions clears the header mark bit of every object in regions.
func (gc *GC) unmarkRegions(regions []*heap.Region, storage MarkStorage) {
	h := gc.heap
	for _, r := range regions {
		h.IterateObjects(r, func(obj heap.Addr) bool {
			if !h.IsFiller(obj) {
				storage.Unmark(obj)
			}
			return true
		})
	}
}
