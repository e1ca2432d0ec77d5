// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

// SweepRegion turns every dead object of r into filler space, merging
// neighbouring dead objects and fillers into one block, and returns the
// bytes still held by live objects and the bytes freed. onFree, if not
// nil, is called for every resulting free block.
//
// isLive is asked about non-filler objects only. Sweeping must not race
// with allocation into r; it may race with mutators writing live
// objects.
func (h *Heap) SweepRegion(r *Region, isLive func(obj Addr) bool, onFree func(obj Addr, size uintptr)) (live, freed int64) {
	if r.HasFlag(RegionHumongousCont) {
		return 0, 0
	}
	if r.HasFlag(RegionHumongous) {
		size := int64(h.ObjectSize(r.begin))
		if isLive(r.begin) {
			return size, 0
		}
		// The caller frees the whole run.
		return 0, size
	}

	var runStart Addr
	var runLen uintptr
	flush := func() {
		if runLen == 0 {
			return
		}
		h.makeFiller(runStart, runLen)
		if onFree != nil {
			onFree(runStart, runLen)
		}
		runLen = 0
	}
	h.IterateObjects(r, func(obj Addr) bool {
		size := h.ObjectSize(obj)
		dead := h.IsFiller(obj)
		if !dead && !isLive(obj) {
			dead = true
			freed += int64(size)
			r.liveBitmap.AtomicClear(obj)
		}
		if !dead {
			flush()
			live += int64(size)
			return true
		}
		if runLen == 0 {
			runStart = obj
		} else {
			r.liveBitmap.AtomicClear(obj)
		}
		runLen += size
		return true
	})
	flush()

	r.allocated.Add(-freed)
	h.footprint.Add(-freed)
	return live, freed
}

// ClearMarks clears the mark bitmap of every region in use.
func (h *Heap) ClearMarks() {
	h.IterateRegions(0, func(r *Region) { r.markBitmap.ClearAll() })
}
