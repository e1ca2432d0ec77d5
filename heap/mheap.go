// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Region heap. Manages the whole reserved address space; the collectors
// and the object allocator obtain and return memory in region units.
//
// See malloc.go for the object allocator on top of it.

package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	// minRegionSize keeps regions page-sized so that freed regions can be
	// released to the OS without touching their neighbours.
	minRegionSize = 4 << 10

	defaultRegionSize  = 256 << 10
	defaultMaxHeapSize = 64 << 20
	defaultCardSize    = 512
)

// Config is the geometry of a heap.
type Config struct {
	// RegionSize must be a power of two of at least 4 KiB.
	RegionSize uintptr
	// MaxHeapSize is rounded down to a whole number of regions.
	MaxHeapSize uintptr
	// CardSize must be a power of two dividing RegionSize.
	CardSize uintptr
	// Layout is the object layout of the language served by the heap.
	Layout Layout
	// ReleasePages hands the pages of freed regions back to the OS.
	ReleasePages bool
}

// DefaultConfig returns a 64 MiB heap of 256 KiB regions.
func DefaultConfig() Config {
	return Config{
		RegionSize:  defaultRegionSize,
		MaxHeapSize: defaultMaxHeapSize,
		CardSize:    defaultCardSize,
		Layout:      StaticLayout,
	}
}

func (c Config) validate() error {
	if c.RegionSize < minRegionSize || bits.OnesCount64(uint64(c.RegionSize)) != 1 {
		return fmt.Errorf("heap: region size %d is not a power of two >= %d", c.RegionSize, minRegionSize)
	}
	if c.CardSize < WordSize || bits.OnesCount64(uint64(c.CardSize)) != 1 || c.CardSize > c.RegionSize {
		return fmt.Errorf("heap: card size %d is not a power of two in [%d, %d]", c.CardSize, WordSize, c.RegionSize)
	}
	if c.MaxHeapSize < c.RegionSize {
		return fmt.Errorf("heap: max heap size %d is smaller than one region", c.MaxHeapSize)
	}
	return nil
}

// FatalError is the panic value for heap invariant violations. They
// indicate a collector bug and are never recovered.
type FatalError struct {
	Msg  string
	Addr Addr
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %s (addr %#x)", e.Msg, e.Addr)
}

func throw(msg string, a Addr) {
	panic(&FatalError{Msg: msg, Addr: a})
}

// ErrClosed is returned by operations on a closed heap.
var ErrClosed = errors.New("heap: closed")

// Heap is the region-partitioned managed heap.
type Heap struct {
	cfg         Config
	mem         []byte
	regionShift uint
	regions     []*Region

	// lock protects the free region count and region flag transitions
	// between free and in use.
	lock   sync.Mutex
	nfree  int
	closed bool

	_ cpu.CacheLinePad // keeps footprint off the lock's line

	// footprint is the number of bytes held by non-filler objects.
	footprint atomic.Int64

	cards   *CardTable
	classes *ClassTable
}

// New reserves the address space described by cfg.
func New(cfg Config) (*Heap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nregions := int(cfg.MaxHeapSize / cfg.RegionSize)
	// The first region-sized stripe is a guard so that no object lives
	// at address 0.
	mem, err := sysReserve(uintptr(nregions+1) * cfg.RegionSize)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:         cfg,
		mem:         mem,
		regionShift: uint(bits.TrailingZeros64(uint64(cfg.RegionSize))),
		regions:     make([]*Region, nregions),
		nfree:       nregions,
		classes:     newClassTable(),
	}
	base := Addr(cfg.RegionSize)
	for i := range h.regions {
		h.regions[i] = newRegion(i, base+Addr(uintptr(i)*cfg.RegionSize), cfg.RegionSize)
	}
	h.cards = newCardTable(base, uintptr(nregions)*cfg.RegionSize, cfg.CardSize)
	return h, nil
}

// Close unmaps the heap. Addresses must not be used afterwards.
func (h *Heap) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	return sysFree(h.mem)
}

func (h *Heap) Config() Config          { return h.cfg }
func (h *Heap) Layout() Layout          { return h.cfg.Layout }
func (h *Heap) RegionSize() uintptr     { return h.cfg.RegionSize }
func (h *Heap) Classes() *ClassTable    { return h.classes }
func (h *Heap) CardTable() *CardTable   { return h.cards }
func (h *Heap) Regions() []*Region      { return h.regions }
func (h *Heap) RegionCount() int        { return len(h.regions) }
func (h *Heap) MaxSize() uint64         { return uint64(len(h.regions)) * uint64(h.cfg.RegionSize) }

// Footprint returns the number of bytes held by allocated, unswept
// objects. Triggers compare it against their thresholds.
func (h *Heap) Footprint() uint64 {
	if n := h.footprint.Load(); n > 0 {
		return uint64(n)
	}
	return 0
}

// Contains reports whether a lies inside some region.
func (h *Heap) Contains(a Addr) bool {
	return a >= Addr(h.cfg.RegionSize) && uintptr(a) < uintptr(len(h.mem))
}

// RegionOf returns the region containing a, nil for addresses outside
// the heap.
func (h *Heap) RegionOf(a Addr) *Region {
	if !h.Contains(a) {
		return nil
	}
	return h.regions[int(uintptr(a)>>h.regionShift)-1]
}

// FreeRegionCount returns the number of unused regions.
func (h *Heap) FreeRegionCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.nfree
}

// AllocRegion takes a free region and flags it. It returns nil when the
// heap is exhausted.
func (h *Heap) AllocRegion(flags RegionFlag) *Region {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.nfree == 0 || h.closed {
		return nil
	}
	for _, r := range h.regions {
		if r.IsFree() {
			r.setFlags(flags)
			h.nfree--
			if flags&RegionEden != 0 {
				h.cards.SetRange(r.begin, r.end, CardYoung)
			}
			return r
		}
	}
	throw("heap: free region count out of sync", 0)
	return nil
}

// RelabelRegion replaces the flags of a region in use, e.g. to promote an
// eden region in place. A region leaving eden gets its young cards
// cleared.
func (h *Heap) RelabelRegion(r *Region, flags RegionFlag) {
	if r.IsFree() || flags == 0 {
		throw("heap: relabeling a free region", r.begin)
	}
	wasEden := r.IsEden()
	r.setFlags(flags)
	if wasEden && flags&RegionEden == 0 {
		h.cards.ClearRange(r.begin, r.end)
	}
}

// allocHumongousRegions takes n contiguous free regions for one object
// and returns the head, nil if no such run exists.
func (h *Heap) allocHumongousRegions(n int) *Region {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.nfree < n || h.closed {
		return nil
	}
	run := 0
	for i, r := range h.regions {
		if !r.IsFree() {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		head := h.regions[i-n+1]
		head.setFlags(RegionHumongous)
		head.humongousRegions = n
		for _, c := range h.regions[i-n+2 : i+1] {
			c.setFlags(RegionHumongousCont)
			c.humongousHead = head
			c.top.Store(uintptr(c.end))
		}
		h.nfree -= n
		return head
	}
	return nil
}

// FreeRegion returns r (and, for a humongous head, its continuation
// regions) to the free pool. Its memory is zeroed or released, its cards
// are cleared and its bitmaps and remembered set are reset.
func (h *Heap) FreeRegion(r *Region) {
	if r.IsFree() {
		throw("heap: freeing a free region", r.begin)
	}
	if r.HasFlag(RegionHumongousCont) {
		throw("heap: freeing a humongous continuation directly", r.begin)
	}
	run := []*Region{r}
	if r.HasFlag(RegionHumongous) {
		run = h.regions[r.index : r.index+r.humongousRegions]
	}
	h.footprint.Add(-r.allocated.Load())
	for _, x := range run {
		h.scrub(x)
	}
	h.lock.Lock()
	for _, x := range run {
		x.reset()
	}
	h.nfree += len(run)
	h.lock.Unlock()
}

// scrub makes the memory of r read back as zero.
func (h *Heap) scrub(r *Region) {
	used := h.mem[r.begin:r.Top()]
	if h.cfg.ReleasePages {
		sysUnused(h.mem[r.begin:r.end])
	} else {
		clear(used)
	}
	h.cards.ClearRange(r.begin, r.end)
}

// IterateRegions calls fn for every region having any of the flags in
// mask. A zero mask selects every region in use.
func (h *Heap) IterateRegions(mask RegionFlag, fn func(*Region)) {
	for _, r := range h.regions {
		f := r.Flags()
		if f == 0 || (mask != 0 && f&mask == 0) {
			continue
		}
		fn(r)
	}
}

// CollectRegions returns the regions IterateRegions would visit.
func (h *Heap) CollectRegions(mask RegionFlag) []*Region {
	var out []*Region
	h.IterateRegions(mask, func(r *Region) { out = append(out, r) })
	return out
}

// IterateObjects calls fn for every object in r, fillers included, in
// address order until fn returns false. The region must not be
// allocated into concurrently.
func (h *Heap) IterateObjects(r *Region, fn func(obj Addr) bool) {
	if r.HasFlag(RegionHumongousCont) {
		return
	}
	top := r.Top()
	if r.HasFlag(RegionHumongous) {
		if top > r.begin {
			fn(r.begin)
		}
		return
	}
	for obj := r.begin; obj < top; {
		size := h.ObjectSize(obj)
		if !fn(obj) {
			return
		}
		obj += Addr(size)
	}
}

// IterateObjectsInRange calls fn for every non-filler object of r that
// overlaps [begin, end).
func (h *Heap) IterateObjectsInRange(r *Region, begin, end Addr, fn func(obj Addr)) {
	if r.HasFlag(RegionHumongousCont) {
		r = r.humongousHead
	}
	if r.HasFlag(RegionHumongous) {
		if r.Top() > r.begin && !h.IsFiller(r.begin) {
			fn(r.begin)
		}
		return
	}
	if begin < r.begin {
		begin = r.begin
	}
	top := r.Top()
	if end > top {
		end = top
	}
	if begin >= end {
		return
	}
	obj := r.liveBitmap.FindPrevSet(begin)
	if obj == 0 || obj < r.begin {
		obj = r.begin
	}
	for obj < end {
		size := h.ObjectSize(obj)
		if obj+Addr(size) > begin && !h.IsFiller(obj) {
			fn(obj)
		}
		obj += Addr(size)
	}
}

// ObjectEnd returns the first address past the object at obj,
// accounting for humongous objects spanning several regions.
func (h *Heap) ObjectEnd(obj Addr) Addr {
	return obj + Addr(h.ObjectSize(obj))
}
