// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"sync"

	"github.com/ifls/regiongc/heap"
)

// VM is the language runtime the collector serves. It owns roots the
// collector cannot see on its own (interpreter frames, class statics)
// and weak tables it should clear.
type VM interface {
	// VisitRoots calls visit with every strong root slot. The collector
	// may overwrite a slot with the object's new address.
	VisitRoots(visit func(slot *heap.Addr))
	// SweepRefs offers every weak entry to update, which returns the
	// entry's new address or 0 if the object died.
	SweepRefs(update func(obj heap.Addr) heap.Addr)
}

// Handle names a root slot in a HandleTable.
type Handle int32

// HandleTable is a table of strong roots. Mutators keep objects they
// use across safepoints in handles; collections update the slots when
// objects move.
type HandleTable struct {
	mu    sync.Mutex
	slots []heap.Addr
	free  []Handle
	used  []bool
}

// New stores obj in a fresh handle.
func (t *HandleTable) New(obj heap.Addr) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[h] = obj
		t.used[h] = true
		return h
	}
	t.slots = append(t.slots, obj)
	t.used = append(t.used, true)
	return Handle(len(t.slots) - 1)
}

// Get returns the object held by h.
func (t *HandleTable) Get(h Handle) heap.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[h]
}

// Set makes h hold obj.
func (t *HandleTable) Set(h Handle, obj heap.Addr) {
	t.mu.Lock()
	t.slots[h] = obj
	t.mu.Unlock()
}

// Release frees h.
func (t *HandleTable) Release(h Handle) {
	t.mu.Lock()
	t.slots[h] = 0
	t.used[h] = false
	t.free = append(t.free, h)
	t.mu.Unlock()
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// visit calls fn for every non-nil slot. Only called with the world
// stopped.
func (t *HandleTable) visit(fn func(slot *heap.Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.used[i] && t.slots[i] != 0 {
			fn(&t.slots[i])
		}
	}
}

// slots returns the addresses of every non-nil slot, for splitting root
// scanning into worker tasks.
func (t *HandleTable) collectSlots(out []*heap.Addr) []*heap.Addr {
	t.visit(func(slot *heap.Addr) { out = append(out, slot) })
	return out
}

// StringTable interns strings to heap objects. Entries are weak: an
// entry whose object dies is removed by the next collection.
//
// An entry handed out while marking is in progress may have been
// unreachable when marking started, so it is shaded before the caller
// can store it anywhere.
type StringTable struct {
	mu      sync.Mutex
	entries map[string]heap.Addr
	shade   func(heap.Addr)
}

func newStringTable(shade func(heap.Addr)) *StringTable {
	return &StringTable{entries: make(map[string]heap.Addr), shade: shade}
}

// LookupOrAdd returns the object interned for s, interning obj if there
// is none.
func (t *StringTable) LookupOrAdd(s string, obj heap.Addr) heap.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[s]; ok {
		t.shade(old)
		return old
	}
	t.entries[s] = obj
	return obj
}

// Lookup returns the object interned for s.
func (t *StringTable) Lookup(s string) (heap.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.entries[s]
	if ok {
		t.shade(obj)
	}
	return obj, ok
}

func (t *StringTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep updates or removes every entry. update returns 0 for dead
// objects.
func (t *StringTable) sweep(update func(heap.Addr) heap.Addr) (removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, obj := range t.entries {
		to := update(obj)
		switch {
		case to == 0:
			delete(t.entries, s)
			removed++
		case to != obj:
			t.entries[s] = to
		}
	}
	return removed
}

// visitRoots calls fn for every strong root: handles, globals and the
// VM's roots.
func (gc *GC) visitRoots(fn func(slot *heap.Addr)) {
	gc.handles.visit(fn)
	gc.globals.visit(fn)
	if gc.vm != nil {
		gc.vm.VisitRoots(fn)
	}
}

// rootSlots returns every strong root slot.
func (gc *GC) rootSlots() []*heap.Addr {
	var out []*heap.Addr
	gc.visitRoots(func(slot *heap.Addr) { out = append(out, slot) })
	return out
}

// sweepWeakRoots offers every weak root to update.
func (gc *GC) sweepWeakRoots(update func(heap.Addr) heap.Addr) {
	removed := gc.strings.sweep(update)
	if gc.vm != nil {
		gc.vm.SweepRefs(update)
	}
	if removed > 0 {
		gc.logger.Debug("string table swept", "removed", removed)
	}
}
