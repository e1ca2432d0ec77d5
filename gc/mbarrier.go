// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: write barriers.
//
// Every reference store by a mutator goes through writeRef:
//
//	writeRef(obj, off, val):
//		if marking concurrently {
//			shade(*slot)        // SATB pre-barrier 删除写屏障
//		}
//		*slot = val
//		postWriteBarrier(obj, off, val)
//
// The pre-barrier keeps the snapshot taken at initial mark intact: an
// object reachable when marking started is either reached by the marker
// or recorded here when its last reference is overwritten. Objects
// allocated during marking are black already (see InitGCBits).
//
// The post-barrier maintains the card table. The generational collector
// dirties the card of an old object that now points to a young one. The
// region collector dirties the card of any non-young object that now
// points into another region and queues the card; queued cards are moved
// into the remembered sets of the target regions at the start of the
// next pause.

package gc

import (
	"sync"

	"github.com/ifls/regiongc/heap"
)

// satbBuffer collects the old values overwritten during concurrent
// marking.
type satbBuffer struct {
	mu  sync.Mutex
	buf []heap.Addr
}

func (b *satbBuffer) push(obj heap.Addr) {
	b.mu.Lock()
	b.buf = append(b.buf, obj)
	b.mu.Unlock()
}

// drain returns and forgets the recorded objects.
func (b *satbBuffer) drain() []heap.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

func (b *satbBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// writeRef stores val into the reference slot at off of obj.
func (gc *GC) writeRef(obj heap.Addr, off uintptr, val heap.Addr) {
	if gc.concurrentMarking.Load() {
		old := gc.heap.LoadWord(obj, off)
		if old != 0 && (gc.heap.Layout() == heap.StaticLayout || heap.IsTaggedRef(old)) {
			gc.satb.push(heap.Addr(old))
		}
	}
	gc.heap.StoreRef(obj, off, val)
	if val != 0 {
		gc.collector.postWriteBarrier(obj, off, val)
	}
}

// writeWord stores a non-reference word. Under the dynamic layout the
// overwritten word may have been a reference, so the pre-barrier still
// applies.
func (gc *GC) writeWord(obj heap.Addr, off uintptr, v uint64) {
	if gc.concurrentMarking.Load() && gc.heap.Layout() == heap.DynamicLayout {
		if old := gc.heap.LoadWord(obj, off); heap.IsTaggedRef(old) {
			gc.satb.push(heap.Addr(old))
		}
	}
	gc.heap.StoreWord(obj, off, v)
}

// genPostBarrier dirties the card of an old object that now refers to
// a young one.
func (gc *GC) genPostBarrier(obj heap.Addr, off uintptr, val heap.Addr) {
	if gc.isYoung(obj) || !gc.isYoung(val) {
		return
	}
	gc.heap.CardTable().MarkCard(obj + heap.Addr(off))
}

// dirtyCardQueue holds the cards dirtied by the region collector's
// post-barrier since the last pause.
type dirtyCardQueue struct {
	mu    sync.Mutex
	cards []int
}

func (q *dirtyCardQueue) enqueue(card int) {
	q.mu.Lock()
	q.cards = append(q.cards, card)
	q.mu.Unlock()
}

func (q *dirtyCardQueue) drain() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.cards
	q.cards = nil
	return out
}

// g1PostBarrier dirties and queues the card of a cross-region store from
// a non-young object.
func (gc *GC) g1PostBarrier(q *dirtyCardQueue, obj heap.Addr, off uintptr, val heap.Addr) {
	h := gc.heap
	from := h.RegionOf(obj)
	if from.Contains(val) || from.IsEden() {
		return
	}
	slot := obj + heap.Addr(off)
	ct := h.CardTable()
	if ct.IsMarked(slot) {
		return
	}
	ct.MarkCard(slot)
	q.enqueue(ct.Index(slot))
}

// handlePendingDirtyCards scans every queued card and adds it to the
// remembered set of each region its references point into, then cleans
// it. Only called with the world stopped.
func (gc *GC) handlePendingDirtyCards(q *dirtyCardQueue) int {
	h := gc.heap
	ct := h.CardTable()
	cards := q.drain()
	for _, card := range cards {
		if ct.Value(card) != heap.CardMarked {
			continue
		}
		gc.refineCard(card)
		ct.ClearCard(card)
	}
	return len(cards)
}

// refineCard records card in the remembered sets of the regions the
// objects on it refer to.
func (gc *GC) refineCard(card int) {
	h := gc.heap
	ct := h.CardTable()
	begin, end := ct.CardStart(card), ct.CardEnd(card)
	r := h.RegionOf(begin)
	if r.IsFree() || r.IsEden() {
		return
	}
	h.IterateObjectsInRange(r, begin, end, func(obj heap.Addr) {
		c := h.ClassOf(obj)
		gc.visitRefs(h, obj, c, func(off uintptr, ref heap.Addr) {
			slot := obj + heap.Addr(off)
			if slot < begin || slot >= end {
				return
			}
			if owner := remsetOwner(r, h.RegionOf(ref)); owner != nil {
				owner.RemSet().AddCard(card)
			}
		})
	})
}
