// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"math/bits"
	"sync/atomic"
)

// CardValue is the state of one card.
type CardValue = uint32

const (
	CardClear     CardValue = iota // no interesting reference stored since the last scan
	CardMarked                     // dirtied by a write barrier
	CardProcessed                  // scanned into a remembered set, kept for re-scan
	CardYoung                      // covers a young region; barriers skip it
)

// CardTable keeps one entry per card-sized stripe of the heap. A write
// barrier marks the card holding a reference slot whenever it stores a
// reference that crosses a tracked boundary (old->young for the
// generational collector, region->region for G1). Every such store must
// mark its card before the next collection scans the table.
//
// Entries are full words so that barriers can update them atomically.
type CardTable struct {
	base  Addr
	shift uint
	cards []uint32
}

func newCardTable(base Addr, size, cardSize uintptr) *CardTable {
	return &CardTable{
		base:  base,
		shift: uint(bits.TrailingZeros64(uint64(cardSize))),
		cards: make([]uint32, size/cardSize),
	}
}

// CardSize returns the number of heap bytes covered by one card.
func (ct *CardTable) CardSize() uintptr { return 1 << ct.shift }

// Len returns the number of cards.
func (ct *CardTable) Len() int { return len(ct.cards) }

// Index returns the card covering a.
func (ct *CardTable) Index(a Addr) int {
	return int(uintptr(a-ct.base) >> ct.shift)
}

// CardStart returns the first address covered by card i.
func (ct *CardTable) CardStart(i int) Addr {
	return ct.base + Addr(uintptr(i)<<ct.shift)
}

// CardEnd returns the first address past card i.
func (ct *CardTable) CardEnd(i int) Addr {
	return ct.CardStart(i + 1)
}

// Value returns the state of card i.
func (ct *CardTable) Value(i int) CardValue {
	return atomic.LoadUint32(&ct.cards[i])
}

// MarkCard dirties the card covering a. Young cards stay young.
func (ct *CardTable) MarkCard(a Addr) {
	p := &ct.cards[ct.Index(a)]
	if v := atomic.LoadUint32(p); v == CardMarked || v == CardYoung {
		return
	}
	atomic.StoreUint32(p, CardMarked)
}

// IsMarked reports whether the card covering a is dirty.
func (ct *CardTable) IsMarked(a Addr) bool {
	return ct.Value(ct.Index(a)) == CardMarked
}

// ClaimCard moves card i from marked to processed. It reports false if
// another scanner claimed it first or the card was not marked.
func (ct *CardTable) ClaimCard(i int) bool {
	return atomic.CompareAndSwapUint32(&ct.cards[i], CardMarked, CardProcessed)
}

// Set stores v into card i.
func (ct *CardTable) Set(i int, v CardValue) {
	atomic.StoreUint32(&ct.cards[i], v)
}

// ClearCard resets card i.
func (ct *CardTable) ClearCard(i int) {
	atomic.StoreUint32(&ct.cards[i], CardClear)
}

// SetRange stores v into every card overlapping [begin, end).
func (ct *CardTable) SetRange(begin, end Addr, v CardValue) {
	if end <= begin {
		return
	}
	for i, last := ct.Index(begin), ct.Index(end-1); i <= last; i++ {
		atomic.StoreUint32(&ct.cards[i], v)
	}
}

// ClearRange resets every card overlapping [begin, end).
func (ct *CardTable) ClearRange(begin, end Addr) {
	ct.SetRange(begin, end, CardClear)
}

// ClearAll resets the whole table, leaving young cards young.
func (ct *CardTable) ClearAll() {
	for i := range ct.cards {
		if atomic.LoadUint32(&ct.cards[i]) != CardYoung {
			atomic.StoreUint32(&ct.cards[i], CardClear)
		}
	}
}

// VisitMarked calls fn for every dirty card in [begin, end).
func (ct *CardTable) VisitMarked(begin, end Addr, fn func(card int)) {
	if end <= begin {
		return
	}
	for i, last := ct.Index(begin), ct.Index(end-1); i <= last; i++ {
		if atomic.LoadUint32(&ct.cards[i]) == CardMarked {
			fn(i)
		}
	}
}

// CountMarked returns the number of dirty cards.
func (ct *CardTable) CountMarked() int {
	n := 0
	for i := range ct.cards {
		if atomic.LoadUint32(&ct.cards[i]) == CardMarked {
			n++
		}
	}
	return n
}
