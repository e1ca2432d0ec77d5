// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap holds one bit per heap word of a region. Regions carry two:
// the mark bitmap written by marking and the live bitmap that records
// object starts.
//
// All accesses are atomic so that concurrent markers and allocators can
// share a bitmap; Set and Clear are plain load/store pairs and must only
// be used when a single writer owns the word.
type Bitmap struct {
	base  Addr
	words []uint64
}

func newBitmap(base Addr, size uintptr) *Bitmap {
	nbits := size / WordSize
	return &Bitmap{base: base, words: make([]uint64, (nbits+63)/64)}
}

// bitp returns the index of the word containing the bit for a and a mask
// selecting that bit.
func (b *Bitmap) bitp(a Addr) (int, uint64) {
	n := uintptr(a-b.base) / WordSize
	return int(n / 64), 1 << (n % 64)
}

func (b *Bitmap) addrOf(i int, bit int) Addr {
	return b.base + Addr((i*64+bit)*WordSize)
}

// Test reports whether the bit for a is set.
func (b *Bitmap) Test(a Addr) bool {
	i, mask := b.bitp(a)
	return atomic.LoadUint64(&b.words[i])&mask != 0
}

// Set sets the bit for a. Not safe against concurrent writers of the
// same word; use AtomicTestAndSet for that.
func (b *Bitmap) Set(a Addr) {
	i, mask := b.bitp(a)
	atomic.StoreUint64(&b.words[i], atomic.LoadUint64(&b.words[i])|mask)
}

// Clear clears the bit for a. Same caveat as Set.
func (b *Bitmap) Clear(a Addr) {
	i, mask := b.bitp(a)
	atomic.StoreUint64(&b.words[i], atomic.LoadUint64(&b.words[i])&^mask)
}

// AtomicTestAndSet sets the bit for a and reports whether it was already
// set.
func (b *Bitmap) AtomicTestAndSet(a Addr) bool {
	i, mask := b.bitp(a)
	p := &b.words[i]
	for {
		old := atomic.LoadUint64(p)
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(p, old, old|mask) {
			return false
		}
	}
}

// AtomicClear clears the bit for a against concurrent writers.
func (b *Bitmap) AtomicClear(a Addr) {
	i, mask := b.bitp(a)
	p := &b.words[i]
	for {
		old := atomic.LoadUint64(p)
		if old&mask == 0 || atomic.CompareAndSwapUint64(p, old, old&^mask) {
			return
		}
	}
}

// ClearAll clears every bit. The caller must own the bitmap.
func (b *Bitmap) ClearAll() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return n
}

// Iterate calls fn for the address of every set bit in ascending order
// until fn returns false.
func (b *Bitmap) Iterate(fn func(Addr) bool) {
	for i := range b.words {
		w := atomic.LoadUint64(&b.words[i])
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			if !fn(b.addrOf(i, bit)) {
				return
			}
			w &= w - 1
		}
	}
}

// FindPrevSet returns the highest address <= a whose bit is set, or 0.
func (b *Bitmap) FindPrevSet(a Addr) Addr {
	i, mask := b.bitp(a)
	// Keep the bit for a and everything below it.
	w := atomic.LoadUint64(&b.words[i]) & (mask | (mask - 1))
	for {
		if w != 0 {
			return b.addrOf(i, 63-bits.LeadingZeros64(w))
		}
		i--
		if i < 0 {
			return 0
		}
		w = atomic.LoadUint64(&b.words[i])
	}
}
