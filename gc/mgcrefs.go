// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"sync"

	"github.com/ifls/regiongc/heap"
)

// referenceProcessor collects reference objects whose referents were
// not proven reachable while marking, and clears or updates their
// referents once marking is over.
//
// Soft referents are treated as strong unless the collection was caused
// by memory exhaustion; weak and phantom referents never keep an object
// alive.
type referenceProcessor struct {
	h          *heap.Heap
	mu         sync.Mutex
	discovered []heap.Addr
}

func newReferenceProcessor(h *heap.Heap) *referenceProcessor {
	return &referenceProcessor{h: h}
}

func (p *referenceProcessor) discover(ref heap.Addr) {
	p.mu.Lock()
	p.discovered = append(p.discovered, ref)
	p.mu.Unlock()
}

// Len returns the number of discovered references.
func (p *referenceProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.discovered)
}

// process resolves the referent of every discovered reference.
// resolve returns the referent's current address, or 0 if it died.
// It returns the number of cleared referents.
func (p *referenceProcessor) process(resolve func(referent heap.Addr) heap.Addr) int {
	p.mu.Lock()
	refs := p.discovered
	p.discovered = nil
	p.mu.Unlock()

	cleared := 0
	for _, ref := range refs {
		referent := loadReferent(p.h, ref)
		if referent == 0 {
			continue
		}
		to := resolve(referent)
		if to == 0 {
			cleared++
		}
		if to != referent {
			p.h.StoreRef(ref, heap.ReferentOffset, to)
		}
	}
	return cleared
}

// reset forgets discovered references, for collections that abandon
// them.
func (p *referenceProcessor) reset() {
	p.mu.Lock()
	p.discovered = nil
	p.mu.Unlock()
}

// loadReferent returns the referent of ref, 0 if the slot holds nil or,
// for dynamic layouts, a non-reference value.
func loadReferent(h *heap.Heap, ref heap.Addr) heap.Addr {
	v := h.LoadWord(ref, heap.ReferentOffset)
	if h.Layout() == heap.DynamicLayout && !heap.IsTaggedRef(v) {
		return 0
	}
	return heap.Addr(v)
}
