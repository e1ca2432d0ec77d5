// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Object layout.
//
// Every heap object starts with a two-word header:
//
//	word 0: mark word   unmarked | marked | forwarded-to-address
//	word 1: class word  class id in the low 32 bits, array length
//	                    (or filler size in bytes) in the high 32 bits
//
// followed by the object body. Reference slots are one word wide and
// hold the Addr of the referenced object, 0 for nil.
//
// The mark word transitions unmarked -> marked monotonically within one
// collection. marked -> forwarded happens only while evacuating and is
// installed with a single compare-and-swap; losers of the race read the
// winner's forwarding address out of the word.

package heap

import (
	"sync/atomic"
	"unsafe"

	// Objects are addressed by raw pointers into the heap buffer.
	_ "go4.org/unsafe/assume-no-moving-gc"
)

// Addr is the address of a heap word. Addresses are offsets into the
// heap reservation; the first region-sized stripe is never handed out,
// so 0 is the nil reference.
type Addr uintptr

const (
	WordSize        = 8
	ObjectAlignment = 8
	HeaderSize      = 2 * WordSize

	markWordOffset  = 0
	classWordOffset = WordSize
)

const (
	markBit      = 1 << 0
	forwardedBit = 1 << 1
	stateMask    = markBit | forwardedBit
)

// MarkWord is the decoded first header word.
type MarkWord uint64

func (w MarkWord) IsMarked() bool    { return w&markBit != 0 }
func (w MarkWord) IsForwarded() bool { return w&forwardedBit != 0 }

// ForwardingAddress returns the address the object was evacuated to.
// It is only meaningful when IsForwarded reports true.
func (w MarkWord) ForwardingAddress() Addr { return Addr(w &^ stateMask) }

// Marked returns w with the mark bit set.
func (w MarkWord) Marked() MarkWord { return w | markBit }

// Unmarked returns w with the mark bit cleared.
func (w MarkWord) Unmarked() MarkWord { return w &^ markBit }

// ForwardingWord encodes "forwarded to to".
func ForwardingWord(to Addr) MarkWord {
	return MarkWord(to) | forwardedBit
}

func (h *Heap) word(a Addr) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.mem[a]))
}

// LoadMarkWord atomically reads the mark word of obj.
func (h *Heap) LoadMarkWord(obj Addr) MarkWord {
	return MarkWord(atomic.LoadUint64(h.word(obj + markWordOffset)))
}

// StoreMarkWord atomically overwrites the mark word of obj.
func (h *Heap) StoreMarkWord(obj Addr, w MarkWord) {
	atomic.StoreUint64(h.word(obj+markWordOffset), uint64(w))
}

// CASMarkWord installs new if the mark word of obj still equals old.
func (h *Heap) CASMarkWord(obj Addr, old, new MarkWord) bool {
	return atomic.CompareAndSwapUint64(h.word(obj+markWordOffset), uint64(old), uint64(new))
}

func (h *Heap) classWord(obj Addr) uint64 {
	return atomic.LoadUint64(h.word(obj + classWordOffset))
}

// ClassID returns the class id stored in the header of obj.
func (h *Heap) ClassID(obj Addr) uint32 {
	return uint32(h.classWord(obj))
}

// Length returns the array length of obj, or the size in bytes of a
// filler. It is 0 for plain instances.
func (h *Heap) Length(obj Addr) uint32 {
	return uint32(h.classWord(obj) >> 32)
}

// ClassOf returns the class of obj, nil if the header holds no valid
// class id.
func (h *Heap) ClassOf(obj Addr) *Class {
	return h.classes.Get(h.ClassID(obj))
}

// ObjectSize returns the size in bytes of obj including its header.
func (h *Heap) ObjectSize(obj Addr) uintptr {
	w := h.classWord(obj)
	cls := h.classes.Get(uint32(w))
	if cls == nil {
		throw("heap: object with invalid class word", obj)
	}
	return cls.ObjectSize(uint32(w >> 32))
}

// IsFiller reports whether obj is a dead block left behind by sweeping.
func (h *Heap) IsFiller(obj Addr) bool {
	return h.ClassID(obj) == FillerClassID
}

// LoadRef atomically reads the reference slot at obj+off.
func (h *Heap) LoadRef(obj Addr, off uintptr) Addr {
	return Addr(atomic.LoadUint64(h.word(obj + Addr(off))))
}

// StoreRef atomically writes the reference slot at obj+off. It does not
// run any barrier; mutators must go through the collector's barriers.
func (h *Heap) StoreRef(obj Addr, off uintptr, v Addr) {
	atomic.StoreUint64(h.word(obj+Addr(off)), uint64(v))
}

// CASRef replaces the reference slot at obj+off if it still holds old.
func (h *Heap) CASRef(obj Addr, off uintptr, old, new Addr) bool {
	return atomic.CompareAndSwapUint64(h.word(obj+Addr(off)), uint64(old), uint64(new))
}

// LoadWord reads a raw body word.
func (h *Heap) LoadWord(obj Addr, off uintptr) uint64 {
	return atomic.LoadUint64(h.word(obj + Addr(off)))
}

// StoreWord writes a raw body word.
func (h *Heap) StoreWord(obj Addr, off uintptr, v uint64) {
	atomic.StoreUint64(h.word(obj+Addr(off)), v)
}

// ElementOffset returns the body offset of element i of an array.
func ElementOffset(i uint32) uintptr {
	return HeaderSize + uintptr(i)*WordSize
}

// initObject writes a fresh header. The body must already be zero.
func (h *Heap) initObject(obj Addr, classID, length uint32) {
	atomic.StoreUint64(h.word(obj+markWordOffset), 0)
	atomic.StoreUint64(h.word(obj+classWordOffset), uint64(length)<<32|uint64(classID))
}

// makeFiller turns [obj, obj+size) into a filler block.
func (h *Heap) makeFiller(obj Addr, size uintptr) {
	if size < HeaderSize {
		throw("heap: filler smaller than a header", obj)
	}
	h.initObject(obj, FillerClassID, uint32(size))
}

// CopyObject copies the class word and body of the size-byte object at
// src to dst and leaves dst unmarked. The mark word of src is not read:
// other evacuating workers may be racing on it.
//
// Callers must guarantee that no one writes the body of src while it is
// copied, which holds during evacuation pauses.
func (h *Heap) CopyObject(dst, src Addr, size uintptr) {
	copy(h.mem[dst+classWordOffset:dst+Addr(size)], h.mem[src+classWordOffset:src+Addr(size)])
	atomic.StoreUint64(h.word(dst+markWordOffset), 0)
}
