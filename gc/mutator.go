// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Mutators.
//
// A Mutator is one goroutine running managed code. It allocates, reads
// and writes the heap only through its methods, which apply the
// barriers of the active collector and poll the safepoint.
//
// Heap addresses are only stable between two safepoints: any Alloc call
// and any Safepoint or Park may let a collection move objects. Values
// needed across them must be kept in handles.
//
// 分配失败的处理:
//
//	1. 请求 allocFailureCause 的回收并等待, 最多 allocFailureRetries 次
//	2. 仍失败则请求 OOM 回收 (full, 清理 soft 引用), 之后可越过 eden
//	   上限直接在 old region 中分配
//	3. 没有空闲 region 或重试用尽则返回预分配的 OutOfMemoryError

package gc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ifls/regiongc/heap"
)

// Collections waited for by one allocation before it fails. A wait
// may join a collection requested by another mutator, after which the
// memory it freed can be taken again before this mutator retries.
const (
	allocFailureRetries = 2
	allocOOMRetries     = 3
)

var (
	errMutatorNotRunning = errors.New("gc: mutator is not running")
	errNilClass          = errors.New("gc: allocation with nil class")
)

// Mutator is the heap interface of one managed thread. Its methods must
// be called from one goroutine at a time.
type Mutator struct {
	gc     *GC
	status atomic.Uint32
	wait   waitReason

	handles []Handle
	allocs  uint64
}

// NewMutator registers a running mutator. The caller must Close it.
func (gc *GC) NewMutator() *Mutator {
	m := &Mutator{gc: gc}
	gc.enterMutator()
	m.status.Store(_Mrunning)
	return m
}

// Status describes the mutator state.
func (m *Mutator) Status() string {
	s := mutatorStatusString(m.status.Load())
	if m.wait != waitReasonZero {
		s += " (" + m.wait.String() + ")"
	}
	return s
}

// Allocs returns the number of objects allocated by m.
func (m *Mutator) Allocs() uint64 { return m.allocs }

func (m *Mutator) running() bool { return m.status.Load() == _Mrunning }

// Safepoint lets a pending pause run. In in-place mode the mutator also
// runs the collections that are due.
func (m *Mutator) Safepoint() {
	if !m.running() {
		throw("gc: safepoint poll by a mutator that is " + mutatorStatusString(m.status.Load()))
	}
	gc := m.gc
	gc.leaveMutator()
	if gc.settings.Thread == ThreadInPlace && gc.worker.hasRunnable() {
		gc.worker.runPending()
	}
	gc.enterMutator()
}

// Park releases the heap while m does something else, such as native
// work. Heap addresses held by m are invalid until Unpark.
func (m *Mutator) Park() { m.park(waitReasonNative) }

func (m *Mutator) park(reason waitReason) {
	if !m.status.CompareAndSwap(_Mrunning, _Mparked) {
		throw("gc: parking a mutator that is " + mutatorStatusString(m.status.Load()))
	}
	m.wait = reason
	m.gc.leaveMutator()
}

// Unpark waits for any pause in progress and resumes m.
func (m *Mutator) Unpark() {
	m.gc.enterMutator()
	if !m.status.CompareAndSwap(_Mparked, _Mrunning) {
		throw("gc: unparking a mutator that is " + mutatorStatusString(m.status.Load()))
	}
	m.wait = waitReasonZero
}

// Close releases m's handles and unregisters it.
func (m *Mutator) Close() {
	switch m.status.Load() {
	case _Mdead:
		return
	case _Mparked:
		m.Unpark()
	}
	for _, h := range m.handles {
		m.gc.handles.Release(h)
	}
	m.handles = nil
	m.status.Store(_Mdead)
	m.gc.leaveMutator()
}

// Alloc returns a new instance of c.
func (m *Mutator) Alloc(c *heap.Class) (heap.Addr, error) {
	return m.alloc(c, 0, false)
}

// AllocArray returns a new array of class c with n elements.
func (m *Mutator) AllocArray(c *heap.Class, n uint32) (heap.Addr, error) {
	return m.alloc(c, n, false)
}

// AllocNonMovable returns a new object of class c that never moves.
// Its address stays valid across safepoints.
func (m *Mutator) AllocNonMovable(c *heap.Class, n uint32) (heap.Addr, error) {
	return m.alloc(c, n, true)
}

func (m *Mutator) alloc(c *heap.Class, n uint32, nonMovable bool) (heap.Addr, error) {
	if !m.running() {
		return 0, errMutatorNotRunning
	}
	if c == nil {
		return 0, errNilClass
	}
	gc := m.gc
	size := c.ObjectSize(n)
	if size == 0 {
		return 0, fmt.Errorf("gc: %v with %d elements does not fit in memory", c, n)
	}
	if nonMovable && size > gc.alloc.HumongousThreshold() {
		return 0, fmt.Errorf("gc: non-movable %v of %d bytes exceeds %d", c, size, gc.alloc.HumongousThreshold())
	}

	m.Safepoint()
	gc.trigger.TriggerGcIfNeeded(gc)
	try := func() heap.Addr {
		if nonMovable {
			return gc.alloc.AllocateNonMovable(c, n)
		}
		return gc.alloc.Allocate(c, n)
	}
	obj := try()
	for i := 0; obj == 0 && i < allocFailureRetries; i++ {
		m.waitForGC(gc.collector.allocFailureCause())
		obj = try()
	}
	for i := 0; obj == 0 && i < allocOOMRetries; i++ {
		m.waitForGC(CauseOOM)
		obj = try()
		if obj == 0 && !nonMovable {
			// Other mutators may have refilled eden since the collection.
			obj = gc.alloc.AllocateOld(c, n)
		}
		if obj == 0 && gc.heap.FreeRegionCount() == 0 {
			break
		}
	}
	if obj == 0 {
		gc.logger.Warn("out of memory", "class", c.Name, "size", size)
		return 0, gc.outOfMemory()
	}
	m.allocs++
	return obj, nil
}

func (m *Mutator) waitForGC(cause Cause) {
	m.park(waitReasonAllocFailure)
	m.gc.WaitForGC(NewTask(cause, m.gc.nanotime()))
	m.Unpark()
}

// RequestGC asks for a collection with cause and waits for it, parked.
// It reports whether the collection ran.
func (m *Mutator) RequestGC(cause Cause) bool {
	m.park(waitReasonWaitForGCCycle)
	defer m.Unpark()
	return m.gc.WaitForGC(NewTask(cause, m.gc.nanotime()))
}

// outOfMemory returns the preallocated error.
func (gc *GC) outOfMemory() error {
	if gc.oom == nil {
		return &OutOfMemoryError{}
	}
	return gc.oom
}

// WriteRef stores val into the reference slot at off of obj.
func (m *Mutator) WriteRef(obj heap.Addr, off uintptr, val heap.Addr) {
	m.gc.writeRef(obj, off, val)
}

// ReadRef loads the reference slot at off of obj. Under the dynamic
// layout a slot holding an integer reads as nil.
//
// Reading the referent of a reference object while marking is in
// progress makes the referent strongly reachable again, so it is
// shaded.
func (m *Mutator) ReadRef(obj heap.Addr, off uintptr) heap.Addr {
	gc := m.gc
	h := gc.heap
	v := h.LoadWord(obj, off)
	if h.Layout() == heap.DynamicLayout && !heap.IsTaggedRef(v) {
		return 0
	}
	ref := heap.Addr(v)
	if ref != 0 && off == heap.ReferentOffset && gc.concurrentMarking.Load() {
		if c := h.ClassOf(obj); c != nil && c.Kind == heap.KindReference {
			gc.satb.push(ref)
		}
	}
	return ref
}

// shade records obj for remark if marking is in progress. Used for
// objects reached through weak tables.
func (gc *GC) shade(obj heap.Addr) {
	if obj != 0 && gc.concurrentMarking.Load() {
		gc.satb.push(obj)
	}
}

// WriteElement stores val into element i of a reference array.
func (m *Mutator) WriteElement(arr heap.Addr, i uint32, val heap.Addr) {
	m.WriteRef(arr, heap.ElementOffset(i), val)
}

// ReadElement loads element i of a reference array.
func (m *Mutator) ReadElement(arr heap.Addr, i uint32) heap.Addr {
	return m.ReadRef(arr, heap.ElementOffset(i))
}

// WriteInt stores an integer in the slot at off of obj. Under the dynamic
// layout the value is tagged and must fit in 63 bits.
func (m *Mutator) WriteInt(obj heap.Addr, off uintptr, v int64) {
	if m.gc.heap.Layout() == heap.DynamicLayout {
		m.gc.writeWord(obj, off, heap.TagInt(v))
		return
	}
	m.gc.heap.StoreWord(obj, off, uint64(v))
}

// ReadInt loads an integer written by WriteInt.
func (m *Mutator) ReadInt(obj heap.Addr, off uintptr) int64 {
	v := m.gc.heap.LoadWord(obj, off)
	if m.gc.heap.Layout() == heap.DynamicLayout {
		return heap.UntagInt(v)
	}
	return int64(v)
}

// NewHandle keeps obj alive and tracks its moves until the handle is
// released or m is closed.
func (m *Mutator) NewHandle(obj heap.Addr) Handle {
	h := m.gc.handles.New(obj)
	m.handles = append(m.handles, h)
	return h
}

// Get returns the current address of the object held by h.
func (m *Mutator) Get(h Handle) heap.Addr { return m.gc.handles.Get(h) }

// Set makes h hold obj.
func (m *Mutator) Set(h Handle, obj heap.Addr) { m.gc.handles.Set(h, obj) }

// Release drops h.
func (m *Mutator) Release(h Handle) {
	for i, x := range m.handles {
		if x == h {
			m.handles[i] = m.handles[len(m.handles)-1]
			m.handles = m.handles[:len(m.handles)-1]
			m.gc.handles.Release(h)
			return
		}
	}
	throw("gc: releasing a handle the mutator does not own")
}
