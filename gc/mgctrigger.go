// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Collection triggers.
//
// A trigger decides when the heap has grown enough to deserve a
// collection. TriggerGcIfNeeded is called on every allocation, so the
// path that does not trigger is a couple of atomic loads.

package gc

import (
	"sync"
	"sync/atomic"
)

// Trigger is the contract shared by every trigger.
type Trigger interface {
	// TriggerGcIfNeeded requests a collection if the heuristic says so.
	// It never blocks beyond queueing the request.
	TriggerGcIfNeeded(gc *GC)
	// GCStarted and GCFinished let the trigger recompute its state.
	GCStarted(task *Task, heapSize uint64)
	GCFinished(task *Task, heapSizeBeforeGC, heapSize uint64)
}

// HeapTrigger requests a collection once the heap footprint reaches a
// target recomputed after every collection.
type HeapTrigger struct {
	percent            uint64
	minExtra, maxExtra uint64
	target             atomic.Uint64
}

// NewHeapTrigger returns a trigger that first fires at initialTarget
// bytes.
func NewHeapTrigger(initialTarget uint64, percent int, minExtra, maxExtra uint64) *HeapTrigger {
	t := &HeapTrigger{percent: uint64(percent), minExtra: minExtra, maxExtra: maxExtra}
	t.target.Store(initialTarget)
	return t
}

// Target returns the footprint at which the next collection triggers.
func (t *HeapTrigger) Target() uint64 { return t.target.Load() }

// ComputeTarget returns the next target after a collection that shrank
// (or grew) the heap from heapSizeBeforeGC to heapSize.
func (t *HeapTrigger) ComputeTarget(heapSizeBeforeGC, heapSize uint64) uint64 {
	// Divide first: heap sizes times percent could overflow.
	delta := heapSize / 100 * t.percent
	if heapSizeBeforeGC > heapSize {
		// Squeezed from 200M to 100M: aim for 150M rather than
		// 100M+percent.
		delta = max(delta, (heapSizeBeforeGC-heapSize)/2)
	}
	return heapSize + min(max(delta, t.minExtra), t.maxExtra)
}

func (t *HeapTrigger) TriggerGcIfNeeded(gc *GC) {
	if gc.heap.Footprint() < t.target.Load() {
		return
	}
	gc.Trigger(NewTask(CauseHeapUsageThreshold, gc.nanotime()))
}

func (t *HeapTrigger) GCStarted(*Task, uint64) {}

func (t *HeapTrigger) GCFinished(_ *Task, heapSizeBeforeGC, heapSize uint64) {
	t.target.Store(t.ComputeTarget(heapSizeBeforeGC, heapSize))
}

const (
	adaptiveRecentTargets = 3
	// adaptiveWindowPercent is the spread, relative to the largest of the
	// recent targets, under which they count as clustered.
	adaptiveWindowPercent = 10
)

// AdaptiveHeapTrigger is a HeapTrigger that widens its delta when
// the recent targets cluster, which means the application keeps
// collecting at the same heap size.
type AdaptiveHeapTrigger struct {
	HeapTrigger

	mu     sync.Mutex
	recent [adaptiveRecentTargets]uint64
	n      int
}

func NewAdaptiveHeapTrigger(initialTarget uint64, percent int, minExtra, maxExtra uint64) *AdaptiveHeapTrigger {
	t := &AdaptiveHeapTrigger{}
	t.percent, t.minExtra, t.maxExtra = uint64(percent), minExtra, maxExtra
	t.target.Store(initialTarget)
	return t
}

func (t *AdaptiveHeapTrigger) ComputeTarget(heapSizeBeforeGC, heapSize uint64) uint64 {
	target := t.HeapTrigger.ComputeTarget(heapSizeBeforeGC, heapSize)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clustered() {
		target += target - heapSize
		t.n = 0
	}
	t.recent[t.n%adaptiveRecentTargets] = target
	t.n++
	return target
}

func (t *AdaptiveHeapTrigger) clustered() bool {
	if t.n < adaptiveRecentTargets {
		return false
	}
	lo, hi := t.recent[0], t.recent[0]
	for _, v := range t.recent[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return (hi-lo)*100 <= hi*adaptiveWindowPercent
}

func (t *AdaptiveHeapTrigger) GCFinished(_ *Task, heapSizeBeforeGC, heapSize uint64) {
	t.target.Store(t.ComputeTarget(heapSizeBeforeGC, heapSize))
}

// HeapOccupancyTrigger requests a full collection once the footprint
// crosses min(initialLimit, maxPercent% of maxLimit).
type HeapOccupancyTrigger struct {
	maxLimit  uint64
	minExtra  uint64
	threshold atomic.Uint64
}

func NewHeapOccupancyTrigger(initialLimit, maxLimit uint64, maxPercent int, minExtra uint64) *HeapOccupancyTrigger {
	t := &HeapOccupancyTrigger{maxLimit: maxLimit, minExtra: minExtra}
	t.threshold.Store(min(initialLimit, maxLimit/100*uint64(maxPercent)))
	return t
}

func (t *HeapOccupancyTrigger) Threshold() uint64 { return t.threshold.Load() }

func (t *HeapOccupancyTrigger) TriggerGcIfNeeded(gc *GC) {
	if gc.heap.Footprint() < t.threshold.Load() {
		return
	}
	task := NewTask(CauseHeapUsageThreshold, gc.nanotime())
	task.Full = true
	gc.Trigger(task)
}

func (t *HeapOccupancyTrigger) GCStarted(*Task, uint64) {}

func (t *HeapOccupancyTrigger) GCFinished(task *Task, _, heapSize uint64) {
	// Still above the line after a full collection: move it so that we
	// do not collect back to back.
	if th := t.threshold.Load(); heapSize >= th {
		t.threshold.Store(min(heapSize+t.minExtra, t.maxLimit))
	}
}

// PauseTimeGoalTrigger starts concurrent marking when the footprint
// reaches a target. The target is only recomputed after mixed
// collections, which are the ones that reclaim tenured space.
type PauseTimeGoalTrigger struct {
	maxLimit         uint64
	minExtra         uint64
	occupancyPercent uint64
	target           atomic.Uint64
	marking          atomic.Bool
}

func NewPauseTimeGoalTrigger(initialTarget, maxLimit uint64, occupancyPercent int, minExtra uint64) *PauseTimeGoalTrigger {
	t := &PauseTimeGoalTrigger{maxLimit: maxLimit, minExtra: minExtra, occupancyPercent: uint64(occupancyPercent)}
	t.target.Store(initialTarget)
	return t
}

func (t *PauseTimeGoalTrigger) Target() uint64 { return t.target.Load() }

// StartConcurrentMarking reports whether the trigger requested marking
// that has not finished yet.
func (t *PauseTimeGoalTrigger) StartConcurrentMarking() bool { return t.marking.Load() }

func (t *PauseTimeGoalTrigger) TriggerGcIfNeeded(gc *GC) {
	if t.marking.Load() || gc.heap.Footprint() < t.target.Load() {
		return
	}
	if t.marking.CompareAndSwap(false, true) {
		gc.Trigger(NewTask(CauseHeapUsageThreshold, gc.nanotime()))
	}
}

func (t *PauseTimeGoalTrigger) GCStarted(*Task, uint64) {}

func (t *PauseTimeGoalTrigger) GCFinished(task *Task, _, heapSize uint64) {
	if task.Cause == CauseHeapUsageThreshold || task.CollectionType == CollectionFull {
		t.marking.Store(false)
	}
	if task.CollectionType != CollectionMixed && task.CollectionType != CollectionFull {
		return
	}
	target := t.maxLimit / 100 * t.occupancyPercent
	target = max(target, heapSize+t.minExtra)
	t.target.Store(min(target, t.maxLimit))
}

// DebugTrigger requests a collection on every check, scheduled delay
// after the check. Used to stress the collector.
type DebugTrigger struct {
	delay int64
}

func NewDebugTrigger(delay int64) *DebugTrigger { return &DebugTrigger{delay: delay} }

func (t *DebugTrigger) TriggerGcIfNeeded(gc *GC) {
	gc.Trigger(NewTask(CauseHeapUsageThreshold, gc.nanotime()+t.delay))
}

func (t *DebugTrigger) GCStarted(*Task, uint64)          {}
func (t *DebugTrigger) GCFinished(*Task, uint64, uint64) {}

// NeverTrigger never requests a collection; only explicit requests and
// allocation failures collect.
type NeverTrigger struct{}

func (NeverTrigger) TriggerGcIfNeeded(*GC)            {}
func (NeverTrigger) GCStarted(*Task, uint64)          {}
func (NeverTrigger) GCFinished(*Task, uint64, uint64) {}

// NthAllocationTrigger wraps a trigger and forces exactly one collection
// on the nth check. It makes tests deterministic.
type NthAllocationTrigger struct {
	Trigger
	n     int64
	count atomic.Int64
}

func NewNthAllocationTrigger(t Trigger, n int) *NthAllocationTrigger {
	return &NthAllocationTrigger{Trigger: t, n: int64(n)}
}

func (t *NthAllocationTrigger) TriggerGcIfNeeded(gc *GC) {
	if t.count.Add(1) == t.n {
		gc.Trigger(NewTask(CauseHeapUsageThreshold, gc.nanotime()))
		return
	}
	t.Trigger.TriggerGcIfNeeded(gc)
}

// newTrigger builds the trigger selected by s for a heap of maxHeap
// bytes.
func newTrigger(s *Settings, maxHeap uint64) Trigger {
	initial := min(max(s.MinExtra, maxHeap/100*uint64(s.Percent)), maxHeap)
	var t Trigger
	switch s.Trigger {
	case TriggerAdaptive:
		t = NewAdaptiveHeapTrigger(initial, s.Percent, s.MinExtra, s.MaxExtra)
	case TriggerOccupancy:
		t = NewHeapOccupancyTrigger(initial, maxHeap, s.OccupancyPercent, s.MinExtra)
	case TriggerPauseGoal:
		t = NewPauseTimeGoalTrigger(initial, maxHeap, s.OccupancyPercent, s.MinExtra)
	case TriggerDebug:
		t = NewDebugTrigger(int64(s.DebugStart))
	case TriggerNever:
		t = NeverTrigger{}
	default:
		t = NewHeapTrigger(initial, s.Percent, s.MinExtra, s.MaxExtra)
	}
	if s.NthAlloc > 0 {
		t = NewNthAllocationTrigger(t, s.NthAlloc)
	}
	return t
}
