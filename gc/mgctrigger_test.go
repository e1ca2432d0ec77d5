// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"testing"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

func TestHeapTriggerTargetIsIdempotent(t *testing.T) {
	const (
		minExtra = 1 << 20
		maxExtra = 8 << 20
	)
	for _, h := range []uint64{0, 1 << 20, 10 << 20, 100 << 20, 1 << 40} {
		tr := NewHeapTrigger(0, 50, minExtra, maxExtra)
		want := h + min(max(h/100*50, minExtra), maxExtra)
		for i := 0; i < 5; i++ {
			if got := tr.ComputeTarget(h, h); got != want {
				t.Fatalf("ComputeTarget(%d, %d) #%d = %d, want %d", h, h, i, got, want)
			}
			tr.GCFinished(NewTask(CauseExplicit, 0), h, h)
			if got := tr.Target(); got != want {
				t.Fatalf("Target after collection #%d at %d = %d, want %d", i, h, got, want)
			}
		}
	}
}

func TestHeapTriggerAfterSqueeze(t *testing.T) {
	tr := NewHeapTrigger(0, 10, 1<<20, 1<<40)
	before, after := uint64(200<<20), uint64(100<<20)
	if got, want := tr.ComputeTarget(before, after), after+(before-after)/2; got != want {
		t.Errorf("ComputeTarget(%d, %d) = %d, want %d", before, after, got, want)
	}
}

func TestAdaptiveTriggerWidensClusteredTargets(t *testing.T) {
	tr := NewAdaptiveHeapTrigger(0, 50, 1<<20, 64<<20)
	h := uint64(10 << 20)
	base := tr.HeapTrigger.ComputeTarget(h, h)
	for i := 0; i < 3; i++ {
		if got := tr.ComputeTarget(h, h); got != base {
			t.Fatalf("target #%d = %d, want %d", i, got, base)
		}
	}
	if got, want := tr.ComputeTarget(h, h), base+(base-h); got != want {
		t.Fatalf("target after clustering = %d, want %d", got, want)
	}
	if got := tr.ComputeTarget(h, h); got != base {
		t.Fatalf("target after the window reset = %d, want %d", got, base)
	}
}

func TestOccupancyTrigger(t *testing.T) {
	tr := NewHeapOccupancyTrigger(1<<30, 100<<20, 80, 1<<20)
	if got, want := tr.Threshold(), uint64(100<<20)/100*80; got != want {
		t.Fatalf("Threshold = %d, want %d", got, want)
	}
	task := NewTask(CauseHeapUsageThreshold, 0)
	tr.GCFinished(task, 90<<20, 50<<20)
	if got, want := tr.Threshold(), uint64(100<<20)/100*80; got != want {
		t.Fatalf("Threshold after shrinking below it = %d, want %d", got, want)
	}
	tr.GCFinished(task, 90<<20, 85<<20)
	if got, want := tr.Threshold(), uint64(86<<20); got != want {
		t.Fatalf("Threshold after a full heap = %d, want %d", got, want)
	}
	tr.GCFinished(task, 100<<20, 100<<20)
	if got, want := tr.Threshold(), uint64(100<<20); got != want {
		t.Fatalf("Threshold = %d, want it capped at %d", got, want)
	}
}

func TestPauseTimeGoalTrigger(t *testing.T) {
	tr := NewPauseTimeGoalTrigger(1<<20, 100<<20, 50, 4<<20)
	young := NewTask(CauseYoung, 0)
	young.CollectionType = CollectionYoung
	tr.GCFinished(young, 0, 10<<20)
	if got := tr.Target(); got != 1<<20 {
		t.Fatalf("Target after a young pause = %d, want it unchanged", got)
	}
	mixed := NewTask(CauseMixed, 0)
	mixed.CollectionType = CollectionMixed
	tr.GCFinished(mixed, 0, 10<<20)
	if got, want := tr.Target(), uint64(50<<20); got != want {
		t.Fatalf("Target after a mixed pause = %d, want %d", got, want)
	}
	tr.GCFinished(mixed, 0, 60<<20)
	if got, want := tr.Target(), uint64(64<<20); got != want {
		t.Fatalf("Target after a mixed pause at 60M = %d, want %d", got, want)
	}
}

func TestThresholdTriggerQueuesOnce(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen,trigger=heap,percent=10,minextra=0,maxextra=1048576,youngregions=16")
	tr, ok := e.TriggerPolicy().(*HeapTrigger)
	if !ok {
		t.Fatalf("trigger is %T, want *HeapTrigger", e.TriggerPolicy())
	}
	target := tr.Target()
	if target == 0 || target > e.h.MaxSize() {
		t.Fatalf("initial target %d out of range", target)
	}

	a := e.Allocator()
	for e.h.Footprint() < target {
		tr.TriggerGcIfNeeded(e.GC)
		if n := e.QueuedTasks(); n != 0 {
			t.Fatalf("%d tasks queued at footprint %d below target %d", n, e.h.Footprint(), target)
		}
		if a.Allocate(e.node, 0) == 0 {
			t.Fatalf("allocation failed at footprint %d below target %d", e.h.Footprint(), target)
		}
	}
	for i := 0; i < 10; i++ {
		a.Allocate(e.node, 0)
		tr.TriggerGcIfNeeded(e.GC)
	}
	if n := e.QueuedTasks(); n != 1 {
		t.Fatalf("%d tasks queued above the target, want exactly 1", n)
	}

	if e.WaitForGC(NewTask(CauseHeapUsageThreshold, e.clock.Load())) {
		t.Fatal("WaitForGC with a queued threshold task = true, want false")
	}
	st := e.Stats()
	if st.NumGC != 1 || st.Last.Cause != CauseHeapUsageThreshold {
		t.Fatalf("stats = %+v, want one threshold collection", st)
	}
	if st.Last.HeapAfter >= st.Last.HeapBefore {
		t.Errorf("heap went from %d to %d bytes", st.Last.HeapBefore, st.Last.HeapAfter)
	}
	if got := tr.Target(); got <= st.Last.HeapAfter {
		t.Errorf("new target %d not above the heap size %d", got, st.Last.HeapAfter)
	}
}

func TestNthAllocationTrigger(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen,nthalloc=5")
	m := e.NewMutator()
	defer m.Close()
	e.garbage(t, m, 4)
	if n := e.Stats().NumGC; n != 0 {
		t.Fatalf("%d collections before the 5th allocation", n)
	}
	// The 5th allocation queues the task, the 6th polls it.
	e.garbage(t, m, 2)
	if n := e.Stats().NumGC; n != 1 {
		t.Fatalf("%d collections after the 6th allocation, want 1", n)
	}
	e.garbage(t, m, 20)
	if n := e.Stats().NumGC; n != 1 {
		t.Fatalf("%d collections after 26 allocations, want 1", n)
	}
}
