// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"github.com/ifls/regiongc/heap"
)

var RemsetOwner = remsetOwner

// NewMarkingStack returns a stack with no marker, for exercising its
// buffers alone.
func NewMarkingStack(pool WorkerTaskPool, limit int) *MarkingStack {
	return newMarkingStack(nil, pool, limit, nil)
}

// NewClockedMarkingStack is NewMarkingStack with submission rate control
// driven by now.
func NewClockedMarkingStack(pool WorkerTaskPool, limit int, now func() int64) *MarkingStack {
	return newMarkingStack(nil, pool, limit, now)
}

func (s *MarkingStack) DstLen() int { return len(s.dst) }

func (t *WorkerTask) StackLen() int { return len(t.stack) }

func NewWorkerTask(stack []heap.Addr) WorkerTask {
	return WorkerTask{kind: taskMarking, stack: stack}
}

func (gc *GC) NewTestMarker(storage MarkStorage) *Marker {
	return gc.newMarker(storage, nil)
}

func (gc *GC) QueuedTasks() int { return gc.worker.queue.Len() }

// MixedCandidates returns the old regions a G1 marking left for mixed
// pauses.
func (gc *GC) MixedCandidates() int {
	if c, ok := gc.collector.(*g1Collector); ok {
		return len(c.mixed)
	}
	return 0
}

// PendingDirtyCards returns the cards queued by the G1 post-barrier.
func (gc *GC) PendingDirtyCards() int {
	c, ok := gc.collector.(*g1Collector)
	if !ok {
		return 0
	}
	c.cards.mu.Lock()
	defer c.cards.mu.Unlock()
	return len(c.cards.cards)
}

// RefineDirtyCards moves the queued cards into remembered sets, as a
// pause would.
func (gc *GC) RefineDirtyCards() int {
	c, ok := gc.collector.(*g1Collector)
	if !ok {
		return 0
	}
	return gc.handlePendingDirtyCards(&c.cards)
}

func (gc *GC) ConcurrentMarking() bool      { return gc.concurrentMarking.Load() }
func (gc *GC) SetConcurrentMarking(on bool) { gc.concurrentMarking.Store(on) }
func (gc *GC) SATBLen() int                 { return gc.satb.len() }

func (gc *GC) SetAfterPhase(fn func(Phase)) { gc.afterPhase = fn }

func (gc *GC) EnterPhase(p Phase) { gc.enterPhase(p) }
func (gc *GC) LeavePhase(p Phase) { gc.leavePhase(p) }

func (gc *GC) StopTheWorld()  { gc.stopTheWorld() }
func (gc *GC) StartTheWorld() { gc.startTheWorldUncounted() }

func (gc *GC) Throw(msg string) { throw(msg) }

// IsFatal reports whether v, recovered from a panic, came from throw.
func IsFatal(v any) bool {
	_, ok := v.(fatalError)
	return ok
}

func (gc *GC) HandleWorkerTask(t *WorkerTask) { gc.handleWorkerTask(t) }
