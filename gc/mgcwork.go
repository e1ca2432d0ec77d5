// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"github.com/ifls/regiongc/heap"
)

// Marking work.
//
// A MarkingStack holds grey objects: marked, not yet scanned. It is a
// pair of buffers. Scanning pops from src and pushes what it finds onto
// dst; when src runs dry the two are swapped. dst is the only buffer
// that ever leaves the stack: once it grows past limit it is detached
// whole and handed to the worker pool as a new task, so a scanner never
// gives away items it is still popping.
//
// 主从两个缓冲: 从 src 取, 往 dst 放; dst 满了整块交给 worker pool。
type MarkingStack struct {
	src, dst []heap.Addr

	pool   WorkerTaskPool // nil: never offload
	marker *Marker
	limit  int

	// Submission rate control. If the last rateWindow submissions came
	// faster than minTaskInterval apart on average, tasks are too small:
	// raise the limit.
	now      func() int64
	sentAt   [rateWindow]int64
	nsent    int
	minDelta int64
}

const (
	rateWindow = 4
	// minTaskInterval is the minimal average gap in nanoseconds between
	// two submitted marking tasks.
	minTaskInterval = 10_000
)

// newMarkingStack returns an empty stack. With a nil pool every object
// is scanned by the owner.
func newMarkingStack(m *Marker, pool WorkerTaskPool, limit int, now func() int64) *MarkingStack {
	return &MarkingStack{
		pool:     pool,
		marker:   m,
		limit:    max(limit, 1),
		now:      now,
		minDelta: minTaskInterval,
	}
}

// Limit returns the size at which dst is offloaded.
func (s *MarkingStack) Limit() int { return s.limit }

// Len returns the number of pending objects.
func (s *MarkingStack) Len() int { return len(s.src) + len(s.dst) }

// Empty reports whether no object is pending.
func (s *MarkingStack) Empty() bool { return len(s.src) == 0 && len(s.dst) == 0 }

// Push adds a grey object.
func (s *MarkingStack) Push(obj heap.Addr) {
	s.dst = append(s.dst, obj)
	if len(s.dst) <= s.limit || s.pool == nil {
		return
	}
	t := WorkerTask{kind: taskMarking, marker: s.marker, stack: s.dst}
	if !s.pool.AddTask(t) {
		// Pool saturated: keep the items and back off.
		s.limit *= 2
		return
	}
	s.dst = make([]heap.Addr, 0, s.limit)
	s.checkRate()
}

func (s *MarkingStack) checkRate() {
	if s.now == nil {
		return
	}
	t := s.now()
	oldest := s.sentAt[s.nsent%rateWindow]
	s.sentAt[s.nsent%rateWindow] = t
	s.nsent++
	if s.nsent < rateWindow+1 {
		return
	}
	if (t-oldest)/rateWindow < s.minDelta {
		s.limit *= 2
		s.nsent = 0
	}
}

// Pop removes a pending object. It reports false if there is none.
func (s *MarkingStack) Pop() (heap.Addr, bool) {
	if len(s.src) == 0 {
		if len(s.dst) == 0 {
			return 0, false
		}
		s.src, s.dst = s.dst, s.src[:0]
	}
	n := len(s.src) - 1
	obj := s.src[n]
	s.src = s.src[:n]
	return obj, true
}

// TraverseObjects scans objects until the stack is empty.
func (s *MarkingStack) TraverseObjects() {
	m := s.marker
	for {
		obj, ok := s.Pop()
		if !ok {
			return
		}
		m.scanObject(s, obj)
	}
}
