// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Collection requests.
//
// Every collection is described by a Task. Tasks are queued by target
// time and handed one at a time to the collector by the GC worker. At
// most one task per cause may wait in the queue: a request whose cause
// is already queued is discarded, which bounds the queue under
// allocation storms.

package gc

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ifls/regiongc/taskmanager"
)

// Cause is the reason a collection was requested.
type Cause int

const (
	CauseInvalid Cause = iota
	CauseYoung
	CauseHeapUsageThreshold
	CauseOOM
	CauseExplicit
	CauseNativeAlloc
	CauseStartupComplete
	CausePygoteFork
	CauseMixed
)

var causeNames = [...]string{
	CauseInvalid:            "invalid",
	CauseYoung:              "young",
	CauseHeapUsageThreshold: "heap-usage-threshold",
	CauseOOM:                "oom",
	CauseExplicit:           "explicit",
	CauseNativeAlloc:        "native-alloc",
	CauseStartupComplete:    "startup-complete",
	CausePygoteFork:         "pygote-fork",
	CauseMixed:              "mixed",
}

func (c Cause) String() string { return enumName(causeNames[:], int(c)) }

// CollectionType is what a collector decided to do for a task.
type CollectionType int

const (
	CollectionNone CollectionType = iota
	CollectionYoung
	CollectionMixed
	CollectionTenured
	CollectionFull
)

var collectionTypeNames = [...]string{
	CollectionNone:    "none",
	CollectionYoung:   "young",
	CollectionMixed:   "mixed",
	CollectionTenured: "tenured",
	CollectionFull:    "full",
}

func (t CollectionType) String() string { return enumName(collectionTypeNames[:], int(t)) }

var taskIDs atomic.Uint64

// Task is one collection request.
type Task struct {
	Cause      Cause
	TargetTime int64  // nanotime at which the task becomes runnable
	ID         uint64 // increases with every task created

	// Full asks the collector for a full collection regardless of the
	// cause.
	Full bool

	// CollectionType is set by the collector while running the task.
	CollectionType CollectionType

	index    int // in taskHeap
	done     chan struct{}
	doneOnce sync.Once
}

// NewTask returns a task for cause that becomes runnable at targetTime.
func NewTask(cause Cause, targetTime int64) *Task {
	return &Task{
		Cause:      cause,
		TargetTime: targetTime,
		ID:         taskIDs.Add(1),
		index:      -1,
		done:       make(chan struct{}),
	}
}

// Done is closed once the task ran or was dropped.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finish() { t.doneOnce.Do(func() { close(t.done) }) }

func (t *Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", t.ID),
		slog.String("cause", t.Cause.String()),
		slog.String("type", t.CollectionType.String()),
	)
}

// taskHeap orders tasks by target time, then by id.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].TargetTime != h[j].TargetTime {
		return h[i].TargetTime < h[j].TargetTime
	}
	return h[i].ID < h[j].ID
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// taskQueue is the ascending-by-target-time queue of pending tasks.
type taskQueue struct {
	mu       sync.Mutex
	cond     sync.Cond
	tasks    taskHeap
	closed   bool
	nanotime func() int64
	timer    *time.Timer // wakes waiters when the head becomes runnable
}

func newTaskQueue(nanotime func() int64) *taskQueue {
	q := &taskQueue{nanotime: nanotime}
	q.cond.L = &q.mu
	return q
}

// AddTask queues t. It returns false, and drops t, if a task with the
// same cause is already queued or the queue is closed.
func (q *taskQueue) AddTask(t *Task) bool {
	return q.join(t) == t
}

// join queues t and returns it, or returns the queued task with the same
// cause that t coalesces with. It returns nil if the queue is closed.
func (q *taskQueue) join(t *Task) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for _, queued := range q.tasks {
		if queued.Cause == t.Cause {
			return queued
		}
	}
	heap.Push(&q.tasks, t)
	q.cond.Broadcast()
	return t
}

// GetTask pops the first runnable task. With wait it blocks until one
// is runnable or the queue is closed; without it returns nil at once.
func (q *taskQueue) GetTask(wait bool) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil
		}
		if len(q.tasks) == 0 {
			if !wait {
				return nil
			}
			q.cond.Wait()
			continue
		}
		head := q.tasks[0]
		if d := head.TargetTime - q.nanotime(); d > 0 {
			if !wait {
				return nil
			}
			q.armTimer(time.Duration(d))
			q.cond.Wait()
			continue
		}
		return heap.Pop(&q.tasks).(*Task)
	}
}

func (q *taskQueue) armTimer(d time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// nextDelay returns how long until the head task becomes runnable, and
// false if the queue is empty.
func (q *taskQueue) nextDelay() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return 0, false
	}
	return max(time.Duration(q.tasks[0].TargetTime-q.nanotime()), 0), true
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close wakes every waiter and drops the queued tasks.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	dropped := q.tasks
	q.tasks = nil
	if q.timer != nil {
		q.timer.Stop()
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	for _, t := range dropped {
		t.finish()
	}
}

// gcWorker owns the task queue and runs tasks on the configured thread.
type gcWorker struct {
	gc    *GC
	mode  ThreadMode
	queue *taskQueue

	// dedicated
	stopped chan struct{}

	// taskmanager
	tmQueue   *taskmanager.Queue
	scheduled atomic.Bool

	// postponing
	postponeMu sync.Mutex
	postpone   int
	postponed  []*Task

	running atomic.Bool
}

func newGCWorker(gc *GC, mode ThreadMode, tmQueue *taskmanager.Queue) *gcWorker {
	return &gcWorker{
		gc:      gc,
		mode:    mode,
		queue:   newTaskQueue(gc.nanotime),
		tmQueue: tmQueue,
	}
}

func (w *gcWorker) start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.queue.mu.Lock()
	w.queue.closed = false
	w.queue.mu.Unlock()
	switch w.mode {
	case ThreadDedicated:
		w.stopped = make(chan struct{})
		go w.loop()
	case ThreadTaskManager:
		if w.queue.Len() > 0 {
			w.schedule()
		}
	}
}

// stop closes the queue and waits for the dedicated goroutine. Queued
// tasks are dropped; a running task completes.
func (w *gcWorker) stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.queue.Close()
	if w.mode == ThreadDedicated {
		<-w.stopped
	}
	w.postponeMu.Lock()
	dropped := w.postponed
	w.postponed = nil
	w.postponeMu.Unlock()
	for _, t := range dropped {
		t.finish()
	}
}

func (w *gcWorker) loop() {
	defer close(w.stopped)
	for {
		t := w.queue.GetTask(true)
		if t == nil {
			return
		}
		w.run(t)
	}
}

// addTask queues t and makes sure someone will run it. It reports
// false if t was dropped.
func (w *gcWorker) addTask(t *Task) bool {
	return w.joinTask(t) == t
}

// joinTask queues t, or drops it in favour of the queued task with the
// same cause. It returns the task that will run, nil if none will.
func (w *gcWorker) joinTask(t *Task) *Task {
	if !w.running.Load() {
		t.finish()
		return nil
	}
	j := w.queue.join(t)
	if j != t {
		t.finish()
		return j
	}
	if w.mode == ThreadTaskManager {
		w.schedule()
	}
	return t
}

// schedule puts the rescheduling job on the task manager unless it is
// there already.
func (w *gcWorker) schedule() {
	if !w.scheduled.CompareAndSwap(false, true) {
		return
	}
	if !w.tmQueue.Submit(w.runOnTaskManager) {
		w.scheduled.Store(false)
		w.gc.logger.Warn("gc worker could not be scheduled on the task manager")
	}
}

func (w *gcWorker) runOnTaskManager() {
	if t := w.queue.GetTask(false); t != nil {
		w.run(t)
	}
	w.scheduled.Store(false)
	d, ok := w.queue.nextDelay()
	switch {
	case !ok || !w.running.Load():
	case d == 0:
		w.schedule()
	default:
		time.AfterFunc(d, w.schedule)
	}
}

// runPending runs every runnable task in the calling goroutine, which
// must not hold the safepoint lock.
func (w *gcWorker) runPending() {
	for {
		t := w.queue.GetTask(false)
		if t == nil {
			return
		}
		w.run(t)
	}
}

func (w *gcWorker) hasRunnable() bool {
	d, ok := w.queue.nextDelay()
	return ok && d == 0
}

// run executes t unless collections are postponed and t may wait.
func (w *gcWorker) run(t *Task) {
	w.postponeMu.Lock()
	if w.postpone > 0 && t.Cause == CauseHeapUsageThreshold {
		for _, p := range w.postponed {
			if p.Cause == t.Cause {
				w.postponeMu.Unlock()
				t.finish()
				return
			}
		}
		w.postponed = append(w.postponed, t)
		w.postponeMu.Unlock()
		w.gc.logger.Debug("gc task postponed", slog.Any("task", t))
		return
	}
	w.postponeMu.Unlock()
	w.gc.runTask(t)
}

func (w *gcWorker) postponeStart() {
	w.postponeMu.Lock()
	w.postpone++
	w.postponeMu.Unlock()
}

func (w *gcWorker) postponeEnd() {
	w.postponeMu.Lock()
	if w.postpone == 0 {
		w.postponeMu.Unlock()
		throw("gc: PostponeGCEnd without PostponeGCStart")
	}
	w.postpone--
	var replay []*Task
	if w.postpone == 0 {
		replay, w.postponed = w.postponed, nil
	}
	w.postponeMu.Unlock()
	for _, t := range replay {
		t.TargetTime = w.gc.nanotime()
		// Dropped if a fresh request with the same cause is queued.
		w.addTask(t)
	}
}
