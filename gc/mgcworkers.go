// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Worker task pool.
//
// Collections hand out bounded pieces of work (a marking stack, a range
// of a large array, a set of evacuation roots) to a WorkerTaskPool. A
// pool may refuse a task when its backlog is full; the submitter then
// does the work itself, so nothing is ever lost.

package gc

import (
	"sync"

	"github.com/ifls/regiongc/heap"
	"github.com/ifls/regiongc/taskmanager"
	"golang.org/x/sys/cpu"
)

// workerTaskKind says how to process a WorkerTask.
type workerTaskKind uint8

const (
	taskMarking     workerTaskKind = iota // drain Stack with Marker
	taskArrayRange                        // mark elements [Begin, End) of Obj
	taskEvacuate                          // evacuate from Slots / Cards
	taskRegionSweep                       // sweep Regions
)

// WorkerTask is one unit of parallel work. It never outlives the
// collection that created it.
type WorkerTask struct {
	kind   workerTaskKind
	marker *Marker

	stack      []heap.Addr
	obj        heap.Addr
	begin, end uint32

	slots   []*heap.Addr
	cards   []int
	regions []*heap.Region

	evac  *evacuation
	sweep *regionSweep
}

// WorkerTaskPool runs worker tasks in parallel.
type WorkerTaskPool interface {
	// AddTask submits t. It returns false if the pool is saturated; the
	// caller must then process t itself.
	AddTask(t WorkerTask) bool
	// WaitUntilTasksEnd blocks until every task submitted so far,
	// including those submitted by tasks, is solved.
	WaitUntilTasksEnd()
	// RunInCurrentThread processes queued tasks in the caller until the
	// queue is empty.
	RunInCurrentThread()
	// Close stops the pool.
	Close()
}

// taskCounter tracks submitted and solved tasks of the current cycle.
type taskCounter struct {
	mu     sync.Mutex
	cond   sync.Cond
	sent   uint64
	solved uint64
}

func (c *taskCounter) init() { c.cond.L = &c.mu }

func (c *taskCounter) increaseSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// undoSent takes back a submission that the queue refused.
func (c *taskCounter) undoSent() {
	c.mu.Lock()
	c.sent--
	if c.solved == c.sent {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *taskCounter) increaseSolved() {
	c.mu.Lock()
	c.solved++
	if c.solved == c.sent {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *taskCounter) wait() {
	c.mu.Lock()
	for c.solved != c.sent {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *taskCounter) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.solved != c.sent
}

// ThreadPool is a WorkerTaskPool backed by goroutines owned by the
// collector.
type ThreadPool struct {
	handler func(*WorkerTask)
	queue   chan WorkerTask

	_       cpu.CacheLinePad
	counter taskCounter
	_       cpu.CacheLinePad

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewThreadPool starts n workers with a backlog of backlog tasks.
func NewThreadPool(n, backlog int, handler func(*WorkerTask)) *ThreadPool {
	p := &ThreadPool{handler: handler, queue: make(chan WorkerTask, max(backlog, 1))}
	p.counter.init()
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.process(t)
	}
}

func (p *ThreadPool) process(t WorkerTask) {
	p.handler(&t)
	p.counter.increaseSolved()
}

func (p *ThreadPool) AddTask(t WorkerTask) bool {
	p.counter.increaseSent()
	select {
	case p.queue <- t:
		return true
	default:
		p.counter.undoSent()
		return false
	}
}

func (p *ThreadPool) RunInCurrentThread() {
	for {
		select {
		case t := <-p.queue:
			p.process(t)
		default:
			return
		}
	}
}

func (p *ThreadPool) WaitUntilTasksEnd() {
	// Help until the backlog is empty, then wait for the tasks still in
	// flight. Those may submit more; help again if so.
	for {
		p.RunInCurrentThread()
		if !p.counter.pending() {
			return
		}
		if len(p.queue) == 0 {
			p.counter.wait()
			return
		}
	}
}

func (p *ThreadPool) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
}

// TaskManagerPool is a WorkerTaskPool that runs tasks on the shared task
// manager.
type TaskManagerPool struct {
	handler func(*WorkerTask)
	queue   *taskmanager.Queue
	counter taskCounter
}

func NewTaskManagerPool(q *taskmanager.Queue, handler func(*WorkerTask)) *TaskManagerPool {
	p := &TaskManagerPool{handler: handler, queue: q}
	p.counter.init()
	return p
}

func (p *TaskManagerPool) AddTask(t WorkerTask) bool {
	p.counter.increaseSent()
	ok := p.queue.Submit(func() {
		p.handler(&t)
		p.counter.increaseSolved()
	})
	if !ok {
		p.counter.undoSent()
	}
	return ok
}

func (p *TaskManagerPool) RunInCurrentThread() {
	for p.queue.RunOne() {
	}
}

func (p *TaskManagerPool) WaitUntilTasksEnd() {
	p.RunInCurrentThread()
	p.counter.wait()
}

// Close is a no-op: the task manager outlives the collector.
func (p *TaskManagerPool) Close() {}
