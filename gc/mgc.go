// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector (GC). 垃圾收集器
//
// The collector manages a region heap for a managed runtime. Mutators
// allocate in eden regions (or straight into old regions for the
// non-generational collector) and write references through barriers.
// Collections are requested as Tasks, queued by target time and run one
// at a time by the GC worker. Three algorithms share one phase protocol:
//
//	IDLE -> RUNNING -> {COLLECT_ROOTS, INITIAL_MARK, MARK, MARK_YOUNG,
//	                    REMARK, COLLECT_YOUNG_AND_MOVE, SWEEP, CLEANUP} -> IDLE
//
// Entering and leaving a phase is a compare-and-swap on the phase word;
// a failed transition is a collector bug and is fatal.
//
// 1. STW collector (gctype=stw). 不分代
//
//	a. Stop the world. 所有 mutator 停在 safepoint
//	b. Mark from the roots, in parallel if parallelmark is set, with the
//	   mark bit in the object header.
//	c. Process references and weak tables, sweep every region, unmark.
//	d. Start the world.
//
// 2. Generational collector (gctype=gen). 分代
//
//	Young: stop the world, mark eden from the roots and from the objects
//	on dirty cards (tenured->young edges), copy every marked eden object
//	into tenured regions, update references, free eden, clear the cards.
//
//	Tenured: initial mark on a pause, concurrent mark while mutators run
//	(SATB pre-barrier, new objects are allocated black), remark on a
//	pause followed by a young collection, concurrent sweep and a final
//	unmark pass, since objects allocated during marking carry mark bits.
//
//	Full: mark everything on a pause, sweep tenured, then run a young
//	collection. Chosen for OOM, for explicit requests when concurrent
//	collection is disabled, for the first collection after a fork and
//	whenever a young collection might not find room for survivors.
//
// 3. Region collector (gctype=g1). 分区
//
//	Young and mixed pauses evacuate a collection set (all eden plus the
//	old regions with the most garbage after a marking) into fresh regions
//	using per-worker evacuation states. Roots are the strong roots and
//	the remembered-set cards of the collection set's regions. Concurrent
//	marking counts live bytes per region; empty regions are freed right
//	after remark, the rest become mixed collection candidates. Full
//	collections mark and compact the heap in batches bounded by the free
//	region count.

package gc

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ifls/regiongc/heap"
	"github.com/ifls/regiongc/taskmanager"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/cpu"
)

// Phase is the state of the current collection.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseCollectRoots
	PhaseInitialMark
	PhaseMark // concurrent
	PhaseMarkYoung
	PhaseRemark
	PhaseCollectYoungAndMove
	PhaseSweep
	PhaseCleanup
)

var phaseNames = [...]string{
	PhaseIdle:                "idle",
	PhaseRunning:             "running",
	PhaseCollectRoots:        "collect-roots",
	PhaseInitialMark:         "initial-mark",
	PhaseMark:                "mark",
	PhaseMarkYoung:           "mark-young",
	PhaseRemark:              "remark",
	PhaseCollectYoungAndMove: "collect-young-and-move",
	PhaseSweep:               "sweep",
	PhaseCleanup:             "cleanup",
}

func (p Phase) String() string { return enumName(phaseNames[:], int(p)) }

// fatalError is the panic value of throw.
type fatalError struct {
	msg string
}

func (e fatalError) Error() string { return "fatal error: " + e.msg }

// throw reports a broken collector invariant. It does not return.
func throw(msg string) {
	slog.Error("gc: fatal error", "msg", msg)
	panic(fatalError{msg})
}

// OutOfMemoryError is returned by allocations that fail after a full
// collection. There is one per collector, created by Initialize, so
// reporting it never allocates.
type OutOfMemoryError struct {
	// Object is a heap object standing for the error, for runtimes that
	// throw it to managed code.
	Object heap.Addr
}

func (e *OutOfMemoryError) Error() string { return "gc: out of memory" }

// Listener is notified around every collection.
type Listener interface {
	GCStarted(task *Task, heapSize uint64)
	GCFinished(task *Task, heapSizeBeforeGC, heapSize uint64)
}

// collector is one collection algorithm.
type collector interface {
	// checkCause reports whether the algorithm can run tasks with cause c.
	checkCause(c Cause) bool
	// run performs one collection for t and sets t.CollectionType.
	run(t *Task)
	// allocFailureCause is the cause requested when allocation fails.
	allocFailureCause() Cause
	// postWriteBarrier records the store of val into obj's slot at off.
	postWriteBarrier(obj heap.Addr, off uintptr, val heap.Addr)
	// processWorkerTask runs pool tasks other than marking ones.
	processWorkerTask(t *WorkerTask)
	computeNewSize()
	haveEnoughSpaceToMove() bool
	// markStorage is where the algorithm keeps mark bits.
	markStorage() MarkStorage
}

// GC is one collector instance. It owns the phase word, the task queue,
// the worker pool and the roots; nothing is global.
type GC struct {
	settings Settings
	heap     *heap.Heap
	alloc    *heap.Allocator
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *gcMetrics

	_     cpu.CacheLinePad
	phase atomic.Uint32
	_     cpu.CacheLinePad

	active      atomic.Bool
	initialized bool

	vm      VM
	handles HandleTable
	globals HandleTable
	strings *StringTable
	sp      safepoint

	collector collector
	trigger   Trigger
	worker    *gcWorker

	poolMu    sync.Mutex
	pool      WorkerTaskPool
	tm        *taskmanager.Manager
	ownTM     bool
	tmQueue   *taskmanager.Queue // gc worker
	poolQueue *taskmanager.Queue // worker pool

	// runMu serializes collections; in-place mode can have several
	// mutators trying to run queued tasks at once.
	runMu sync.Mutex

	refs              *referenceProcessor
	satb              satbBuffer
	concurrentMarking atomic.Bool
	initBits          atomic.Pointer[func(heap.Addr)]
	visitRefs         refVisitor

	stats    statsRecorder
	cycle    *cycle
	verifier *HeapVerifier

	oom       *OutOfMemoryError
	afterFork atomic.Bool

	listenersMu sync.Mutex
	listeners   []Listener

	nanotime func() int64

	// afterPhase, if set, is called after every phase. For tests.
	afterPhase func(Phase)
}

// Option configures New.
type Option func(*options)

type options struct {
	settings       *Settings
	logger         *slog.Logger
	tm             *taskmanager.Manager
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	nanotime       func() int64
}

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option { return func(o *options) { o.settings = &s } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTaskManager runs the task-manager back-ends on m instead of a
// manager private to the collector.
func WithTaskManager(m *taskmanager.Manager) Option { return func(o *options) { o.tm = m } }

func WithTracerProvider(p trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = p }
}

func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = p }
}

// WithClock replaces the monotonic clock used for task target times and
// pause accounting. Tests use it to control time.
func WithClock(nanotime func() int64) Option { return func(o *options) { o.nanotime = nanotime } }

const instrumentationName = "github.com/ifls/regiongc/gc"

// New returns a collector for h. The collector does not run tasks until
// StartGC.
func New(h *heap.Heap, opts ...Option) (*GC, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	s := DefaultSettings()
	if o.settings != nil {
		s = *o.settings
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	gc := &GC{
		settings:  s,
		heap:      h,
		visitRefs: refVisitorFor(h.Layout()),
		nanotime:  o.nanotime,
	}
	gc.strings = newStringTable(gc.shade)
	if gc.nanotime == nil {
		start := time.Now()
		gc.nanotime = func() int64 { return int64(time.Since(start)) }
	}
	gc.logger = o.logger
	if gc.logger == nil {
		gc.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: traceLevel(s.GCTrace)}))
	}
	gc.logger = gc.logger.With("component", "gc", "gctype", s.Type.String())

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	gc.tracer = tp.Tracer(instrumentationName)
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newGCMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("gc: metrics: %w", err)
	}
	gc.metrics = m

	gc.alloc = heap.NewAllocator(h, s.Type != CollectorSTW, s.YoungRegions)
	gc.alloc.SetGCBitsInitializer(gc.InitGCBits)
	gc.refs = newReferenceProcessor(h)
	gc.verifier = newHeapVerifier(gc)
	gc.trigger = newTrigger(&gc.settings, h.MaxSize())

	switch s.Type {
	case CollectorSTW:
		gc.collector = newSTWCollector(gc)
	case CollectorGen:
		gc.collector = newGenCollector(gc)
	case CollectorG1:
		gc.collector = newG1Collector(gc)
	default:
		return nil, fmt.Errorf("gc: unknown collector type %v", s.Type)
	}

	if s.Thread == ThreadTaskManager || s.WorkerPool == PoolTaskManager {
		gc.tm = o.tm
		if gc.tm == nil {
			gc.tm = taskmanager.New(s.workers(), taskmanager.WithLogger(gc.logger))
			gc.ownTM = true
		}
		if s.Thread == ThreadTaskManager {
			if gc.tmQueue, err = gc.tm.NewQueue("gc", 10, 4); err != nil {
				return nil, fmt.Errorf("gc: %w", err)
			}
		}
		if s.WorkerPool == PoolTaskManager {
			if gc.poolQueue, err = gc.tm.NewQueue("gc-workers", 5, s.PoolQueue); err != nil {
				return nil, fmt.Errorf("gc: %w", err)
			}
		}
	}
	gc.worker = newGCWorker(gc, s.Thread, gc.tmQueue)
	return gc, nil
}

// Initialize binds the collector to the runtime it serves and preallocates
// what must exist before the first allocation can fail. vm may be nil.
func (gc *GC) Initialize(vm VM) error {
	if gc.initialized {
		return fmt.Errorf("gc: already initialized")
	}
	gc.vm = vm
	c, err := gc.heap.Classes().Register(&heap.Class{Name: "OutOfMemoryError", Kind: heap.KindInstance, Size: heap.HeaderSize})
	if err != nil {
		return fmt.Errorf("gc: registering error class: %w", err)
	}
	obj := gc.alloc.AllocateNonMovable(c, 0)
	if obj == 0 {
		return fmt.Errorf("gc: heap too small to preallocate the out of memory error")
	}
	gc.globals.New(obj)
	gc.oom = &OutOfMemoryError{Object: obj}
	gc.initialized = true
	gc.logger.Info("gc initialized", "settings", gc.settings.String(), "heap", gc.heap.MaxSize())
	return nil
}

// StartGC starts running collection tasks.
func (gc *GC) StartGC() {
	if !gc.initialized {
		throw("gc: StartGC before Initialize")
	}
	gc.poolMu.Lock()
	if gc.pool == nil {
		gc.pool = gc.newPool()
	}
	gc.poolMu.Unlock()
	gc.active.Store(true)
	gc.worker.start()
}

// StopGC stops running collection tasks. Queued tasks are dropped and
// their waiters released; a running collection completes first.
func (gc *GC) StopGC() {
	gc.active.Store(false)
	gc.worker.stop()
	gc.runMu.Lock()
	gc.poolMu.Lock()
	if gc.pool != nil {
		gc.pool.Close()
		gc.pool = nil
	}
	gc.poolMu.Unlock()
	gc.runMu.Unlock()
}

// Close stops the collector and releases what it owns. The heap stays
// with the caller.
func (gc *GC) Close() {
	gc.StopGC()
	if gc.ownTM {
		gc.tm.Close()
	}
}

func (gc *GC) newPool() WorkerTaskPool {
	switch gc.settings.WorkerPool {
	case PoolThreads:
		return NewThreadPool(gc.settings.workers(), gc.settings.PoolQueue, gc.handleWorkerTask)
	case PoolTaskManager:
		return NewTaskManagerPool(gc.poolQueue, gc.handleWorkerTask)
	}
	return nil
}

// workerPool returns the pool, nil if sub-tasks run on the collecting
// goroutine.
func (gc *GC) workerPool() WorkerTaskPool {
	gc.poolMu.Lock()
	defer gc.poolMu.Unlock()
	return gc.pool
}

func (gc *GC) handleWorkerTask(t *WorkerTask) {
	switch t.kind {
	case taskMarking, taskArrayRange:
		processMarkingTask(t, t.marker.pool)
	case taskRegionSweep:
		t.sweep.run(t.regions)
	default:
		gc.collector.processWorkerTask(t)
	}
}

func (gc *GC) Settings() Settings         { return gc.settings }
func (gc *GC) Heap() *heap.Heap           { return gc.heap }
func (gc *GC) Allocator() *heap.Allocator { return gc.alloc }
func (gc *GC) Handles() *HandleTable      { return &gc.handles }
func (gc *GC) Globals() *HandleTable      { return &gc.globals }
func (gc *GC) StringTable() *StringTable  { return gc.strings }
func (gc *GC) TriggerPolicy() Trigger     { return gc.trigger }
func (gc *GC) Phase() Phase               { return Phase(gc.phase.Load()) }
func (gc *GC) IsActive() bool             { return gc.active.Load() }
func (gc *GC) Verifier() *HeapVerifier    { return gc.verifier }

// AddListener registers l for collection notifications.
func (gc *GC) AddListener(l Listener) {
	gc.listenersMu.Lock()
	gc.listeners = append(gc.listeners, l)
	gc.listenersMu.Unlock()
}

func (gc *GC) notifyStarted(t *Task, heapSize uint64) {
	gc.trigger.GCStarted(t, heapSize)
	gc.listenersMu.Lock()
	ls := gc.listeners
	gc.listenersMu.Unlock()
	for _, l := range ls {
		l.GCStarted(t, heapSize)
	}
}

func (gc *GC) notifyFinished(t *Task, before, after uint64) {
	gc.trigger.GCFinished(t, before, after)
	gc.listenersMu.Lock()
	ls := gc.listeners
	gc.listenersMu.Unlock()
	for _, l := range ls {
		l.GCFinished(t, before, after)
	}
}

// Trigger queues task. It returns false, and drops the task, if a task
// with the same cause is already queued, the cause is not supported by
// the collector or the collector is not active.
func (gc *GC) Trigger(task *Task) bool {
	if !gc.active.Load() {
		task.finish()
		return false
	}
	if !gc.collector.checkCause(task.Cause) {
		gc.logger.Debug("gc task rejected", "task", task)
		task.finish()
		return false
	}
	return gc.worker.addTask(task)
}

// WaitForGC queues task and waits until it ran. It returns false if the
// task was dropped; when a task with the same cause was queued already it
// waits until that one ran before returning false.
func (gc *GC) WaitForGC(task *Task) bool {
	if !gc.active.Load() || !gc.collector.checkCause(task.Cause) {
		task.finish()
		return false
	}
	j := gc.worker.joinTask(task)
	if j == nil {
		return false
	}
	gc.waitTask(j)
	return j == task
}

// waitTask blocks until t is done. In in-place mode the caller runs the
// queued tasks itself.
func (gc *GC) waitTask(t *Task) {
	if gc.settings.Thread != ThreadInPlace {
		<-t.Done()
		return
	}
	for {
		gc.worker.runPending()
		select {
		case <-t.Done():
			return
		default:
		}
		d, ok := gc.worker.queue.nextDelay()
		if !ok {
			// Running on another mutator, or postponed.
			<-t.Done()
			return
		}
		timer := time.NewTimer(max(d, time.Millisecond))
		select {
		case <-t.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runTask performs one collection. Called by the worker only.
func (gc *GC) runTask(t *Task) {
	gc.runMu.Lock()
	defer gc.runMu.Unlock()
	defer t.finish()
	if !gc.active.Load() {
		return
	}
	if !gc.collector.checkCause(t.Cause) {
		throw("gc: task with unsupported cause " + t.Cause.String())
	}
	if t.Cause == CauseInvalid {
		throw("gc: task with invalid cause")
	}

	before := gc.heap.Footprint()
	c := gc.beginCycle(t, before)
	gc.notifyStarted(t, before)
	if !gc.phase.CompareAndSwap(uint32(PhaseIdle), uint32(PhaseRunning)) {
		throw("gc: collection started in phase " + gc.Phase().String())
	}
	if gc.settings.VerifyPre {
		gc.stopTheWorld()
		gc.verifier.verify("pre")
		gc.startTheWorldUncounted()
	}

	gc.collector.run(t)

	if gc.settings.VerifyPost {
		gc.stopTheWorld()
		gc.verifier.verify("post")
		gc.startTheWorldUncounted()
	}
	if !gc.phase.CompareAndSwap(uint32(PhaseRunning), uint32(PhaseIdle)) {
		throw("gc: collection ended in phase " + gc.Phase().String())
	}
	after := gc.heap.Footprint()
	gc.notifyFinished(t, before, after)
	gc.endCycle(c, after)
	gc.collector.computeNewSize()
}

// enterPhase moves from RUNNING to p.
func (gc *GC) enterPhase(p Phase) {
	if !gc.phase.CompareAndSwap(uint32(PhaseRunning), uint32(p)) {
		throw(fmt.Sprintf("gc: entering phase %v from %v", p, gc.Phase()))
	}
	gc.tracePhase(p)
}

// leavePhase moves from p back to RUNNING.
func (gc *GC) leavePhase(p Phase) {
	if !gc.phase.CompareAndSwap(uint32(p), uint32(PhaseRunning)) {
		throw(fmt.Sprintf("gc: leaving phase %v in %v", p, gc.Phase()))
	}
	if gc.afterPhase != nil {
		gc.afterPhase(p)
	}
}

// InitGCBits prepares the GC bits of a new object. While marking is in
// progress the object is allocated black.
func (gc *GC) InitGCBits(obj heap.Addr) {
	if fn := gc.initBits.Load(); fn != nil {
		(*fn)(obj)
	}
}

func (gc *GC) setInitBits(fn func(heap.Addr)) {
	if fn == nil {
		gc.initBits.Store(nil)
		return
	}
	gc.initBits.Store(&fn)
}

// MarkObjectIfNotMarked marks obj and reports whether this call marked
// it.
func (gc *GC) MarkObjectIfNotMarked(obj heap.Addr) bool {
	return gc.collector.markStorage().MarkIfNotMarked(obj)
}

// IsMarked reports whether obj carries a mark.
func (gc *GC) IsMarked(obj heap.Addr) bool {
	return gc.collector.markStorage().IsMarked(obj)
}

// ComputeNewSize lets the collector resize its young generation. It runs
// after every collection.
func (gc *GC) ComputeNewSize() { gc.collector.computeNewSize() }

// PostponeGCStart delays heap-threshold collections until the matching
// PostponeGCEnd. Calls nest. Running collections are not affected.
func (gc *GC) PostponeGCStart() { gc.worker.postponeStart() }

// PostponeGCEnd ends a PostponeGCStart; the outermost call replays the
// collections requested meanwhile.
func (gc *GC) PostponeGCEnd() { gc.worker.postponeEnd() }

// PreZygoteFork stops the GC worker before the process forks.
func (gc *GC) PreZygoteFork() {
	gc.worker.stop()
}

// PostZygoteFork restarts the GC worker. The first collection after the
// fork is a full one.
func (gc *GC) PostZygoteFork() {
	gc.afterFork.Store(true)
	if gc.active.Load() {
		gc.worker.start()
	}
}

// fullAfterFork reports and consumes the after-fork flag.
func (gc *GC) fullAfterFork() bool {
	return gc.afterFork.CompareAndSwap(true, false)
}

func (gc *GC) isYoung(obj heap.Addr) bool {
	return gc.heap.RegionOf(obj).IsEden()
}

// markingPool returns the pool to use for marking with parallel set, or
// nil.
func (gc *GC) markingPool(parallel bool) WorkerTaskPool {
	if !parallel {
		return nil
	}
	return gc.workerPool()
}
