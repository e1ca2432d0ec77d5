// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package taskmanager is a process-wide background executor shared by
// runtime subsystems. Work is submitted to named queues; a fixed set of
// worker goroutines always serves the non-empty queue with the highest
// priority. Callers waiting on their own work may help by running
// queued tasks themselves.
package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when creating a queue on a closed manager.
var ErrClosed = errors.New("taskmanager: closed")

// Manager owns the worker goroutines and the queues they serve.
type Manager struct {
	mu     sync.Mutex
	cond   sync.Cond
	queues []*Queue // sorted by descending priority
	closed bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New starts a manager with n worker goroutines.
func New(n int, opts ...Option) *Manager {
	m := &Manager{logger: slog.New(discardHandler{})}
	m.cond.L = &m.mu
	for _, o := range opts {
		o(m)
	}
	if n < 1 {
		n = 1
	}
	m.wg.Add(n)
	for i := 0; i < n; i++ {
		go m.worker(i)
	}
	m.logger.Debug("taskmanager started", slog.Int("workers", n))
	return m
}

// Queue is a bounded FIFO of tasks with a priority.
type Queue struct {
	m        *Manager
	name     string
	priority int
	capacity int
	tasks    []func() // guarded by m.mu
}

// NewQueue registers a queue. Higher priorities are served first. A
// capacity <= 0 means unbounded.
func (m *Manager) NewQueue(name string, priority, capacity int) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q := &Queue{m: m, name: name, priority: priority, capacity: capacity}
	i := 0
	for i < len(m.queues) && m.queues[i].priority >= priority {
		i++
	}
	m.queues = append(m.queues, nil)
	copy(m.queues[i+1:], m.queues[i:])
	m.queues[i] = q
	m.logger.Debug("taskmanager queue registered",
		slog.String("queue", name), slog.Int("priority", priority), slog.Int("capacity", capacity))
	return q, nil
}

func (q *Queue) Name() string { return q.name }

// Submit enqueues fn. It returns false if the queue is full or the
// manager is closed; fn is then not run.
func (q *Queue) Submit(fn func()) bool {
	m := q.m
	m.mu.Lock()
	if m.closed || (q.capacity > 0 && len(q.tasks) >= q.capacity) {
		m.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	m.mu.Unlock()
	m.cond.Signal()
	return true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	return len(q.tasks)
}

// RunOne pops one task of q and runs it in the calling goroutine. It
// reports whether there was one.
func (q *Queue) RunOne() bool {
	q.m.mu.Lock()
	fn := q.pop()
	q.m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (q *Queue) pop() func() {
	if len(q.tasks) == 0 {
		return nil
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn
}

func (m *Manager) next() func() {
	for _, q := range m.queues {
		if fn := q.pop(); fn != nil {
			return fn
		}
	}
	return nil
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		fn := m.next()
		for fn == nil && !m.closed {
			m.cond.Wait()
			fn = m.next()
		}
		m.mu.Unlock()
		if fn == nil {
			return
		}
		fn()
	}
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	m.wg.Wait()
	m.logger.Debug("taskmanager stopped")
}

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
