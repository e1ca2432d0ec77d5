// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Collector statistics.

package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CollectionStats describes one collection.
type CollectionStats struct {
	ID         uint64
	Cause      Cause
	Type       CollectionType
	Duration   time.Duration // whole collection, concurrent phases included
	Pause      time.Duration // sum of the stop-the-world pauses
	MaxPause   time.Duration
	HeapBefore uint64 // footprint
	HeapAfter  uint64
	Freed      uint64 // bytes swept or left behind by evacuation
	Moved      uint64 // bytes copied
}

// Stats accumulates CollectionStats over the life of a collector.
type Stats struct {
	NumGC      uint64
	ByType     [len(collectionTypeNames)]uint64 // indexed by CollectionType
	PauseTotal time.Duration
	PauseMax   time.Duration
	FreedBytes uint64
	MovedBytes uint64
	Last       CollectionStats
}

type statsRecorder struct {
	mu sync.Mutex
	s  Stats
}

func (r *statsRecorder) record(cs CollectionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.NumGC++
	r.s.ByType[cs.Type]++
	r.s.PauseTotal += cs.Pause
	r.s.PauseMax = max(r.s.PauseMax, cs.MaxPause)
	r.s.FreedBytes += cs.Freed
	r.s.MovedBytes += cs.Moved
	r.s.Last = cs
}

// Stats returns a snapshot of the collector statistics.
func (gc *GC) Stats() Stats {
	gc.stats.mu.Lock()
	defer gc.stats.mu.Unlock()
	return gc.stats.s
}

// cycle is the bookkeeping of the running collection. Pool workers add
// to freed and moved concurrently; everything else belongs to the
// collecting goroutine.
type cycle struct {
	task   *Task
	start  int64
	before uint64

	pause    time.Duration
	maxPause time.Duration
	freed    atomic.Int64
	moved    atomic.Int64

	ctx  context.Context
	span trace.Span
}

func (c *cycle) addPause(d time.Duration) {
	c.pause += d
	c.maxPause = max(c.maxPause, d)
}

func (gc *GC) addFreed(n int64) {
	if c := gc.cycle; c != nil && n > 0 {
		c.freed.Add(n)
	}
}

func (gc *GC) addMoved(n int64) {
	if c := gc.cycle; c != nil && n > 0 {
		c.moved.Add(n)
	}
}

// lastPause returns the pause time of the running collection so far.
func (gc *GC) lastPause() time.Duration {
	if c := gc.cycle; c != nil {
		return c.pause
	}
	return 0
}

type gcMetrics struct {
	collections metric.Int64Counter
	pause       metric.Float64Histogram
	freed       metric.Int64Counter
	moved       metric.Int64Counter
}

func newGCMetrics(m metric.Meter) (*gcMetrics, error) {
	var (
		g   gcMetrics
		err error
	)
	if g.collections, err = m.Int64Counter("gc.collections",
		metric.WithDescription("Completed collections.")); err != nil {
		return nil, err
	}
	if g.pause, err = m.Float64Histogram("gc.pause",
		metric.WithDescription("Stop-the-world time per collection."),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if g.freed, err = m.Int64Counter("gc.freed.bytes",
		metric.WithDescription("Bytes reclaimed."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if g.moved, err = m.Int64Counter("gc.moved.bytes",
		metric.WithDescription("Bytes copied by evacuation and promotion."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &g, nil
}

func (m *gcMetrics) record(ctx context.Context, cs CollectionStats) {
	attrs := metric.WithAttributes(
		attribute.String("gc.cause", cs.Cause.String()),
		attribute.String("gc.type", cs.Type.String()),
	)
	m.collections.Add(ctx, 1, attrs)
	m.pause.Record(ctx, float64(cs.Pause)/float64(time.Millisecond), attrs)
	m.freed.Add(ctx, int64(cs.Freed), attrs)
	m.moved.Add(ctx, int64(cs.Moved), attrs)
}
