// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Collection tracing.
//
// Every collection is a span named gc.collection; phases are events on
// it. gctrace=1 also logs one line per collection, gctrace=2 one line
// per phase.

package gc

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// traceLevel is the level of the default logger for gctrace=n.
func traceLevel(n int) slog.Level {
	switch {
	case n >= 2:
		return slog.LevelDebug
	case n == 1:
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

func (gc *GC) beginCycle(t *Task, before uint64) *cycle {
	ctx, span := gc.tracer.Start(context.Background(), "gc.collection",
		trace.WithAttributes(
			attribute.Int64("gc.id", int64(t.ID)),
			attribute.String("gc.cause", t.Cause.String()),
			attribute.Int64("gc.heap.before", int64(before)),
		))
	c := &cycle{task: t, start: gc.nanotime(), before: before, ctx: ctx, span: span}
	gc.cycle = c
	return c
}

func (gc *GC) endCycle(c *cycle, after uint64) {
	gc.cycle = nil
	cs := CollectionStats{
		ID:         c.task.ID,
		Cause:      c.task.Cause,
		Type:       c.task.CollectionType,
		Duration:   time.Duration(gc.nanotime() - c.start),
		Pause:      c.pause,
		MaxPause:   c.maxPause,
		HeapBefore: c.before,
		HeapAfter:  after,
		Freed:      uint64(c.freed.Load()),
		Moved:      uint64(c.moved.Load()),
	}
	gc.stats.record(cs)
	gc.metrics.record(c.ctx, cs)

	c.span.SetAttributes(
		attribute.String("gc.type", cs.Type.String()),
		attribute.Int64("gc.heap.after", int64(after)),
		attribute.Int64("gc.pause.ns", int64(cs.Pause)),
	)
	if cs.Type == CollectionNone {
		c.span.SetStatus(codes.Unset, "nothing collected")
	}
	c.span.End()

	if gc.settings.GCTrace >= 1 {
		gc.logger.Info("gc",
			slog.Uint64("id", cs.ID),
			slog.String("cause", cs.Cause.String()),
			slog.String("type", cs.Type.String()),
			slog.Duration("pause", cs.Pause),
			slog.Duration("duration", cs.Duration),
			slog.Uint64("heap_before", cs.HeapBefore),
			slog.Uint64("heap_after", cs.HeapAfter),
			slog.Uint64("freed", cs.Freed),
			slog.Uint64("moved", cs.Moved),
		)
	}
}

func (gc *GC) tracePhase(p Phase) {
	if c := gc.cycle; c != nil {
		c.span.AddEvent(p.String())
	}
	if gc.settings.GCTrace >= 2 {
		gc.logger.Debug("gc phase", "phase", p.String())
	}
}
