// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"sync"
	"time"
)

// Safepoint rendezvous.
//
// A running mutator holds a read lock on the safepoint. It lets go only
// at a safepoint poll or while parked, so holding the write lock means
// every mutator is stopped outside the heap. 写锁 = stop the world
//
// sync.RWMutex blocks new readers once a writer waits, so a mutator
// polling in a loop cannot starve a pending pause.
type safepoint struct {
	mu        sync.RWMutex
	stoppedAt int64
}

// stopTheWorld waits for every mutator to reach a safepoint and keeps
// them there until startTheWorld.
func (gc *GC) stopTheWorld() {
	gc.sp.mu.Lock()
	gc.sp.stoppedAt = gc.nanotime()
}

// startTheWorld resumes the mutators and charges the pause to the
// current collection.
func (gc *GC) startTheWorld() {
	d := time.Duration(gc.nanotime() - gc.sp.stoppedAt)
	if c := gc.cycle; c != nil {
		c.addPause(d)
	}
	gc.sp.mu.Unlock()
}

// startTheWorldUncounted resumes the mutators after a diagnostic pause.
func (gc *GC) startTheWorldUncounted() {
	gc.sp.mu.Unlock()
}

func (gc *GC) enterMutator() { gc.sp.mu.RLock() }
func (gc *GC) leaveMutator() { gc.sp.mu.RUnlock() }
