// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Mutator status.
//
// A mutator holds a read side of the safepoint lock exactly while it is
// _Mrunning. Any other state means the collector may stop the world
// without waiting for it.
const (
	// _Midle means the mutator was just created and has not yet joined
	// the rendezvous. 还未加入
	_Midle = iota // 0

	// _Mrunning means the mutator may read and write the heap. Raw
	// addresses it holds stay valid until its next safepoint poll.
	_Mrunning // 1

	// _Mparked means the mutator is blocked outside the heap, for
	// example waiting for a collection. 阻塞在collector之外
	// It must not touch heap addresses; objects may move meanwhile.
	_Mparked // 2

	// _Mdead means the mutator was closed.
	_Mdead // 3
)

var mutatorStatusStrings = [...]string{
	_Midle:    "idle",
	_Mrunning: "running",
	_Mparked:  "parked",
	_Mdead:    "dead",
}

func mutatorStatusString(s uint32) string {
	if int(s) >= len(mutatorStatusStrings) {
		return "unknown mutator status"
	}
	return mutatorStatusStrings[s]
}

// A waitReason explains why a mutator is parked.
type waitReason uint8

const (
	waitReasonZero              waitReason = iota // ""
	waitReasonGarbageCollection                   // "garbage collection"
	waitReasonWaitForGCCycle                      // "wait for GC cycle"
	waitReasonAllocFailure                        // "allocation failure"
	waitReasonNative                              // "native code"
)

var waitReasonStrings = [...]string{
	waitReasonZero:              "",
	waitReasonGarbageCollection: "garbage collection",
	waitReasonWaitForGCCycle:    "wait for GC cycle",
	waitReasonAllocFailure:      "allocation failure",
	waitReasonNative:            "native code",
}

func (w waitReason) String() string {
	if int(w) >= len(waitReasonStrings) {
		return "unknown wait reason"
	}
	return waitReasonStrings[w]
}
