// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"testing"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

func TestSTWCollectionDoesNotMove(t *testing.T) {
	for _, settings := range []string{
		"gctype=stw",
		"gctype=stw,workerpool=threads,workers=3,parallelmark=1",
	} {
		e := newTestEnv(t, heap.StaticLayout, settings)
		m := e.NewMutator()
		hd := e.buildList(t, m, 30)
		e.garbage(t, m, 300)
		var addrs []heap.Addr
		for p := m.Get(hd); p != 0; p = m.ReadRef(p, leftOff) {
			addrs = append(addrs, p)
		}
		before := e.h.Footprint()

		if !m.RequestGC(CauseExplicit) {
			t.Fatalf("%s: RequestGC = false", settings)
		}
		st := e.Stats().Last
		if st.Type != CollectionFull || st.Moved != 0 {
			t.Errorf("%s: type %v, moved %d; want full, 0", settings, st.Type, st.Moved)
		}
		i := 0
		for p := m.Get(hd); p != 0; p = m.ReadRef(p, leftOff) {
			if p != addrs[i] {
				t.Fatalf("%s: node %d moved from %#x to %#x", settings, i, addrs[i], p)
			}
			if e.IsMarked(p) {
				t.Fatalf("%s: node %d still marked", settings, i)
			}
			i++
		}
		checkList(t, m, m.Get(hd), 30)
		if after := e.h.Footprint(); before-after < 300*uint64(e.node.Size) {
			t.Errorf("%s: footprint went from %d to %d", settings, before, after)
		}
		if n := e.Verifier().Verify(); n != 0 {
			t.Errorf("%s: %d verification failures", settings, n)
		}
		m.Close()
	}
}

func TestSweepReusesNonMovableBlocks(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=stw")
	m := e.NewMutator()
	defer m.Close()
	keep, err := m.AllocNonMovable(e.node, 0)
	if err != nil {
		t.Fatal(err)
	}
	hd := m.NewHandle(keep)
	for i := 0; i < 100; i++ {
		if _, err := m.AllocNonMovable(e.node, 0); err != nil {
			t.Fatal(err)
		}
	}
	if !m.RequestGC(CauseExplicit) {
		t.Fatal("RequestGC = false")
	}
	if n := e.Allocator().FreeListBytes(); n < 100*e.node.Size {
		t.Fatalf("%d bytes on the free lists, want at least %d", n, 100*e.node.Size)
	}
	free := e.h.FreeRegionCount()
	for i := 0; i < 100; i++ {
		obj, err := m.AllocNonMovable(e.node, 0)
		if err != nil {
			t.Fatal(err)
		}
		if e.h.RegionOf(obj) != e.h.RegionOf(keep) {
			t.Fatalf("allocation %d went to a new region", i)
		}
	}
	if got := e.h.FreeRegionCount(); got != free {
		t.Errorf("allocation took %d new regions with freed blocks available", free-got)
	}
	if m.Get(hd) != keep {
		t.Errorf("non-movable object moved from %#x to %#x", keep, m.Get(hd))
	}
}

// Allocation failure under the mark-sweep collector runs a full
// collection.
func TestSTWAllocationFailure(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=stw")
	m := e.NewMutator()
	defer m.Close()
	hd := e.buildList(t, m, 10)
	e.garbage(t, m, 64*nodesPerRegion)
	st := e.Stats()
	if st.NumGC == 0 {
		t.Fatal("no collection after allocating more than the heap")
	}
	if st.Last.Cause != CauseExplicit || st.Last.Type != CollectionFull {
		t.Errorf("last collection %v/%v, want explicit/full", st.Last.Cause, st.Last.Type)
	}
	checkList(t, m, m.Get(hd), 10)
}

func refClass(t *testing.T, e *testEnv, s heap.RefStrength) *heap.Class {
	t.Helper()
	return e.register(t, &heap.Class{
		Name:     "ref",
		Kind:     heap.KindReference,
		Size:     heap.HeaderSize + heap.WordSize,
		Strength: s,
	})
}

func TestReferences(t *testing.T) {
	for _, tt := range []struct {
		name     string
		gctype   string
		strength heap.RefStrength
		cause    Cause
		cleared  bool
	}{
		{"weak", "stw", heap.WeakRef, CauseExplicit, true},
		{"phantom", "stw", heap.PhantomRef, CauseExplicit, true},
		{"soft", "stw", heap.SoftRef, CauseExplicit, false},
		{"soft on OOM", "stw", heap.SoftRef, CauseOOM, true},
		{"weak full gen", "gen,concurrent=0", heap.WeakRef, CauseExplicit, true},
		{"weak young", "gen", heap.WeakRef, CauseYoung, false},
		{"weak g1 full", "g1,concurrent=0", heap.WeakRef, CauseExplicit, true},
		{"soft g1 OOM", "g1", heap.SoftRef, CauseOOM, true},
	} {
		e := newTestEnv(t, heap.StaticLayout, "gctype="+tt.gctype)
		m := e.NewMutator()
		rc := refClass(t, e, tt.strength)
		ref, err := m.Alloc(rc)
		if err != nil {
			t.Fatal(err)
		}
		hr := m.NewHandle(ref)
		m.WriteRef(ref, heap.ReferentOffset, e.newNode(t, m, 9))
		// A second reference to a strongly held referent.
		ref2, err := m.Alloc(rc)
		if err != nil {
			t.Fatal(err)
		}
		hr2 := m.NewHandle(ref2)
		strong := m.NewHandle(e.newNode(t, m, 10))
		m.WriteRef(ref2, heap.ReferentOffset, m.Get(strong))

		if !m.RequestGC(tt.cause) {
			t.Fatalf("%s: RequestGC(%v) = false", tt.name, tt.cause)
		}
		got := m.ReadRef(m.Get(hr), heap.ReferentOffset)
		if tt.cleared {
			if got != 0 {
				t.Errorf("%s: referent %#x survived, want it cleared", tt.name, got)
			}
		} else if got == 0 || m.ReadInt(got, valOff) != 9 {
			t.Errorf("%s: referent = %#x, want the live object", tt.name, got)
		}
		if got := m.ReadRef(m.Get(hr2), heap.ReferentOffset); got != m.Get(strong) {
			t.Errorf("%s: referent of a strongly held object = %#x, want %#x", tt.name, got, m.Get(strong))
		}
		m.Close()
	}
}
