// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"math/rand/v2"
	"testing"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

func TestGenYoungCollectionMovesSurvivors(t *testing.T) {
	for _, layout := range []heap.Layout{heap.StaticLayout, heap.DynamicLayout} {
		e := newTestEnv(t, layout, "gctype=gen")
		m := e.NewMutator()
		hd := e.buildList(t, m, 50)
		e.garbage(t, m, 100)

		before := m.Get(hd)
		if !m.RequestGC(CauseYoung) {
			t.Fatalf("%v: RequestGC = false", layout)
		}
		after := m.Get(hd)
		if after == before {
			t.Errorf("%v: head did not move", layout)
		}
		if r := e.h.RegionOf(after); !r.IsOld() {
			t.Errorf("%v: survivor in %v, want an old region", layout, r)
		}
		checkList(t, m, after, 50)
		if n := e.Allocator().YoungRegionCount(); n != 0 {
			t.Errorf("%v: %d eden regions after a young collection", layout, n)
		}
		st := e.Stats().Last
		if want := 50 * uint64(e.node.Size); st.Moved != want {
			t.Errorf("%v: moved %d bytes, want %d", layout, st.Moved, want)
		}
		if want := 100 * uint64(e.node.Size); st.Freed < want {
			t.Errorf("%v: freed %d bytes, want at least %d", layout, st.Freed, want)
		}
		m.Close()
	}
}

// Every old->young store dirties its card, and the next young
// collection finds the young object through it.
func TestGenCardTableCompleteness(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen")
	m := e.NewMutator()
	defer m.Close()
	ct := e.h.CardTable()

	const nold = 20
	olds := make([]Handle, nold)
	for i := range olds {
		olds[i] = m.NewHandle(e.newNode(t, m, int64(i)))
	}
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}

	type slot struct {
		old int
		off uintptr
	}
	rng := rand.New(rand.NewPCG(1, 2))
	want := make(map[slot]int64)
	for round := 0; round < 5; round++ {
		for j := 0; j < 30; j++ {
			v := int64(1000*round + j)
			y := e.newNode(t, m, v)
			s := slot{rng.IntN(nold), leftOff}
			if rng.IntN(2) == 1 {
				s.off = rightOff
			}
			o := m.Get(olds[s.old])
			if !e.h.RegionOf(o).IsOld() {
				t.Fatalf("node %d is not old", s.old)
			}
			m.WriteRef(o, s.off, y)
			if !ct.IsMarked(o + heap.Addr(s.off)) {
				t.Fatalf("round %d: store of a young object into old node %d left its card clean", round, s.old)
			}
			want[s] = v
		}
		if !m.RequestGC(CauseYoung) {
			t.Fatal("RequestGC = false")
		}
		if n := ct.CountMarked(); n != 0 {
			t.Fatalf("round %d: %d dirty cards after the collection", round, n)
		}
		for s, v := range want {
			ref := m.ReadRef(m.Get(olds[s.old]), s.off)
			if ref == 0 || !e.h.RegionOf(ref).IsOld() {
				t.Fatalf("round %d: node %d+%d = %#x, want a promoted object", round, s.old, s.off, ref)
			}
			if got := m.ReadInt(ref, valOff); got != v {
				t.Fatalf("round %d: node %d+%d holds %d, want %d", round, s.old, s.off, got, v)
			}
		}
	}
}

func TestGenTenuredCollection(t *testing.T) {
	for _, tt := range []struct {
		settings string
		want     CollectionType
	}{
		{"gctype=gen,concurrent=1", CollectionTenured},
		{"gctype=gen,concurrent=0", CollectionFull},
		{"gctype=gen,concurrent=1,workerpool=threads,workers=3,parallelmark=1,parallelremark=1", CollectionTenured},
	} {
		e := newTestEnv(t, heap.StaticLayout, tt.settings)
		m := e.NewMutator()
		keep := e.buildList(t, m, 30)
		drop := e.buildList(t, m, 30)
		if !m.RequestGC(CauseYoung) {
			t.Fatalf("%s: RequestGC(young) = false", tt.settings)
		}
		m.Release(drop)
		young := e.buildList(t, m, 10)

		if !m.RequestGC(CauseExplicit) {
			t.Fatalf("%s: RequestGC(explicit) = false", tt.settings)
		}
		st := e.Stats().Last
		if st.Type != tt.want {
			t.Errorf("%s: collection type %v, want %v", tt.settings, st.Type, tt.want)
		}
		if want := 30 * uint64(e.node.Size); st.Freed < want {
			t.Errorf("%s: freed %d bytes, want at least %d", tt.settings, st.Freed, want)
		}
		checkList(t, m, m.Get(keep), 30)
		checkList(t, m, m.Get(young), 10)
		for p := m.Get(keep); p != 0; p = m.ReadRef(p, leftOff) {
			if e.IsMarked(p) {
				t.Fatalf("%s: %#x still marked after the collection", tt.settings, p)
			}
		}
		if n := e.Verifier().Verify(); n != 0 {
			t.Errorf("%s: %d verification failures", tt.settings, n)
		}
		m.Close()
	}
}

func TestGenAllocationFailureRunsYoungCollection(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen,youngregions=2")
	m := e.NewMutator()
	defer m.Close()
	hd := e.buildList(t, m, 10)
	// Two regions of eden hold about 800 nodes.
	e.garbage(t, m, 2000)
	st := e.Stats()
	if st.ByType[CollectionYoung] == 0 {
		t.Fatalf("no young collection after filling eden: %+v", st)
	}
	if st.Last.Cause != CauseYoung {
		t.Errorf("last cause = %v, want young", st.Last.Cause)
	}
	checkList(t, m, m.Get(hd), 10)
}

func TestGenSurvivorsPromotedInPlace(t *testing.T) {
	// Live eden is larger than the free space: copies run out of
	// regions and the remaining eden regions are promoted where they are.
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen,youngregions=40")
	m := e.NewMutator()
	defer m.Close()
	const n = 36 * (testRegionSize / (heap.HeaderSize + 3*heap.WordSize))
	hd := e.buildList(t, m, n)
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	checkList(t, m, m.Get(hd), n)
	if k := e.Allocator().YoungRegionCount(); k != 0 {
		t.Errorf("%d eden regions left", k)
	}
	if n := e.Verifier().Verify(); n != 0 {
		t.Errorf("%d verification failures", n)
	}
}
