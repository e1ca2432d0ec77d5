// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"testing"
	"time"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

const nodesPerRegion = testRegionSize / (heap.HeaderSize + 3*heap.WordSize)

func TestG1YoungPauseAcrossEdenRegions(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	m := e.NewMutator()
	defer m.Close()

	a := e.newNode(t, m, 1)
	ha := m.NewHandle(a)
	e.garbage(t, m, nodesPerRegion)
	b := e.newNode(t, m, 7)
	if e.h.RegionOf(a) == e.h.RegionOf(b) {
		t.Fatal("A and B share an eden region")
	}
	m.WriteRef(a, leftOff, b)
	b = 0

	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	a = m.Get(ha)
	if !e.h.RegionOf(a).IsOld() {
		t.Fatalf("A in %v after the pause, want an old region", e.h.RegionOf(a))
	}
	b = m.ReadRef(a, leftOff)
	if b == 0 || !e.h.RegionOf(b).IsOld() {
		t.Fatalf("A.left = %#x, want the evacuated B", b)
	}
	if v := m.ReadInt(b, valOff); v != 7 {
		t.Errorf("B holds %d, want 7", v)
	}
	if n := e.h.CardTable().CountMarked(); n != 0 {
		t.Errorf("%d dirty cards after the pause", n)
	}
	if e.Stats().Last.Type != CollectionYoung {
		t.Errorf("pause type %v, want young", e.Stats().Last.Type)
	}
}

// A young object reachable only from an old one survives through the
// card the post-barrier queued.
func TestG1OldToYoungThroughDirtyCard(t *testing.T) {
	for _, refine := range []bool{false, true} {
		e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
		m := e.NewMutator()
		ha := m.NewHandle(e.newNode(t, m, 1))
		if !m.RequestGC(CauseYoung) {
			t.Fatal("RequestGC = false")
		}
		a := m.Get(ha)
		b := e.newNode(t, m, 42)
		m.WriteRef(a, rightOff, b)
		if !e.h.CardTable().IsMarked(a + rightOff) {
			t.Fatal("old->eden store left the card clean")
		}
		if n := e.PendingDirtyCards(); n != 1 {
			t.Fatalf("%d queued cards, want 1", n)
		}
		// A second store on the same card is not queued again.
		m.WriteRef(a, leftOff, b)
		if n := e.PendingDirtyCards(); n != 1 {
			t.Fatalf("%d queued cards after a second store, want 1", n)
		}
		if refine {
			if n := e.RefineDirtyCards(); n != 1 {
				t.Fatalf("RefineDirtyCards = %d, want 1", n)
			}
			card := e.h.CardTable().Index(a + rightOff)
			if !e.h.RegionOf(b).RemSet().Contains(card) {
				t.Fatal("card of A missing from the remembered set of B's region")
			}
			if e.h.CardTable().IsMarked(a + rightOff) {
				t.Fatal("refined card still dirty")
			}
		}

		if !m.RequestGC(CauseYoung) {
			t.Fatal("RequestGC = false")
		}
		a = m.Get(ha)
		b = m.ReadRef(a, rightOff)
		if b == 0 || !e.h.RegionOf(b).IsOld() {
			t.Fatalf("refine=%v: A.right = %#x, want the evacuated object", refine, b)
		}
		if got := m.ReadRef(a, leftOff); got != b {
			t.Errorf("refine=%v: A.left = %#x, want %#x", refine, got, b)
		}
		if v := m.ReadInt(b, valOff); v != 42 {
			t.Errorf("refine=%v: object holds %d, want 42", refine, v)
		}
		if n := e.PendingDirtyCards(); n != 0 {
			t.Errorf("refine=%v: %d cards still queued", refine, n)
		}
		m.Close()
	}
}

func TestG1StoreWithinRegionNotQueued(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	m := e.NewMutator()
	defer m.Close()
	hd := e.buildList(t, m, 2)
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	a := m.Get(hd)
	b := m.ReadRef(a, leftOff)
	if e.h.RegionOf(a) != e.h.RegionOf(b) {
		t.Skip("survivors copied into different regions")
	}
	m.WriteRef(b, rightOff, a)
	if n := e.PendingDirtyCards(); n != 0 {
		t.Errorf("%d cards queued for a store within one region", n)
	}
}

func TestRemsetOwner(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	h := e.h
	r1 := h.AllocRegion(heap.RegionOld)
	r2 := h.AllocRegion(heap.RegionEden)

	arr := e.register(t, &heap.Class{Name: "refs", Kind: heap.KindRefArray})
	big := heap.NewAllocator(h, false, 0).Allocate(arr, uint32(testRegionSize/heap.WordSize))
	if big == 0 {
		t.Fatal("humongous allocation failed")
	}
	head := h.RegionOf(big)
	if head.HumongousRegionCount() < 2 {
		t.Fatalf("humongous object spans %d regions, want at least 2", head.HumongousRegionCount())
	}
	cont := h.Regions()[head.Index()+1]

	// Freed last, so nothing above reuses it.
	free := h.AllocRegion(heap.RegionOld)
	h.FreeRegion(free)
	if !free.IsFree() {
		t.Fatalf("%v not free after FreeRegion", free)
	}

	for _, tt := range []struct {
		name     string
		from, to *heap.Region
		want     *heap.Region
	}{
		{"old to eden", r1, r2, r2},
		{"eden to old", r2, r1, r1},
		{"same region", r1, r1, nil},
		{"outside the heap", r1, nil, nil},
		{"free region", r1, free, nil},
		{"humongous head", r1, head, head},
		{"humongous continuation", r1, cont, head},
	} {
		if got := RemsetOwner(tt.from, tt.to); got != tt.want {
			t.Errorf("%s: remsetOwner = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestG1MarkingThenMixedPause(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1,concurrent=1,youngregions=8")
	m := e.NewMutator()
	defer m.Close()
	const n, keep = 800, 100
	hd := e.buildList(t, m, n)
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC(young) = false")
	}
	p := m.Get(hd)
	for i := 1; i < keep; i++ {
		p = m.ReadRef(p, leftOff)
	}
	m.WriteRef(p, leftOff, 0)

	if !m.RequestGC(CauseExplicit) {
		t.Fatal("RequestGC(explicit) = false")
	}
	if typ := e.Stats().Last.Type; typ != CollectionTenured {
		t.Fatalf("marking cycle ran as %v, want tenured", typ)
	}
	if e.ConcurrentMarking() {
		t.Fatal("concurrent marking still on after the cycle")
	}
	if k := e.MixedCandidates(); k < 1 {
		t.Fatalf("%d mixed candidates, want at least 1", k)
	}
	checkTail(t, m, m.Get(hd), n, keep)

	if !m.RequestGC(CauseMixed) {
		t.Fatal("RequestGC(mixed) = false")
	}
	if typ := e.Stats().Last.Type; typ != CollectionMixed {
		t.Fatalf("pause ran as %v, want mixed", typ)
	}
	if k := e.MixedCandidates(); k != 0 {
		t.Errorf("%d mixed candidates left", k)
	}
	checkTail(t, m, m.Get(hd), n, keep)
	if k := e.Verifier().Verify(); k != 0 {
		t.Errorf("%d verification failures", k)
	}
}

// checkTail checks the list built by buildList(n) and cut after keep
// nodes.
func checkTail(t *testing.T, m *Mutator, head heap.Addr, n, keep int) {
	t.Helper()
	vals := listValues(m, head)
	if len(vals) != keep {
		t.Fatalf("list has %d nodes, want %d", len(vals), keep)
	}
	for i, v := range vals {
		if want := int64(n - 1 - i); v != want {
			t.Fatalf("node %d holds %d, want %d", i, v, want)
		}
	}
}

func TestG1FullCompaction(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1,concurrent=0,youngregions=8")
	m := e.NewMutator()
	defer m.Close()
	const n, keep = 2000, 50
	hd := e.buildList(t, m, n)
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC(young) = false")
	}
	p := m.Get(hd)
	for i := 1; i < keep; i++ {
		p = m.ReadRef(p, leftOff)
	}
	m.WriteRef(p, leftOff, 0)
	young := e.buildList(t, m, 10)
	free := e.h.FreeRegionCount()

	if !m.RequestGC(CauseExplicit) {
		t.Fatal("RequestGC(explicit) = false")
	}
	if typ := e.Stats().Last.Type; typ != CollectionFull {
		t.Fatalf("collection ran as %v, want full", typ)
	}
	if got := e.h.FreeRegionCount(); got <= free {
		t.Errorf("%d free regions after compaction, want more than %d", got, free)
	}
	if k := e.Allocator().YoungRegionCount(); k != 0 {
		t.Errorf("%d eden regions after a full collection", k)
	}
	checkTail(t, m, m.Get(hd), n, keep)
	checkList(t, m, m.Get(young), 10)
	if k := e.Verifier().Verify(); k != 0 {
		t.Errorf("%d verification failures", k)
	}

	// Remembered sets were rebuilt: a young pause still finds everything.
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC(young) = false")
	}
	checkTail(t, m, m.Get(hd), n, keep)
	checkList(t, m, m.Get(young), 10)
}

func TestG1ParallelEvacuationCopiesOnce(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1,workerpool=threads,workers=4,parallelmark=1")
	m := e.NewMutator()
	defer m.Close()
	const n = 500
	hd := e.buildList(t, m, n)
	// Many roots to the same objects, spread over several root chunks.
	var dups []Handle
	for p := m.Get(hd); p != 0; p = m.ReadRef(p, leftOff) {
		dups = append(dups, m.NewHandle(p), m.NewHandle(p))
	}
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	i := 0
	for p := m.Get(hd); p != 0; p = m.ReadRef(p, leftOff) {
		if a, b := m.Get(dups[2*i]), m.Get(dups[2*i+1]); a != p || b != p {
			t.Fatalf("node %d at %#x, handles hold %#x and %#x", i, p, a, b)
		}
		i++
	}
	checkList(t, m, m.Get(hd), n)
	if got, want := e.Stats().Last.Moved, n*uint64(e.node.Size); got != want {
		t.Errorf("moved %d bytes, want %d", got, want)
	}
}

func TestG1EdenFollowsPauseGoal(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1,pausegoal=10ms,youngregions=8")
	m := e.NewMutator()
	defer m.Close()
	a := e.Allocator()
	a.SetMaxYoungRegions(2)

	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	if got := a.MaxYoungRegions(); got != 3 {
		t.Fatalf("eden limit after a short pause = %d, want 3", got)
	}

	e.step.Store(int64(time.Second))
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	e.step.Store(0)
	if p := e.Stats().Last.Pause; p <= 10*time.Millisecond {
		t.Fatalf("pause = %v, want it above the goal", p)
	}
	if got := a.MaxYoungRegions(); got != 2 {
		t.Fatalf("eden limit after a long pause = %d, want 2", got)
	}
}

func TestG1StringTableFollowsMoves(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	m := e.NewMutator()
	defer m.Close()
	live := e.newNode(t, m, 5)
	hd := m.NewHandle(live)
	st := e.StringTable()
	if got := st.LookupOrAdd("live", live); got != live {
		t.Fatalf("LookupOrAdd = %#x, want %#x", got, live)
	}
	st.LookupOrAdd("dead", e.newNode(t, m, 6))
	if got := st.LookupOrAdd("live", e.newNode(t, m, 7)); got != live {
		t.Fatalf("second LookupOrAdd = %#x, want the interned %#x", got, live)
	}

	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	got, ok := st.Lookup("live")
	if !ok || got != m.Get(hd) {
		t.Errorf("Lookup(live) = %#x, %v; want %#x", got, ok, m.Get(hd))
	}
	if _, ok := st.Lookup("dead"); ok {
		t.Error("entry of a dead object survived the pause")
	}
	if n := st.Len(); n != 1 {
		t.Errorf("string table holds %d entries, want 1", n)
	}
}
