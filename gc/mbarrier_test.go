// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"testing"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

func TestSATBPreBarrier(t *testing.T) {
	for _, layout := range []heap.Layout{heap.StaticLayout, heap.DynamicLayout} {
		e := newTestEnv(t, layout, "gctype=gen")
		m := e.NewMutator()
		obj := e.newNode(t, m, 0)
		a := e.newNode(t, m, 1)
		b := e.newNode(t, m, 2)

		m.WriteRef(obj, leftOff, a)
		if n := e.SATBLen(); n != 0 {
			t.Fatalf("%v: %d objects recorded outside marking", layout, n)
		}
		e.SetConcurrentMarking(true)
		m.WriteRef(obj, rightOff, b) // overwrites nil
		if n := e.SATBLen(); n != 0 {
			t.Fatalf("%v: overwriting nil recorded %d objects", layout, n)
		}
		m.WriteRef(obj, leftOff, b)
		if n := e.SATBLen(); n != 1 {
			t.Fatalf("%v: overwriting a reference recorded %d objects, want 1", layout, n)
		}
		m.WriteInt(obj, rightOff, 5)
		want := 1
		if layout == heap.DynamicLayout {
			// The integer store replaced a reference.
			want = 2
		}
		if n := e.SATBLen(); n != want {
			t.Fatalf("%v: integer store recorded %d objects, want %d", layout, n, want)
		}
		e.SetConcurrentMarking(false)
		m.Close()
	}
}

func TestReadingReferentDuringMarkingShadesIt(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	m := e.NewMutator()
	defer m.Close()
	ref, err := m.Alloc(refClass(t, e, heap.WeakRef))
	if err != nil {
		t.Fatal(err)
	}
	obj := e.newNode(t, m, 1)
	m.WriteRef(ref, heap.ReferentOffset, obj)
	m.WriteRef(obj, leftOff, ref)

	e.SetConcurrentMarking(true)
	defer e.SetConcurrentMarking(false)
	if got := m.ReadRef(ref, heap.ReferentOffset); got != obj {
		t.Fatalf("referent = %#x, want %#x", got, obj)
	}
	if n := e.SATBLen(); n != 1 {
		t.Fatalf("reading a referent recorded %d objects, want 1", n)
	}
	// Ordinary fields are not shaded on read.
	m.ReadRef(obj, leftOff)
	if n := e.SATBLen(); n != 1 {
		t.Fatalf("reading a field recorded %d objects, want 1", n)
	}
}

func TestGenPostBarrierIgnoresYoungSources(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen")
	m := e.NewMutator()
	defer m.Close()
	ho := m.NewHandle(e.newNode(t, m, 0))
	hp := m.NewHandle(e.newNode(t, m, 0))
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	ct := e.h.CardTable()

	y1 := e.newNode(t, m, 1)
	y2 := e.newNode(t, m, 2)
	m.WriteRef(y1, leftOff, y2)
	m.WriteRef(m.Get(ho), leftOff, m.Get(hp))
	if n := ct.CountMarked(); n != 0 {
		t.Fatalf("young->young and old->old stores dirtied %d cards", n)
	}
	m.WriteRef(m.Get(ho), rightOff, y1)
	if n := ct.CountMarked(); n != 1 {
		t.Fatalf("old->young store dirtied %d cards, want 1", n)
	}
}

func TestG1PostBarrierIgnoresEdenSources(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=g1")
	m := e.NewMutator()
	defer m.Close()
	ho := m.NewHandle(e.newNode(t, m, 0))
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	y := e.newNode(t, m, 1)
	m.WriteRef(y, leftOff, m.Get(ho))
	if n := e.PendingDirtyCards(); n != 0 {
		t.Fatalf("eden->old store queued %d cards", n)
	}
	m.WriteRef(m.Get(ho), leftOff, 0)
	if n := e.PendingDirtyCards(); n != 0 {
		t.Fatalf("nil store queued %d cards", n)
	}
}

func TestStringInternedDuringMarkingSurvives(t *testing.T) {
	for _, gctype := range []string{"gen", "g1"} {
		e := newTestEnv(t, heap.StaticLayout, "gctype="+gctype+",verifypost=1")
		m := e.NewMutator()
		holder := m.NewHandle(e.newNode(t, m, 1))
		str := m.NewHandle(e.newNode(t, m, 42))
		e.StringTable().LookupOrAdd("s", m.Get(str))
		// Tenure both, then leave the string reachable only from the table.
		if !m.RequestGC(CauseYoung) {
			t.Fatalf("%s: RequestGC(young) = false", gctype)
		}
		m.Release(str)

		other := e.NewMutator()
		other.Park()
		shaded := -1
		e.SetAfterPhase(func(p Phase) {
			if p != PhaseMark {
				return
			}
			// The holder is scanned; the string has not been reached.
			other.Unpark()
			s, ok := e.StringTable().Lookup("s")
			if !ok {
				t.Errorf("%s: Lookup during marking missed the entry", gctype)
			}
			shaded = e.SATBLen()
			other.WriteRef(other.Get(holder), leftOff, s)
			other.Park()
		})
		if !m.RequestGC(CauseExplicit) {
			t.Fatalf("%s: RequestGC(explicit) = false", gctype)
		}
		e.SetAfterPhase(nil)
		if shaded != 1 {
			t.Errorf("%s: Lookup during marking recorded %d objects, want 1", gctype, shaded)
		}

		s, ok := e.StringTable().Lookup("s")
		if !ok {
			t.Fatalf("%s: interned string dropped by the collection", gctype)
		}
		if got := m.ReadRef(m.Get(holder), leftOff); got != s {
			t.Fatalf("%s: holder refers to %#x, table to %#x", gctype, got, s)
		}
		if v := m.ReadInt(s, valOff); v != 42 {
			t.Errorf("%s: interned string holds %d, want 42", gctype, v)
		}
		if n := e.Verifier().Failures(); n != 0 {
			t.Errorf("%s: %d verification failures", gctype, n)
		}
		other.Close()
		m.Close()
	}
}
