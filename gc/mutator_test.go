// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	. "github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

func TestOutOfMemory(t *testing.T) {
	for _, gctype := range []string{"stw", "gen", "g1"} {
		e := newTestEnv(t, heap.StaticLayout, "gctype="+gctype)
		blob := e.register(t, &heap.Class{Name: "blob", Kind: heap.KindInstance, Size: testRegionSize / 4})
		var r recorder
		e.AddListener(&r)
		m := e.NewMutator()
		var err error
		for i := 0; i < 64*4+1; i++ {
			var obj heap.Addr
			if obj, err = m.Alloc(blob); err != nil {
				break
			}
			m.NewHandle(obj)
		}
		var oom *OutOfMemoryError
		if !errors.As(err, &oom) {
			t.Fatalf("%s: filling the heap returned %v, want *OutOfMemoryError", gctype, err)
		}
		if oom.Object == 0 {
			t.Errorf("%s: out of memory error has no heap object", gctype)
		}
		if c := e.h.ClassOf(oom.Object); c == nil || c.Name != "OutOfMemoryError" {
			t.Errorf("%s: error object has class %v", gctype, c)
		}
		oomRan := false
		for _, task := range r.finished {
			oomRan = oomRan || task.Cause == CauseOOM
		}
		if !oomRan {
			t.Errorf("%s: no out of memory collection before failing", gctype)
		}
		m.Close()
		// The memory is reusable once the handles are gone.
		m = e.NewMutator()
		if !m.RequestGC(CauseOOM) {
			t.Fatalf("%s: RequestGC(oom) = false", gctype)
		}
		if _, err := m.Alloc(blob); err != nil {
			t.Errorf("%s: Alloc after releasing everything: %v", gctype, err)
		}
		m.Close()
	}
}

func TestNonMovableObjectsStay(t *testing.T) {
	for _, gctype := range []string{"gen", "g1"} {
		e := newTestEnv(t, heap.StaticLayout, "gctype="+gctype)
		m := e.NewMutator()
		obj, err := m.AllocNonMovable(e.node, 0)
		if err != nil {
			t.Fatal(err)
		}
		m.WriteInt(obj, valOff, 3)
		hd := m.NewHandle(obj)
		y := e.newNode(t, m, 4)
		m.WriteRef(obj, leftOff, y)
		for _, cause := range []Cause{CauseYoung, CauseExplicit, CauseOOM} {
			if !m.RequestGC(cause) {
				t.Fatalf("%s: RequestGC(%v) = false", gctype, cause)
			}
			if got := m.Get(hd); got != obj {
				t.Fatalf("%s: %v collection moved a non-movable object to %#x", gctype, cause, got)
			}
			if v := m.ReadInt(obj, valOff); v != 3 {
				t.Fatalf("%s: non-movable object holds %d after a %v collection", gctype, v, cause)
			}
			y := m.ReadRef(obj, leftOff)
			if y == 0 || m.ReadInt(y, valOff) != 4 {
				t.Fatalf("%s: field of a non-movable object lost after a %v collection", gctype, cause)
			}
		}
		m.Close()
	}
}

func TestAllocErrors(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen")
	m := e.NewMutator()
	if _, err := m.Alloc(nil); err == nil {
		t.Error("Alloc(nil) succeeded")
	}
	big := e.register(t, &heap.Class{Name: "big", Kind: heap.KindInstance, Size: testRegionSize})
	if _, err := m.AllocNonMovable(big, 0); err == nil {
		t.Error("AllocNonMovable of a humongous object succeeded")
	}
	obj, err := m.Alloc(big)
	if err != nil {
		t.Fatalf("humongous Alloc: %v", err)
	}
	if r := e.h.RegionOf(obj); !r.IsHumongous() || obj != r.Begin() {
		t.Errorf("humongous object at %#x in %v", obj, r)
	}
	if n := m.Allocs(); n != 1 {
		t.Errorf("Allocs = %d, want 1", n)
	}
	m.Close()
	if _, err := m.Alloc(e.node); err == nil {
		t.Error("Alloc on a closed mutator succeeded")
	}
	m.Close() // no-op
}

func TestMutatorStatus(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=stw")
	m := e.NewMutator()
	if s := m.Status(); s != "running" {
		t.Errorf("Status = %q, want running", s)
	}
	m.Park()
	if s := m.Status(); !strings.HasPrefix(s, "parked") || !strings.Contains(s, "native") {
		t.Errorf("Status = %q, want parked in native code", s)
	}
	mustThrow(t, "Safepoint on a parked mutator", m.Safepoint)
	mustThrow(t, "Park on a parked mutator", m.Park)
	m.Unpark()
	m.Close()
	if s := m.Status(); s != "dead" {
		t.Errorf("Status = %q, want dead", s)
	}
}

func TestHandles(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen")
	m1 := e.NewMutator()
	m2 := e.NewMutator()
	defer m2.Close()

	n := e.Handles().Len()
	h := m1.NewHandle(e.newNode(t, m1, 1))
	if got := e.Handles().Len(); got != n+1 {
		t.Fatalf("handle table holds %d, want %d", got, n+1)
	}
	mustThrow(t, "releasing another mutator's handle", func() { m2.Release(h) })
	m1.Release(h)
	if got := e.Handles().Len(); got != n {
		t.Fatalf("handle table holds %d after Release, want %d", got, n)
	}
	m1.NewHandle(e.newNode(t, m1, 2))
	m1.Close()
	if got := e.Handles().Len(); got != n {
		t.Fatalf("handle table holds %d after Close, want %d", got, n)
	}
}

func TestDynamicLayoutValues(t *testing.T) {
	e := newTestEnv(t, heap.DynamicLayout, "gctype=gen")
	m := e.NewMutator()
	defer m.Close()
	obj := e.newNode(t, m, -12345)
	hd := m.NewHandle(obj)
	m.WriteInt(obj, leftOff, 77)
	if got := m.ReadRef(obj, leftOff); got != 0 {
		t.Errorf("ReadRef of an integer slot = %#x, want 0", got)
	}
	other := e.newNode(t, m, 8)
	m.WriteRef(obj, rightOff, other)

	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	obj = m.Get(hd)
	if v := m.ReadInt(obj, valOff); v != -12345 {
		t.Errorf("value = %d, want -12345", v)
	}
	if v := m.ReadInt(obj, leftOff); v != 77 {
		t.Errorf("integer in a reference slot = %d, want 77", v)
	}
	if o := m.ReadRef(obj, rightOff); o == 0 || m.ReadInt(o, valOff) != 8 {
		t.Errorf("reference lost after the collection")
	}
}

func TestRefArrays(t *testing.T) {
	e := newTestEnv(t, heap.StaticLayout, "gctype=gen")
	m := e.NewMutator()
	defer m.Close()
	arrc := e.register(t, &heap.Class{Name: "refs", Kind: heap.KindRefArray})
	const n = 64
	arr, err := m.AllocArray(arrc, n)
	if err != nil {
		t.Fatal(err)
	}
	ha := m.NewHandle(arr)
	for i := uint32(0); i < n; i += 2 {
		obj := e.newNode(t, m, int64(i))
		m.WriteElement(m.Get(ha), i, obj)
	}
	if e.h.Length(m.Get(ha)) != n {
		t.Fatalf("array length = %d, want %d", e.h.Length(m.Get(ha)), n)
	}
	if !m.RequestGC(CauseYoung) {
		t.Fatal("RequestGC = false")
	}
	arr = m.Get(ha)
	for i := uint32(0); i < n; i++ {
		el := m.ReadElement(arr, i)
		if i%2 == 1 {
			if el != 0 {
				t.Fatalf("element %d = %#x, want nil", i, el)
			}
			continue
		}
		if el == 0 || m.ReadInt(el, valOff) != int64(i) {
			t.Fatalf("element %d lost", i)
		}
	}
}

func TestConcurrentMutatorsUnderPressure(t *testing.T) {
	const (
		mutators = 8
		nodes    = 100 // per list; a few lists per mutator are live
		rounds   = 50
	)
	for _, gctype := range []string{"stw", "gen", "g1"} {
		e := newTestEnv(t, heap.StaticLayout, "gctype="+gctype+",gcthread=dedicated,verifypre=1,verifypost=1")
		var wg sync.WaitGroup
		errs := make(chan error, mutators)
		for i := 0; i < mutators; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m := e.NewMutator()
				defer m.Close()
				for r := 0; r < rounds; r++ {
					hd := m.NewHandle(0)
					for v := 0; v < nodes; v++ {
						obj, err := m.Alloc(e.node)
						if err != nil {
							errs <- err
							return
						}
						m.WriteInt(obj, valOff, int64(v))
						m.WriteRef(obj, leftOff, m.Get(hd))
						m.Set(hd, obj)
					}
					if vals := listValues(m, m.Get(hd)); len(vals) != nodes || vals[0] != nodes-1 {
						t.Errorf("%s: round %d: list of %d nodes, want %d", gctype, r, len(vals), nodes)
					}
					m.Release(hd)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			var oom *OutOfMemoryError
			if errors.As(err, &oom) {
				t.Errorf("%s: out of memory with %d of %d regions free", gctype, e.h.FreeRegionCount(), e.h.RegionCount())
				continue
			}
			t.Errorf("%s: Alloc: %v", gctype, err)
		}
		if e.Stats().NumGC == 0 {
			t.Errorf("%s: no collection ran", gctype)
		}
		if n := e.Verifier().Failures(); n != 0 {
			t.Errorf("%s: %d verification failures", gctype, n)
		}
	}
}
