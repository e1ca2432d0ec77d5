// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gcstress runs a synthetic allocation workload against one of the
// collectors and prints collection statistics.
//
// Usage:
//
//	gcstress [flags]
//
// Each mutator goroutine keeps a ring of -live object graphs reachable
// from handles and replaces one of them on every iteration, so the heap
// holds a steady amount of live data while garbage keeps coming. Graphs
// are linked lists, binary trees or reference arrays (-shape). When the
// run is over every mutator walks its ring and checks the values it
// stored; a mismatch means a collector lost or corrupted an object.
//
// Collector settings come from the GCDEBUG environment variable, then
// from -gcdebug, then from -gctype.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ifls/regiongc/gc"
	"github.com/ifls/regiongc/heap"
)

var (
	gctype     = flag.String("gctype", "", "collector: stw, gen or g1 (overrides GCDEBUG)")
	gcdebug    = flag.String("gcdebug", "", "collector settings, as in GCDEBUG")
	mutators   = flag.Int("mutators", 4, "number of mutator goroutines")
	iterations = flag.Int("iterations", 10000, "graphs allocated by each mutator")
	duration   = flag.Duration("duration", 0, "stop after this long even if iterations remain")
	live       = flag.Int("live", 64, "graphs kept alive by each mutator")
	shape      = flag.String("shape", "list", "graph shape: list, tree or array")
	size       = flag.Int("size", 32, "objects per graph")
	explicit   = flag.Int("explicit", 0, "request an explicit collection every n iterations (0 = never)")
	heapMiB    = flag.Int("heap", 64, "heap size in MiB")
	regionKiB  = flag.Int("region", 256, "region size in KiB")
	dynamic    = flag.Bool("dynamic", false, "use the tagged dynamic object layout")
	verbose    = flag.Bool("v", false, "log collector events")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gcstress [flags]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gcstress: %v\n", err)
		os.Exit(1)
	}
}

func settings() (gc.Settings, error) {
	s, err := gc.SettingsFromEnv()
	if err != nil {
		return s, err
	}
	if *gcdebug != "" {
		if err := s.Apply(*gcdebug); err != nil {
			return s, err
		}
	}
	if *gctype != "" {
		if err := s.Apply("gctype=" + *gctype); err != nil {
			return s, err
		}
	}
	return s, nil
}

func run(logger *slog.Logger, out io.Writer) error {
	s, err := settings()
	if err != nil {
		return err
	}
	build, ok := shapes[*shape]
	if !ok {
		return fmt.Errorf("unknown shape %q", *shape)
	}
	if *mutators < 1 || *live < 1 || *size < 1 {
		return fmt.Errorf("-mutators, -live and -size must be positive")
	}

	layout := heap.StaticLayout
	if *dynamic {
		layout = heap.DynamicLayout
	}
	h, err := heap.New(heap.Config{
		RegionSize:   uintptr(*regionKiB) << 10,
		MaxHeapSize:  uintptr(*heapMiB) << 20,
		CardSize:     512,
		Layout:       layout,
		ReleasePages: s.ReleasePages,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	g, err := gc.New(h, gc.WithSettings(s), gc.WithLogger(logger))
	if err != nil {
		return err
	}
	defer g.Close()
	if err := g.Initialize(nil); err != nil {
		return err
	}
	cls, err := registerClasses(h)
	if err != nil {
		return err
	}
	g.StartGC()
	logger.Info("starting", "settings", s.String())

	var deadline atomic.Bool
	if *duration > 0 {
		t := time.AfterFunc(*duration, func() { deadline.Store(true) })
		defer t.Stop()
	}

	start := time.Now()
	results := make([]result, *mutators)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &worker{
				g:     g,
				m:     g.NewMutator(),
				cls:   cls,
				build: build,
				rng:   rand.New(rand.NewPCG(uint64(i), 0x9e3779b97f4a7c15)),
				stop:  &deadline,
			}
			defer w.m.Close()
			results[i] = w.run()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	var total result
	for _, r := range results {
		total.graphs += r.graphs
		total.objects += r.objects
		total.bad += r.bad
		if r.err != nil && total.err == nil {
			total.err = r.err
		}
	}
	report(out, g.Stats(), total, elapsed)
	if total.err != nil {
		return total.err
	}
	if total.bad > 0 {
		return fmt.Errorf("%d graphs failed verification", total.bad)
	}
	return nil
}

// Node fields.
const (
	nextOff  = heap.HeaderSize
	rightOff = heap.HeaderSize + heap.WordSize
	valOff   = heap.HeaderSize + 2*heap.WordSize
)

type classes struct {
	node *heap.Class
	refs *heap.Class
}

func registerClasses(h *heap.Heap) (*classes, error) {
	node, err := h.Classes().Register(&heap.Class{
		Name:       "stress.Node",
		Kind:       heap.KindInstance,
		Size:       heap.HeaderSize + 3*heap.WordSize,
		RefOffsets: []uintptr{nextOff, rightOff},
	})
	if err != nil {
		return nil, err
	}
	refs, err := h.Classes().Register(&heap.Class{Name: "stress.Refs", Kind: heap.KindRefArray})
	if err != nil {
		return nil, err
	}
	return &classes{node: node, refs: refs}, nil
}

type result struct {
	graphs  int
	objects uint64
	bad     int
	err     error
}

type worker struct {
	g     *gc.GC
	m     *gc.Mutator
	cls   *classes
	build shapeFunc
	rng   *rand.Rand
	stop  *atomic.Bool

	ring []gc.Handle
	want []int64 // checksum of the graph in each ring slot
}

func (w *worker) run() result {
	var r result
	w.ring = make([]gc.Handle, *live)
	w.want = make([]int64, *live)
	for i := range w.ring {
		w.ring[i] = w.m.NewHandle(0)
	}
	for it := 0; it < *iterations && !w.stop.Load(); it++ {
		slot := w.rng.IntN(len(w.ring))
		seed := w.rng.Int64N(1 << 40)
		root, err := w.build(w, seed, *size)
		if err != nil {
			r.err = err
			break
		}
		w.m.Set(w.ring[slot], root)
		w.want[slot] = checksum(seed, *size)
		r.graphs++
		if *explicit > 0 && it%*explicit == *explicit-1 {
			w.m.RequestGC(gc.CauseExplicit)
		}
	}
	for i, hd := range w.ring {
		root := w.m.Get(hd)
		if root == 0 {
			continue
		}
		if got := w.sum(root); got != w.want[i] {
			r.bad++
		}
	}
	r.objects = w.m.Allocs()
	return r
}

// checksum is the sum of the values stored in a graph of n objects built
// from seed.
func checksum(seed int64, n int) int64 {
	var s int64
	for i := 0; i < n; i++ {
		s += seed + int64(i)
	}
	return s
}

// sum adds up the values of the graph at root, following every
// reference.
func (w *worker) sum(root heap.Addr) int64 {
	h := w.g.Heap()
	var s int64
	stack := []heap.Addr{root}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := h.ClassOf(obj)
		if c == w.cls.refs {
			for i := uint32(0); i < h.Length(obj); i++ {
				if el := w.m.ReadElement(obj, i); el != 0 {
					stack = append(stack, el)
				}
			}
			continue
		}
		s += w.m.ReadInt(obj, valOff)
		for _, off := range c.RefOffsets {
			if ref := w.m.ReadRef(obj, off); ref != 0 {
				stack = append(stack, ref)
			}
		}
	}
	return s
}

type shapeFunc func(w *worker, seed int64, n int) (heap.Addr, error)

var shapes = map[string]shapeFunc{
	"list":  buildList,
	"tree":  buildTree,
	"array": buildArray,
}

// Every allocation may move objects, so graphs under construction are
// held in a handle.

func buildList(w *worker, seed int64, n int) (heap.Addr, error) {
	m := w.m
	hd := m.NewHandle(0)
	defer m.Release(hd)
	for i := 0; i < n; i++ {
		obj, err := m.Alloc(w.cls.node)
		if err != nil {
			return 0, err
		}
		m.WriteInt(obj, valOff, seed+int64(i))
		m.WriteRef(obj, nextOff, m.Get(hd))
		m.Set(hd, obj)
	}
	return m.Get(hd), nil
}

// buildTree builds a complete binary tree in breadth-first order.
func buildTree(w *worker, seed int64, n int) (heap.Addr, error) {
	m := w.m
	nodes := make([]gc.Handle, 0, n)
	defer func() {
		for _, hd := range nodes {
			m.Release(hd)
		}
	}()
	for i := 0; i < n; i++ {
		obj, err := m.Alloc(w.cls.node)
		if err != nil {
			return 0, err
		}
		m.WriteInt(obj, valOff, seed+int64(i))
		nodes = append(nodes, m.NewHandle(obj))
		if i > 0 {
			parent := m.Get(nodes[(i-1)/2])
			off := uintptr(nextOff)
			if i%2 == 0 {
				off = rightOff
			}
			m.WriteRef(parent, off, obj)
		}
	}
	return m.Get(nodes[0]), nil
}

func buildArray(w *worker, seed int64, n int) (heap.Addr, error) {
	m := w.m
	arr, err := m.AllocArray(w.cls.refs, uint32(n))
	if err != nil {
		return 0, err
	}
	hd := m.NewHandle(arr)
	defer m.Release(hd)
	for i := 0; i < n; i++ {
		obj, err := m.Alloc(w.cls.node)
		if err != nil {
			return 0, err
		}
		m.WriteInt(obj, valOff, seed+int64(i))
		m.WriteElement(m.Get(hd), uint32(i), obj)
	}
	return m.Get(hd), nil
}

func report(out io.Writer, st gc.Stats, total result, elapsed time.Duration) {
	type row struct {
		name string
		v    any
	}
	rows := []row{
		{"elapsed", elapsed.Round(time.Millisecond)},
		{"graphs", total.graphs},
		{"objects", total.objects},
		{"collections", st.NumGC},
		{"pause.total", st.PauseTotal},
		{"pause.max", st.PauseMax},
		{"freed.bytes", st.FreedBytes},
		{"moved.bytes", st.MovedBytes},
	}
	for typ, n := range st.ByType {
		if n > 0 {
			rows = append(rows, row{"collections." + gc.CollectionType(typ).String(), n})
		}
	}
	if total.bad > 0 {
		rows = append(rows, row{"corrupt.graphs", total.bad})
	}

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		// Counts are grouped the way the user's locale writes them.
		p := message.NewPrinter(userLanguage())
		tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
		for _, r := range rows {
			p.Fprintf(tw, "%s\t%v\t\n", r.name, r.v)
		}
		tw.Flush()
		return
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%s=%v\n", r.name, r.v)
	}
}

// userLanguage returns the language of the user's locale, English if it
// is unset or unknown.
func userLanguage() language.Tag {
	for _, env := range []string{"LC_ALL", "LC_NUMERIC", "LANG"} {
		v := os.Getenv(env)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		v, _, _ = strings.Cut(v, ".")
		if tag, err := language.Parse(strings.ReplaceAll(v, "_", "-")); err == nil {
			return tag
		}
	}
	return language.English
}
