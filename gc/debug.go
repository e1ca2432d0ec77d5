// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// CollectorType selects the collection algorithm.
type CollectorType int

const (
	CollectorSTW CollectorType = iota // non-generational mark-sweep
	CollectorGen                      // young copying + concurrent tenured mark-sweep
	CollectorG1                       // region evacuation
)

var collectorNames = [...]string{CollectorSTW: "stw", CollectorGen: "gen", CollectorG1: "g1"}

func (t CollectorType) String() string { return enumName(collectorNames[:], int(t)) }

// ThreadMode selects where collections run.
type ThreadMode int

const (
	ThreadDedicated   ThreadMode = iota // a goroutine owned by the collector
	ThreadTaskManager                   // a rescheduling job on the shared task manager
	ThreadInPlace                       // the mutator that requested the collection
)

var threadModeNames = [...]string{ThreadDedicated: "dedicated", ThreadTaskManager: "taskmanager", ThreadInPlace: "inplace"}

func (m ThreadMode) String() string { return enumName(threadModeNames[:], int(m)) }

// PoolKind selects the back-end of the worker task pool.
type PoolKind int

const (
	PoolNone        PoolKind = iota // every sub-task runs on the collecting goroutine
	PoolThreads                     // goroutines private to the collector
	PoolTaskManager                 // the shared task manager
)

var poolKindNames = [...]string{PoolNone: "none", PoolThreads: "threads", PoolTaskManager: "taskmanager"}

func (k PoolKind) String() string { return enumName(poolKindNames[:], int(k)) }

// TriggerKind selects the collection trigger.
type TriggerKind int

const (
	TriggerHeap TriggerKind = iota
	TriggerAdaptive
	TriggerOccupancy
	TriggerPauseGoal
	TriggerDebug
	TriggerNever
)

var triggerNames = [...]string{
	TriggerHeap:      "heap",
	TriggerAdaptive:  "adaptive",
	TriggerOccupancy: "occupancy",
	TriggerPauseGoal: "pausegoal",
	TriggerDebug:     "debug",
	TriggerNever:     "never",
}

func (k TriggerKind) String() string { return enumName(triggerNames[:], int(k)) }

func enumName(names []string, i int) string {
	if i >= 0 && i < len(names) && names[i] != "" {
		return names[i]
	}
	return "unknown(" + strconv.Itoa(i) + ")"
}

func parseEnum(names []string, s string) (int, error) {
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value %q (want one of %s)", s, strings.Join(names, "|"))
}

// Settings are the collector tunables.
type Settings struct {
	Type       CollectorType
	Thread     ThreadMode
	WorkerPool PoolKind
	Workers    int // pool size; 0 means GOMAXPROCS-1

	ParallelMark   bool
	ParallelRemark bool
	Concurrent     bool // run tenured marking and sweeping concurrently with mutators

	Trigger          TriggerKind
	Percent          int    // heap growth percent for the heap triggers
	MinExtra         uint64 // bytes
	MaxExtra         uint64 // bytes
	NthAlloc         int    // force one collection after this many allocations; 0 disables
	DebugStart       time.Duration
	OccupancyPercent int

	YoungRegions    int // eden length in regions
	MarkStackLimit  int // items in a marking stack before it is handed to the pool
	LargeArray      int // arrays longer than this are split in parallel remark
	PoolQueue       int // pool backlog before submission fails

	VerifyPre    bool
	VerifyPost   bool
	FailOnVerify bool

	GCTrace int

	G1GarbageRate int // percent of a region that must be garbage to collect it in a mixed pause
	G1MixedMax    int // max old regions per mixed pause
	PauseGoal     time.Duration

	ReleasePages bool
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Type:             CollectorGen,
		Thread:           ThreadDedicated,
		WorkerPool:       PoolThreads,
		ParallelMark:     true,
		ParallelRemark:   true,
		Concurrent:       true,
		Trigger:          TriggerHeap,
		Percent:          50,
		MinExtra:         1 << 20,
		MaxExtra:         8 << 20,
		OccupancyPercent: 80,
		YoungRegions:     16,
		MarkStackLimit:   1024,
		LargeArray:       4096,
		PoolQueue:        256,
		G1GarbageRate:    50,
		G1MixedMax:       8,
		PauseGoal:        10 * time.Millisecond,
	}
}

// workers returns the effective pool size.
func (s *Settings) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return max(runtime.GOMAXPROCS(0)-1, 1)
}

type settingVar struct {
	name string
	set  func(s *Settings, v string) error
}

func intVar(p func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
		*p(s) = n
		return nil
	}
}

func sizeVar(p func(*Settings) *uint64) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*p(s) = n
		return nil
	}
}

// Booleans are 0/1 like GODEBUG, with strconv's spellings accepted too.
func boolVar(p func(*Settings) *bool) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p(s) = b
		return nil
	}
}

func durationVar(p func(*Settings) *time.Duration) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p(s) = d
		return nil
	}
}

func enumVar[T ~int](names []string, p func(*Settings) *T) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		i, err := parseEnum(names, v)
		if err != nil {
			return err
		}
		*p(s) = T(i)
		return nil
	}
}

var settingVars = []settingVar{
	{"gctype", enumVar(collectorNames[:], func(s *Settings) *CollectorType { return &s.Type })},
	{"gcthread", enumVar(threadModeNames[:], func(s *Settings) *ThreadMode { return &s.Thread })},
	{"workerpool", enumVar(poolKindNames[:], func(s *Settings) *PoolKind { return &s.WorkerPool })},
	{"workers", intVar(func(s *Settings) *int { return &s.Workers })},
	{"parallelmark", boolVar(func(s *Settings) *bool { return &s.ParallelMark })},
	{"parallelremark", boolVar(func(s *Settings) *bool { return &s.ParallelRemark })},
	{"concurrent", boolVar(func(s *Settings) *bool { return &s.Concurrent })},
	{"trigger", enumVar(triggerNames[:], func(s *Settings) *TriggerKind { return &s.Trigger })},
	{"percent", intVar(func(s *Settings) *int { return &s.Percent })},
	{"minextra", sizeVar(func(s *Settings) *uint64 { return &s.MinExtra })},
	{"maxextra", sizeVar(func(s *Settings) *uint64 { return &s.MaxExtra })},
	{"nthalloc", intVar(func(s *Settings) *int { return &s.NthAlloc })},
	{"debugstart", durationVar(func(s *Settings) *time.Duration { return &s.DebugStart })},
	{"occupancypercent", intVar(func(s *Settings) *int { return &s.OccupancyPercent })},
	{"youngregions", intVar(func(s *Settings) *int { return &s.YoungRegions })},
	{"marklimit", intVar(func(s *Settings) *int { return &s.MarkStackLimit })},
	{"largearray", intVar(func(s *Settings) *int { return &s.LargeArray })},
	{"poolqueue", intVar(func(s *Settings) *int { return &s.PoolQueue })},
	{"verifypre", boolVar(func(s *Settings) *bool { return &s.VerifyPre })},
	{"verifypost", boolVar(func(s *Settings) *bool { return &s.VerifyPost })},
	{"failonverify", boolVar(func(s *Settings) *bool { return &s.FailOnVerify })},
	{"gctrace", intVar(func(s *Settings) *int { return &s.GCTrace })},
	{"g1garbagerate", intVar(func(s *Settings) *int { return &s.G1GarbageRate })},
	{"g1mixedmax", intVar(func(s *Settings) *int { return &s.G1MixedMax })},
	{"pausegoal", durationVar(func(s *Settings) *time.Duration { return &s.PauseGoal })},
	{"releasepages", boolVar(func(s *Settings) *bool { return &s.ReleasePages })},
}

// ParseSettings applies a comma-separated list of key=value pairs, as in
// GODEBUG, on top of DefaultSettings. Fields without '=' are ignored;
// unknown keys and malformed values are errors.
func ParseSettings(p string) (Settings, error) {
	s := DefaultSettings()
	err := s.Apply(p)
	return s, err
}

// Apply parses p like ParseSettings but on top of s.
func (s *Settings) Apply(p string) error {
	for p != "" {
		var field string
		i := strings.IndexByte(p, ',')
		if i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		i = strings.IndexByte(field, '=')
		if i < 0 {
			continue
		}
		key, value := strings.TrimSpace(field[:i]), strings.TrimSpace(field[i+1:])
		found := false
		for _, v := range settingVars {
			if v.name == key {
				if err := v.set(s, value); err != nil {
					return fmt.Errorf("gc: setting %s: %w", key, err)
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("gc: unknown setting %q", key)
		}
	}
	return s.validate()
}

// SettingsFromEnv parses $GCDEBUG.
func SettingsFromEnv() (Settings, error) {
	return ParseSettings(os.Getenv("GCDEBUG"))
}

func (s *Settings) validate() error {
	if s.Percent == 0 && s.Trigger <= TriggerAdaptive {
		return fmt.Errorf("gc: percent must be positive for the %v trigger", s.Trigger)
	}
	if s.MaxExtra < s.MinExtra {
		return fmt.Errorf("gc: maxextra %d < minextra %d", s.MaxExtra, s.MinExtra)
	}
	if s.OccupancyPercent > 100 || s.G1GarbageRate > 100 {
		return fmt.Errorf("gc: percentages must not exceed 100")
	}
	if s.MarkStackLimit == 0 {
		return fmt.Errorf("gc: marklimit must be positive")
	}
	return nil
}

// String renders s in the form accepted by ParseSettings.
func (s Settings) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gctype=%v,gcthread=%v,workerpool=%v,workers=%d", s.Type, s.Thread, s.WorkerPool, s.Workers)
	fmt.Fprintf(&b, ",parallelmark=%t,parallelremark=%t,concurrent=%t", s.ParallelMark, s.ParallelRemark, s.Concurrent)
	fmt.Fprintf(&b, ",trigger=%v,percent=%d,minextra=%d,maxextra=%d", s.Trigger, s.Percent, s.MinExtra, s.MaxExtra)
	fmt.Fprintf(&b, ",nthalloc=%d,debugstart=%v,occupancypercent=%d", s.NthAlloc, s.DebugStart, s.OccupancyPercent)
	fmt.Fprintf(&b, ",youngregions=%d,marklimit=%d,largearray=%d,poolqueue=%d", s.YoungRegions, s.MarkStackLimit, s.LargeArray, s.PoolQueue)
	fmt.Fprintf(&b, ",verifypre=%t,verifypost=%t,failonverify=%t,gctrace=%d", s.VerifyPre, s.VerifyPost, s.FailOnVerify, s.GCTrace)
	fmt.Fprintf(&b, ",g1garbagerate=%d,g1mixedmax=%d,pausegoal=%v,releasepages=%t", s.G1GarbageRate, s.G1MixedMax, s.PauseGoal, s.ReleasePages)
	return b.String()
}
