// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ClassKind tells the marker how to find the references of an object.
type ClassKind uint8

const (
	KindInstance    ClassKind = 1 + iota // fixed-size object with reference fields
	KindRefArray                         // array of references
	KindPrimArray                        // array without references
	KindClassObject                      // class mirror with static reference fields
	KindReference                        // weak/soft/phantom reference holder
	KindFiller                           // dead block left by sweeping
)

var kindNames = [...]string{
	KindInstance:    "instance",
	KindRefArray:    "ref-array",
	KindPrimArray:   "prim-array",
	KindClassObject: "class-object",
	KindReference:   "reference",
	KindFiller:      "filler",
}

func (k ClassKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("ClassKind(%d)", k)
}

// Layout selects how reference slots are recognized. It is a property of
// the language a heap serves and is fixed for the heap's lifetime.
type Layout uint8

const (
	// StaticLayout objects list their reference fields in the class.
	StaticLayout Layout = iota
	// DynamicLayout objects hold tagged values in every body word; a word
	// is a reference when it is non-zero with the low tag bit clear.
	DynamicLayout
)

func (l Layout) String() string {
	switch l {
	case StaticLayout:
		return "static"
	case DynamicLayout:
		return "dynamic"
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// RefStrength is the reachability strength of a reference object.
type RefStrength uint8

const (
	WeakRef RefStrength = iota
	SoftRef
	PhantomRef
)

// ReferentOffset is the body offset of the referent slot of a
// KindReference object.
const ReferentOffset = HeaderSize

// FillerClassID is the reserved class id of filler blocks.
const FillerClassID = 1

// Class describes the shape of a family of objects.
type Class struct {
	ID   uint32
	Name string
	Kind ClassKind

	// Size is the instance size including the header. Unused for arrays.
	Size uintptr

	// RefOffsets lists the body offsets of reference fields for
	// StaticLayout instances, class objects and the non-referent fields
	// of references.
	RefOffsets []uintptr

	// ElemSize is the element size of primitive arrays.
	ElemSize uintptr

	// Strength applies to KindReference classes.
	Strength RefStrength
}

// ObjectSize returns the size of an object of class c with the given
// array length (ignored for non-arrays). It returns 0 if the size
// overflows.
func (c *Class) ObjectSize(length uint32) uintptr {
	switch c.Kind {
	case KindRefArray:
		return arraySize(uintptr(length), WordSize)
	case KindPrimArray:
		return arraySize(uintptr(length), c.ElemSize)
	case KindFiller:
		return uintptr(length)
	}
	return c.Size
}

// IsArray reports whether objects of c carry a length.
func (c *Class) IsArray() bool {
	return c.Kind == KindRefArray || c.Kind == KindPrimArray
}

func (c *Class) String() string {
	return fmt.Sprintf("%s(%s)", c.Name, c.Kind)
}

// TagInt encodes a small integer as a DynamicLayout value.
func TagInt(v int64) uint64 { return uint64(v)<<1 | 1 }

// UntagInt decodes a DynamicLayout integer value.
func UntagInt(v uint64) int64 { return int64(v) >> 1 }

// IsTaggedRef reports whether a DynamicLayout word holds a reference.
func IsTaggedRef(v uint64) bool { return v != 0 && v&1 == 0 }

// ClassTable registers classes and maps ids back to them. Lookups are
// lock-free; registration copies the table.
type ClassTable struct {
	mu      sync.Mutex
	classes atomic.Pointer[[]*Class]
}

func newClassTable() *ClassTable {
	t := new(ClassTable)
	// id 0 is invalid.
	tab := []*Class{nil, {ID: FillerClassID, Name: "filler", Kind: KindFiller}}
	t.classes.Store(&tab)
	return t
}

// Register validates c, assigns it an id and returns it.
func (t *ClassTable) Register(c *Class) (*Class, error) {
	switch c.Kind {
	case KindInstance, KindClassObject:
		if c.Size < HeaderSize || c.Size%ObjectAlignment != 0 {
			return nil, fmt.Errorf("heap: class %q: bad instance size %d", c.Name, c.Size)
		}
	case KindReference:
		if c.Size < HeaderSize+WordSize || c.Size%ObjectAlignment != 0 {
			return nil, fmt.Errorf("heap: class %q: reference needs a referent slot", c.Name)
		}
	case KindPrimArray:
		if c.ElemSize == 0 {
			return nil, fmt.Errorf("heap: class %q: zero element size", c.Name)
		}
	case KindRefArray:
	default:
		return nil, fmt.Errorf("heap: class %q: cannot register kind %v", c.Name, c.Kind)
	}
	for _, off := range c.RefOffsets {
		if off < HeaderSize || off%WordSize != 0 || (c.Size != 0 && off+WordSize > c.Size) {
			return nil, fmt.Errorf("heap: class %q: bad reference offset %d", c.Name, off)
		}
		if c.Kind == KindReference && off == ReferentOffset {
			return nil, fmt.Errorf("heap: class %q: referent listed as a strong field", c.Name)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.classes.Load()
	tab := make([]*Class, len(old), len(old)+1)
	copy(tab, old)
	c.ID = uint32(len(tab))
	tab = append(tab, c)
	t.classes.Store(&tab)
	return c, nil
}

// Get returns the class with the given id, nil if there is none.
func (t *ClassTable) Get(id uint32) *Class {
	tab := *t.classes.Load()
	if int(id) >= len(tab) {
		return nil
	}
	return tab[id]
}

// Len returns the number of registered ids, including the reserved ones.
func (t *ClassTable) Len() int {
	return len(*t.classes.Load())
}
