// Package region implements the per-address-space region map: an ordered,
// doubly linked list of typed, page-aligned, non-overlapping virtual
// address ranges. It knows nothing about page tables or physical frames --
// that coupling lives in the vm package, which bundles a Map with a
// pagetable.Table.
//
// Grounded on the original source's Regions/region (kern/vm/addrspace.c):
// a plain doubly linked list with head/tail pointers, insert-at-tail plus
// re-sort, and pairwise-overlap checking. The clone here is a flat
// iterative two-pass copy rather than the original's recursive
// region_copy, per spec's note that recursion over a long region list
// risks stack growth.
package region

import (
	"fmt"

	"vmkern/internal/vmconf"
	"vmkern/internal/vmerr"
)

// Type classifies a region's role.
type Type int

const (
	Unnamed Type = iota
	Heap
	Stack
	File
)

func (t Type) String() string {
	switch t {
	case Unnamed:
		return "unnamed"
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

// Region is one contiguous, page-aligned, permission-homogeneous slice of a
// virtual address space.
type Region struct {
	VBase, VTop uintptr
	NPages      int

	Readable, Writable, Executable bool
	Type                            Type

	// Valid only when Type == File.
	FileID     int
	FileOffset int64

	prev, next *Region
}

// Contains reports whether vaddr falls within [VBase, VTop).
func (r *Region) Contains(vaddr uintptr) bool {
	return vaddr >= r.VBase && vaddr < r.VTop
}

func (r *Region) recompute() {
	r.NPages = int((r.VTop - r.VBase) / vmconf.PageSize)
}

// Map is the doubly linked, vbase-ordered region list for one address
// space.
type Map struct {
	head, tail *Region
}

// Regions returns every region in ascending vbase order. The slice is a
// snapshot; mutating the Map afterward does not affect it.
func (m *Map) Regions() []*Region {
	var out []*Region
	for r := m.head; r != nil; r = r.next {
		out = append(out, r)
	}
	return out
}

// overlaps reports whether [vbase, vtop) intersects any existing region.
func (m *Map) overlaps(vbase, vtop uintptr) bool {
	for r := m.head; r != nil; r = r.next {
		if vbase < r.VTop && r.VBase < vtop {
			return true
		}
	}
	return false
}

// insertSorted links r into the list in ascending-vbase position. Callers
// must have already checked for overlap.
func (m *Map) insertSorted(r *Region) {
	if m.head == nil {
		m.head, m.tail = r, r
		return
	}
	var after *Region
	for cur := m.head; cur != nil; cur = cur.next {
		if cur.VBase > r.VBase {
			break
		}
		after = cur
	}
	if after == nil {
		r.next = m.head
		m.head.prev = r
		m.head = r
		return
	}
	r.prev = after
	r.next = after.next
	if after.next != nil {
		after.next.prev = r
	} else {
		m.tail = r
	}
	after.next = r
}

// DefineRegion page-aligns [vbase, vbase+size) (down, up respectively),
// rejects it if it overlaps an existing region, and inserts a new Unnamed
// region with the given permissions.
func (m *Map) DefineRegion(vbase uintptr, size int, readable, writable, executable bool) (*Region, error) {
	if size <= 0 {
		return nil, vmerr.New(vmerr.InvalidArg)
	}
	lo := vmconf.PageAlignDown(vbase)
	hi := vmconf.PageAlignUp(vbase + uintptr(size))
	if lo < vmconf.UserMin {
		return nil, vmerr.New(vmerr.InvalidArg)
	}
	if m.overlaps(lo, hi) {
		return nil, vmerr.New(vmerr.InvalidArg)
	}
	r := &Region{
		VBase: lo, VTop: hi,
		Readable: readable, Writable: writable, Executable: executable,
		Type: Unnamed,
	}
	r.recompute()
	m.insertSorted(r)
	return r, nil
}

// InsertRegion inserts an already-built region (used for HEAP/STACK/FILE
// regions whose Type and file fields are set by the caller), rejecting
// overlap.
func (m *Map) InsertRegion(r *Region) error {
	if m.overlaps(r.VBase, r.VTop) {
		return vmerr.New(vmerr.InvalidArg)
	}
	m.insertSorted(r)
	return nil
}

// FindRegion returns the region containing vaddr, if any.
func (m *Map) FindRegion(vaddr uintptr) (*Region, bool) {
	for r := m.head; r != nil; r = r.next {
		if r.Contains(vaddr) {
			return r, true
		}
	}
	return nil, false
}

// FindRegionByVBase returns the region whose VBase exactly matches vbase.
func (m *Map) FindRegionByVBase(vbase uintptr) (*Region, bool) {
	for r := m.head; r != nil; r = r.next {
		if r.VBase == vbase {
			return r, true
		}
	}
	return nil, false
}

// RemoveRegion unlinks r from the map. r must be a member of m.
func (m *Map) RemoveRegion(r *Region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		m.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		m.tail = r.prev
	}
	r.prev, r.next = nil, nil
}

// Next returns the region immediately following r in vbase order, if any.
func (m *Map) Next(r *Region) (*Region, bool) {
	if r.next == nil {
		return nil, false
	}
	return r.next, true
}

// Prev returns the region immediately preceding r in vbase order, if any.
func (m *Map) Prev(r *Region) (*Region, bool) {
	if r.prev == nil {
		return nil, false
	}
	return r.prev, true
}

// FindGap locates a gap of at least minSize bytes between floor and ceiling
// (both arbitrary, non-page-aligned-safe bounds), preferring the highest
// possible placement: scanning down from ceiling, the first gap large
// enough wins, so the new region ends at ceiling or at the VBase of the
// region directly above that gap, not necessarily at the lowest existing
// mapping. It returns the page-aligned vbase of the placement and whether
// one was found.
func (m *Map) FindGap(minSize uintptr, floor, ceiling uintptr) (uintptr, bool) {
	size := vmconf.PageAlignUp(minSize)
	top := vmconf.PageAlignDown(ceiling)
	for r := m.tail; r != nil; r = r.prev {
		if r.VBase < floor {
			break
		}
		if r.VBase >= top {
			continue
		}
		if r.VTop <= top {
			if top-r.VTop >= size {
				return top - size, true
			}
			top = r.VBase
		}
	}
	if top >= floor && top-floor >= size {
		return top - size, true
	}
	return 0, false
}

// Clone performs a flat, iterative two-pass deep copy of the region list:
// the first pass copies every region's fields and links next-pointers, the
// second pass fixes prev-pointers and the tail, avoiding recursion over a
// long list.
func (m *Map) Clone() *Map {
	nm := &Map{}
	var prevCopy *Region
	for r := m.head; r != nil; r = r.next {
		nr := &Region{
			VBase: r.VBase, VTop: r.VTop, NPages: r.NPages,
			Readable: r.Readable, Writable: r.Writable, Executable: r.Executable,
			Type: r.Type, FileID: r.FileID, FileOffset: r.FileOffset,
		}
		if prevCopy == nil {
			nm.head = nr
		} else {
			prevCopy.next = nr
		}
		prevCopy = nr
	}
	nm.tail = prevCopy
	cur := nm.head
	var prev *Region
	for cur != nil {
		cur.prev = prev
		prev = cur
		cur = cur.next
	}
	return nm
}

// CheckInvariants verifies the map is sorted ascending by VBase, pairwise
// non-overlapping, and that every region is page-aligned. It is intended
// for tests, not the hot path.
func (m *Map) CheckInvariants() error {
	var prev *Region
	for r := m.head; r != nil; r = r.next {
		if !vmconf.IsPageAligned(r.VBase) || !vmconf.IsPageAligned(r.VTop) {
			return fmt.Errorf("region [%#x,%#x) not page-aligned", r.VBase, r.VTop)
		}
		if prev != nil {
			if prev.VBase > r.VBase {
				return fmt.Errorf("region map not sorted: %#x after %#x", r.VBase, prev.VBase)
			}
			if prev.VTop > r.VBase {
				return fmt.Errorf("regions [%#x,%#x) and [%#x,%#x) overlap",
					prev.VBase, prev.VTop, r.VBase, r.VTop)
			}
		}
		prev = r
	}
	return nil
}
