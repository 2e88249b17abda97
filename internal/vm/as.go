// Package vm bundles a region map and a page table into one AddressSpace,
// implementing the lifecycle operations (create, fork, destroy, activate),
// heap/mmap placement, and the page-fault handler that ties them together.
// Grounded on the teaching kernel's Vm_t (biscuit/src/mem/mem.go) and the
// original source's addrspace.c, but reworked to the two-lock-level model
// (a coarse address-space lock over region shape and lifecycle state, a
// separate page-table lock, a separate per-PTE lock) spec.md's concurrency
// section calls for, rather than the teacher's single Vm_t mutex.
package vm

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"vmkern/internal/backing"
	"vmkern/internal/frame"
	"vmkern/internal/pagetable"
	"vmkern/internal/region"
	"vmkern/internal/tlbdev"
	"vmkern/internal/vmconf"
)

// AddressSpace is one process's virtual memory: a region map, a page table,
// and the break/stack bookkeeping needed by Sbrk and the fault handler.
type AddressSpace struct {
	// mu guards Regions, HeapStart, StackStart and ForceReadWrite. The fault
	// handler never holds it across frame allocation or file I/O; the page
	// table and each PTE carry their own finer-grained locks for that. Copy
	// does hold it for the whole page-table clone, which allocates frames
	// for private pages.
	mu sync.Mutex

	Regions    region.Map
	PageTable  *pagetable.Table
	HeapStart  uintptr
	StackStart uintptr

	// ForceReadWrite, when set, overrides permission checks during a load
	// sequence (PrepareLoad/CompleteLoad) so the loader can write into
	// segments that are nominally read-only at runtime.
	ForceReadWrite bool

	alloc frame.Allocator
	tlb   tlbdev.Device
	files backing.Resolver

	faults singleflight.Group
}

// Create returns a new, empty address space with no regions.
func Create(alloc frame.Allocator, tlb tlbdev.Device, files backing.Resolver) *AddressSpace {
	return &AddressSpace{
		PageTable: pagetable.New(),
		alloc:     alloc,
		tlb:       tlb,
		files:     files,
	}
}

// DefineRegion adds a page-aligned Unnamed region with the given
// permissions, rejecting overlap with any existing region.
func (as *AddressSpace) DefineRegion(vbase uintptr, size int, readable, writable, executable bool) (*region.Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.Regions.DefineRegion(vbase, size, readable, writable, executable)
}

// PrepareLoad enables ForceReadWrite so the ELF loader (or equivalent) can
// populate nominally read-only segments.
func (as *AddressSpace) PrepareLoad() {
	as.mu.Lock()
	as.ForceReadWrite = true
	as.mu.Unlock()
}

// CompleteLoad disables ForceReadWrite once loading is done; subsequent
// writes to read-only segments fault normally.
func (as *AddressSpace) CompleteLoad() {
	as.mu.Lock()
	as.ForceReadWrite = false
	as.mu.Unlock()
}

// DefineStack places a one-page heap immediately above the highest existing
// region (by vtop) and a fixed-size stack ending at vmconf.UserStackTop,
// then records both as the break points Sbrk and Mmap scan between. It
// returns the initial stack pointer (the top of the stack region).
//
// The heap-seed placement scans every region for the maximum vtop rather
// than assuming the region list's tail holds it, since DefineRegion inserts
// by ascending vbase, not ascending vtop.
func (as *AddressSpace) DefineStack() uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()

	heapBase := vmconf.UserMin
	for _, r := range as.Regions.Regions() {
		if r.VTop > heapBase {
			heapBase = r.VTop
		}
	}
	heapTop := heapBase + vmconf.PageSize
	heap := &region.Region{
		VBase: heapBase, VTop: heapTop,
		NPages:   1,
		Readable: true, Writable: true,
		Type: region.Heap,
	}
	if err := as.Regions.InsertRegion(heap); err != nil {
		panic("vm: heap seed overlaps an existing region: " + err.Error())
	}

	stackBase := vmconf.UserStackTop - vmconf.StackPages*vmconf.PageSize
	stack := &region.Region{
		VBase: stackBase, VTop: vmconf.UserStackTop,
		NPages:   vmconf.StackPages,
		Readable: true, Writable: true,
		Type: region.Stack,
	}
	if err := as.Regions.InsertRegion(stack); err != nil {
		panic("vm: stack overlaps an existing region: " + err.Error())
	}

	as.HeapStart = heapBase
	as.StackStart = stackBase
	return vmconf.UserStackTop
}

// Copy clones the region map, then the page table (shared pages become
// COW, private pages are deep-copied), for fork. On page-table clone
// failure the partially built table is destroyed, the references it took
// are dropped again, and the error is returned. The caller's region map and
// page-table slots are not changed either way, but every shared entry the
// clone reached has its Dirty bit cleared by IncRef, and a failed clone
// does not set those bits again.
func (as *AddressSpace) Copy() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	regionsClone := as.Regions.Clone()
	pt, err := as.PageTable.Clone()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		Regions:        *regionsClone,
		PageTable:      pt,
		HeapStart:      as.HeapStart,
		StackStart:     as.StackStart,
		ForceReadWrite: as.ForceReadWrite,
		alloc:          as.alloc,
		tlb:            as.tlb,
		files:          as.files,
	}, nil
}

// Destroy drops the address space's reference on every PTE, freeing the
// frames it held exclusively while frames shared with another address space
// survive, and empties the region map. The AddressSpace must not be used afterward.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.PageTable.Destroy()
	as.Regions = region.Map{}
}

// Activate flushes the local TLB so stale translations from a previously
// active address space cannot be used against this one.
func (as *AddressSpace) Activate() {
	as.tlb.InvalidateAll()
}

// Deactivate flushes the local TLB, since this core assumes one hardware
// TLB shared by whichever address space is currently switched in (no
// tagged/ASID TLB entries, no cross-CPU shootdown).
func (as *AddressSpace) Deactivate() {
	as.tlb.InvalidateAll()
}
