package vm

import (
	"vmkern/internal/vmconf"
	"vmkern/internal/vmerr"
)

// Sbrk adjusts the heap break by delta bytes (positive to grow, negative to
// shrink, zero to query) and returns the break's previous value. Growth is
// rounded up to whole pages and shrinkage rounded down (i.e. toward a
// larger magnitude), so the new break always lands on a page boundary.
// Shrinking releases the PTEs covering the freed range; growing never
// allocates anything up front, leaving pages to be faulted in lazily.
func (as *AddressSpace) Sbrk(delta int) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	heap, ok := as.Regions.FindRegionByVBase(as.HeapStart)
	if !ok {
		panic("vm: Sbrk called on an address space with no heap region")
	}
	if delta == 0 {
		return heap.VTop, nil
	}

	old := heap.VTop
	rounded := roundedDelta(delta)
	newTop := addSigned(old, rounded)

	if rounded > 0 {
		above, hasAbove := as.Regions.Next(heap)
		if hasAbove && newTop >= above.VBase {
			return 0, vmerr.New(vmerr.OutOfMemory)
		}
	} else {
		if newTop < heap.VBase {
			return 0, vmerr.New(vmerr.OutOfMemory)
		}
		as.releaseRange(newTop, old)
	}

	heap.VTop = newTop
	heap.NPages = int((newTop - heap.VBase) / vmconf.PageSize)
	return old, nil
}

// roundedDelta rounds a byte delta to a whole number of pages, rounding
// positive deltas up and negative deltas down (away from zero), so growth
// never under-allocates and shrinkage never leaves a partial page mapped.
func roundedDelta(delta int) int {
	if delta > 0 {
		return ((delta + vmconf.PageSize - 1) / vmconf.PageSize) * vmconf.PageSize
	}
	mag := -delta
	pages := mag / vmconf.PageSize
	if mag%vmconf.PageSize != 0 {
		pages++
	}
	return -(pages * vmconf.PageSize)
}

func addSigned(base uintptr, delta int) uintptr {
	if delta >= 0 {
		return base + uintptr(delta)
	}
	return base - uintptr(-delta)
}

// releaseRange removes and drops the reference on every PTE covering
// [lo, hi), then flushes the TLB so no stale translation into the freed
// range survives.
func (as *AddressSpace) releaseRange(lo, hi uintptr) {
	for va := lo; va < hi; va += vmconf.PageSize {
		if p, ok := as.PageTable.RemoveEntry(va); ok {
			p.DecRef()
		}
	}
	as.tlb.InvalidateAll()
}
