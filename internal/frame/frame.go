// Package frame declares the physical frame allocator contract consumed by
// the vm core. The real allocator (alloc_page/free_page) lives outside this
// module's scope; vmkern only depends on this interface, the way the
// teaching kernel's vm package depends on mem.Physmem_t through a narrow
// Page_i-shaped interface rather than reaching into allocator internals.
package frame

// Addr is a physical frame address, always page-aligned (no control bits).
type Addr uintptr

// Allocator allocates and frees physical page frames and provides a
// direct-mapped byte view of a frame's contents, mirroring the teaching
// kernel's Physmem_t.Dmap: physical memory is modeled, not actually mapped,
// so reads/writes to a frame go through Bytes rather than raw pointers.
type Allocator interface {
	// AllocPage returns a freshly zeroed frame, or an error if exhausted.
	AllocPage() (Addr, error)
	// FreePage releases a frame back to the allocator. Calling FreePage on
	// an address not currently allocated is a programmer error.
	FreePage(Addr)
	// Bytes returns a PageSize-length slice backing the frame's contents.
	// Mutating the slice mutates the frame in place.
	Bytes(Addr) []byte
}
