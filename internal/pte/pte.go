// Package pte implements the frame wrapper: a page-table entry that owns or
// shares one physical frame, carries permission/dirty bits, and serializes
// copy-on-write against itself. This is the core's leaf component -- it
// knows nothing about regions or page tables, only about one frame's
// lifecycle, grounded on the teaching kernel's refcounted-frame pattern
// (mem.Physmem_t.Refup/Refdown) narrowed to a single entry with its own
// lock per spec's per-entry-lock design.
package pte

import (
	"sync"

	"vmkern/internal/frame"
	"vmkern/internal/vmerr"
)

// Control bits live in the low PageShift bits of frame, alongside the
// teaching kernel's TLBLO_VALID/TLBLO_DIRTY convention.
const (
	Valid = uintptr(1) << 0
	// Dirty means writable, not "has been written to" -- the name follows
	// the MIPS TLB's dirty-bit-as-writable-bit convention used throughout
	// spec.md.
	Dirty = uintptr(1) << 1
)

// PTE owns or shares one physical frame. The zero value is not usable; use
// New.
type PTE struct {
	mu       sync.Mutex
	alloc    frame.Allocator
	addr     frame.Addr
	control  uintptr
	refcount int
	shared   bool
}

// New allocates a fresh zero-filled frame and returns a sole-owner PTE:
// refcount 1, not shared, Valid set and Dirty clear.
func New(alloc frame.Allocator) (*PTE, error) {
	a, err := alloc.AllocPage()
	if err != nil {
		return nil, vmerr.Wrap(vmerr.OutOfMemory, err)
	}
	return &PTE{
		alloc:    alloc,
		addr:     a,
		control:  Valid,
		refcount: 1,
	}, nil
}

// Frame returns the physical address with control bits folded in, as
// installed into a page-table slot or the TLB.
func (p *PTE) Frame() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uintptr(p.addr) | p.control
}

// FrameWithWritable returns the frame value with Valid set and Dirty set
// according to w, independent of the PTE's own persisted Dirty bit. The
// fault handler uses this to compute a TLB entry for a single access that
// force_readwrite has permitted even though the page's stored permission
// bit says otherwise.
func (p *PTE) FrameWithWritable(w bool) uintptr {
	p.mu.Lock()
	a := uintptr(p.addr)
	p.mu.Unlock()
	v := a | Valid
	if w {
		v |= Dirty
	}
	return v
}

// Writable reports whether the Dirty (writable) bit is currently set.
func (p *PTE) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control&Dirty != 0
}

// Refcount returns the current reference count, for diagnostics and tests.
func (p *PTE) Refcount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}

// Shared reports whether this PTE is eligible for COW sharing on clone.
func (p *PTE) Shared() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shared
}

// SetShared marks the PTE as eligible (or not) for COW sharing. Called once
// by the fault handler when a page is first populated, per the per-region-
// type sharing policy in spec 4.5.
func (p *PTE) SetShared(shared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = shared
}

// SetWritable sets or clears the Dirty (writable) bit directly. Used by the
// fault handler when installing a freshly-populated page whose region is
// writable and which is not (yet) COW-shared.
func (p *PTE) SetWritable(w bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w {
		p.control |= Dirty
	} else {
		p.control &^= Dirty
	}
}

// Bytes returns the direct-mapped contents of the underlying frame.
func (p *PTE) Bytes() []byte {
	p.mu.Lock()
	a := p.addr
	p.mu.Unlock()
	return p.alloc.Bytes(a)
}

// IncRef increments the reference count and clears Dirty, so the next write
// through any sharer traps into copy-on-write. Requires refcount >= 1.
func (p *PTE) IncRef() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcount < 1 {
		panic("pte: IncRef on dead entry")
	}
	p.refcount++
	p.control &^= Dirty
}

// DecRef decrements the reference count. When the count reaches zero the
// frame is released and the PTE is destroyed; callers must not use p again
// afterward.
func (p *PTE) DecRef() {
	p.mu.Lock()
	if p.refcount < 1 {
		p.mu.Unlock()
		panic("pte: DecRef on dead entry")
	}
	if p.refcount > 1 {
		p.refcount--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.destroy()
}

// destroy requires the caller to have observed refcount == 1 (i.e. this is
// the last reference); it is only ever reached via DecRef.
func (p *PTE) destroy() {
	p.mu.Lock()
	if p.refcount != 1 {
		p.mu.Unlock()
		panic("pte: destroy with refcount != 1")
	}
	a := p.addr
	p.refcount = 0
	p.addr = 0
	p.control = 0
	p.mu.Unlock()
	p.alloc.FreePage(a)
}

// Copy allocates a new sole-owner PTE with the same frame contents and
// non-frame control bits. It does not touch p's refcount: p may still be
// referenced by the page table it was looked up from (the clone-private
// path in pagetable.cloneL2 relies on this), and it is the caller's
// responsibility to adjust p's refcount if that is what the situation
// calls for.
func (p *PTE) Copy() (*PTE, error) {
	p.mu.Lock()
	a, err := p.alloc.AllocPage()
	if err != nil {
		p.mu.Unlock()
		return nil, vmerr.Wrap(vmerr.OutOfMemory, err)
	}
	copy(p.alloc.Bytes(a), p.alloc.Bytes(p.addr))
	control := p.control
	p.mu.Unlock()

	return &PTE{alloc: p.alloc, addr: a, control: control, refcount: 1}, nil
}

// CopyOnWrite resolves a READONLY fault on p. If p is sole-owned, it simply
// marks p writable and returns p. Otherwise it produces an independent
// writable copy and drops p's own reference (the copy takes its place as
// this address space's mapping; p's remaining sharers keep the original).
// The returned PTE is always sole owner and writable.
func (p *PTE) CopyOnWrite() (*PTE, error) {
	p.mu.Lock()
	if p.refcount == 1 {
		p.control |= Dirty
		p.mu.Unlock()
		return p, nil
	}
	p.mu.Unlock()

	np, err := p.Copy()
	if err != nil {
		return nil, err
	}
	np.SetWritable(true)
	p.DecRef()
	return np, nil
}
