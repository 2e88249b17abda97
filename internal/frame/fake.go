package frame

import (
	"sync"

	"vmkern/internal/vmconf"
	"vmkern/internal/vmerr"
)

// Fake is an in-process Allocator backed by a Go map, standing in for the
// kernel's physical frame allocator in tests and the cmd/vmstat harness.
// It is not a performance-minded design -- it exists purely to give the
// core something real to allocate from without a physical memory model.
type Fake struct {
	mu      sync.Mutex
	pages   map[Addr]*[vmconf.PageSize]byte
	next    Addr
	limit   int // 0 means unbounded
	allocd  int
}

// NewFake returns a Fake allocator. limit, if positive, caps the number of
// live frames before AllocPage starts failing with OutOfMemory.
func NewFake(limit int) *Fake {
	return &Fake{
		pages: make(map[Addr]*[vmconf.PageSize]byte),
		next:  Addr(vmconf.PageSize),
		limit: limit,
	}
}

func (f *Fake) AllocPage() (Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && f.allocd >= f.limit {
		return 0, vmerr.New(vmerr.OutOfMemory)
	}
	a := f.next
	f.next += Addr(vmconf.PageSize)
	f.pages[a] = &[vmconf.PageSize]byte{}
	f.allocd++
	return a, nil
}

func (f *Fake) FreePage(a Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[a]; !ok {
		panic("frame: double free or free of unallocated page")
	}
	delete(f.pages, a)
	f.allocd--
}

func (f *Fake) Bytes(a Addr) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	pg, ok := f.pages[a]
	if !ok {
		panic("frame: access to unallocated page")
	}
	return pg[:]
}

// Live reports the number of currently allocated frames.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocd
}
