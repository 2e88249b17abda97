package pte

import (
	"testing"

	"vmkern/internal/frame"
	"vmkern/internal/vmerr"
)

func TestNewSoleOwnerNotDirty(t *testing.T) {
	alloc := frame.NewFake(0)
	p, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", p.Refcount())
	}
	if p.Writable() {
		t.Fatalf("freshly-allocated PTE must not be writable")
	}
	if p.Frame()&Valid == 0 {
		t.Fatalf("Valid bit must be set")
	}
}

func TestIncRefClearsDirty(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	p.SetWritable(true)
	if !p.Writable() {
		t.Fatalf("expected writable after SetWritable(true)")
	}
	p.IncRef()
	if p.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2", p.Refcount())
	}
	if p.Writable() {
		t.Fatalf("IncRef must clear Dirty so the next write traps")
	}
}

func TestDecRefToZeroFreesFrame(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	if alloc.Live() != 1 {
		t.Fatalf("live frames = %d, want 1", alloc.Live())
	}
	p.DecRef()
	if alloc.Live() != 0 {
		t.Fatalf("live frames = %d after DecRef to zero, want 0", alloc.Live())
	}
}

func TestDecRefAboveOneKeepsFrame(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	p.IncRef()
	p.DecRef()
	if p.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", p.Refcount())
	}
	if alloc.Live() != 1 {
		t.Fatalf("live frames = %d, want 1 (not yet freed)", alloc.Live())
	}
}

func TestCopyOnWriteSoleOwnerNoCopy(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	got, err := p.CopyOnWrite()
	if err != nil {
		t.Fatalf("CopyOnWrite: %v", err)
	}
	if got != p {
		t.Fatalf("sole-owner CopyOnWrite must return the same PTE")
	}
	if !got.Writable() {
		t.Fatalf("CopyOnWrite must leave the sole owner writable")
	}
	if alloc.Live() != 1 {
		t.Fatalf("sole-owner CopyOnWrite must not allocate a new frame")
	}
}

func TestCopyOnWriteSharedSplits(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	p.Bytes()[0] = 0x42
	p.IncRef() // simulate a second address space sharing this PTE

	child, err := p.CopyOnWrite()
	if err != nil {
		t.Fatalf("CopyOnWrite: %v", err)
	}
	if child == p {
		t.Fatalf("shared CopyOnWrite must produce a distinct PTE")
	}
	if child.Refcount() != 1 || !child.Writable() {
		t.Fatalf("copy must be sole-owner and writable, got refcount=%d writable=%v",
			child.Refcount(), child.Writable())
	}
	if p.Refcount() != 1 {
		t.Fatalf("original refcount = %d after split, want 1", p.Refcount())
	}
	if child.Bytes()[0] != 0x42 {
		t.Fatalf("copy must carry over frame contents")
	}
	if alloc.Live() != 2 {
		t.Fatalf("live frames = %d, want 2 (original + copy)", alloc.Live())
	}
}

func TestCopyCarriesContentAndLeavesOriginalRefcountAlone(t *testing.T) {
	alloc := frame.NewFake(0)
	p, _ := New(alloc)
	p.Bytes()[10] = 7
	p.IncRef() // refcount 2, simulating a still-shared original

	cp, err := p.Copy()
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if cp.Refcount() != 1 {
		t.Fatalf("copy refcount = %d, want 1", cp.Refcount())
	}
	if cp.Bytes()[10] != 7 {
		t.Fatalf("copy must carry over frame contents")
	}
	if p.Refcount() != 2 {
		t.Fatalf("original refcount = %d after Copy, want 2 (Copy must not touch it)", p.Refcount())
	}
}

func TestAllocFailureSurfacesOutOfMemory(t *testing.T) {
	alloc := frame.NewFake(1)
	if _, err := New(alloc); err != nil {
		t.Fatalf("first alloc should succeed: %v", err)
	}
	if _, err := New(alloc); !vmerr.Is(err, vmerr.OutOfMemory) {
		t.Fatalf("expected OutOfMemory once the fake allocator is exhausted, got %v", err)
	}
}
