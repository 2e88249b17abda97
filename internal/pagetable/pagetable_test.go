package pagetable

import (
	"testing"

	"vmkern/internal/frame"
	"vmkern/internal/pte"
)

func TestLookupAddRemove(t *testing.T) {
	alloc := frame.NewFake(0)
	tbl := New()
	va := uintptr(0x40001000)

	if _, ok := tbl.Lookup(va); ok {
		t.Fatalf("empty table should not find anything")
	}

	p, err := pte.New(alloc)
	if err != nil {
		t.Fatalf("pte.New: %v", err)
	}
	if old := tbl.AddEntry(va, p); old != nil {
		t.Fatalf("AddEntry into empty slot should return nil old entry")
	}

	got, ok := tbl.Lookup(va)
	if !ok || got != p {
		t.Fatalf("Lookup after AddEntry = (%v, %v), want (%v, true)", got, ok, p)
	}

	removed, ok := tbl.RemoveEntry(va)
	if !ok || removed != p {
		t.Fatalf("RemoveEntry = (%v, %v), want (%v, true)", removed, ok, p)
	}
	if _, ok := tbl.Lookup(va); ok {
		t.Fatalf("Lookup after RemoveEntry should miss")
	}
}

func TestDifferentL1SlotsIndependent(t *testing.T) {
	alloc := frame.NewFake(0)
	tbl := New()
	va1 := uintptr(0x00200000)          // L1 index 1
	va2 := uintptr(0x00200000 + 1<<21)  // L1 index 2

	p1, _ := pte.New(alloc)
	p2, _ := pte.New(alloc)
	tbl.AddEntry(va1, p1)
	tbl.AddEntry(va2, p2)

	got1, _ := tbl.Lookup(va1)
	got2, _ := tbl.Lookup(va2)
	if got1 != p1 || got2 != p2 {
		t.Fatalf("cross-contamination between L1 slots")
	}
}

func TestWalkVisitsAllEntries(t *testing.T) {
	alloc := frame.NewFake(0)
	tbl := New()
	vas := []uintptr{0x1000, 0x2000, 1 << 21, (1 << 21) + 0x3000}
	for _, va := range vas {
		p, _ := pte.New(alloc)
		tbl.AddEntry(va, p)
	}
	seen := map[uintptr]bool{}
	tbl.Walk(func(va uintptr, p *pte.PTE) {
		seen[va] = true
	})
	for _, va := range vas {
		if !seen[va] {
			t.Fatalf("Walk missed vaddr %#x", va)
		}
	}
	if len(seen) != len(vas) {
		t.Fatalf("Walk visited %d entries, want %d", len(seen), len(vas))
	}
}

func TestCloneSharedVsPrivate(t *testing.T) {
	alloc := frame.NewFake(0)
	tbl := New()

	shared, _ := pte.New(alloc)
	shared.SetShared(true)
	shared.SetWritable(true)

	private, _ := pte.New(alloc)
	private.SetShared(false)
	private.SetWritable(true)

	sharedVA := uintptr(0x1000)
	privateVA := uintptr(0x2000)
	tbl.AddEntry(sharedVA, shared)
	tbl.AddEntry(privateVA, private)

	clone, err := tbl.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	cs, ok := clone.Lookup(sharedVA)
	if !ok || cs != shared {
		t.Fatalf("shared entry must be the same *PTE after clone")
	}
	if shared.Refcount() != 2 {
		t.Fatalf("shared refcount = %d, want 2", shared.Refcount())
	}
	if shared.Writable() || cs.Writable() {
		t.Fatalf("clone must clear Dirty on both sides of a shared entry")
	}

	cp, ok := clone.Lookup(privateVA)
	if !ok || cp == private {
		t.Fatalf("private entry must be a distinct *PTE after clone")
	}
	if cp.Refcount() != 1 || !cp.Writable() {
		t.Fatalf("private copy must be sole-owner and keep its writable bit")
	}
}

func TestDestroyReleasesFrames(t *testing.T) {
	alloc := frame.NewFake(0)
	tbl := New()
	p1, _ := pte.New(alloc)
	p2, _ := pte.New(alloc)
	tbl.AddEntry(0x1000, p1)
	tbl.AddEntry(1<<21, p2)
	if alloc.Live() != 2 {
		t.Fatalf("live = %d, want 2", alloc.Live())
	}
	tbl.Destroy()
	if alloc.Live() != 0 {
		t.Fatalf("live = %d after Destroy, want 0", alloc.Live())
	}
}
