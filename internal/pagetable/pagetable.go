// Package pagetable implements the sparse two-level page table: a 2048-slot
// L1 array of optional 512-slot L2 tables, guarded by one table-wide lock
// that protects shape (which L1/L2 slots exist) while leaving per-entry
// state (refcount, the writable bit) to the pte package's own per-entry
// locks. Grounded on the original source's page_table.c, translated from an
// explicit free-list of kmalloc'd structs into Go's garbage-collected
// pointers.
package pagetable

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"vmkern/internal/pte"
	"vmkern/internal/vmconf"
)

type l2Table struct {
	entries [vmconf.L2Entries]*pte.PTE
	live    int
}

// Table is the per-address-space page table.
type Table struct {
	mu sync.Mutex
	l1 [vmconf.L1Entries]*l2Table
}

// New returns an empty page table.
func New() *Table {
	return &Table{}
}

// Lookup returns the PTE mapped at vaddr, if any. It never materializes a
// missing L2 table -- a probe, not a walk-for-write.
func (t *Table) Lookup(vaddr uintptr) (*pte.PTE, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l2 := t.l1[vmconf.L1Index(vaddr)]
	if l2 == nil {
		return nil, false
	}
	p := l2.entries[vmconf.L2Index(vaddr)]
	return p, p != nil
}

// AddEntry stores p at vaddr's slot, lazily materializing the L2 table if
// needed. If a previous entry occupied the slot, AddEntry overwrites it and
// returns it; the caller owns that entry's lifecycle (the fault handler
// uses this for COW replacement, where the old entry has already had its
// refcount adjusted by pte.CopyOnWrite).
func (t *Table) AddEntry(vaddr uintptr, p *pte.PTE) (old *pte.PTE) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i1, i2 := vmconf.L1Index(vaddr), vmconf.L2Index(vaddr)
	l2 := t.l1[i1]
	if l2 == nil {
		l2 = &l2Table{}
		t.l1[i1] = l2
	}
	old = l2.entries[i2]
	if old == nil {
		l2.live++
	}
	l2.entries[i2] = p
	return old
}

// RemoveEntry clears vaddr's slot and returns whatever PTE occupied it, for
// the caller to dispose of (DecRef). Freeing the L2 table and the L1 slot
// happens automatically once the L2 table's live count reaches zero.
func (t *Table) RemoveEntry(vaddr uintptr) (removed *pte.PTE, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i1, i2 := vmconf.L1Index(vaddr), vmconf.L2Index(vaddr)
	l2 := t.l1[i1]
	if l2 == nil {
		return nil, false
	}
	p := l2.entries[i2]
	if p == nil {
		return nil, false
	}
	l2.entries[i2] = nil
	l2.live--
	if l2.live == 0 {
		t.l1[i1] = nil
	}
	return p, true
}

// Walk visits every occupied slot under the table lock. fn must not call
// back into the table (AddEntry/RemoveEntry/Walk would deadlock).
func (t *Table) Walk(fn func(vaddr uintptr, p *pte.PTE)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i1, l2 := range t.l1 {
		if l2 == nil {
			continue
		}
		for i2, p := range l2.entries {
			if p == nil {
				continue
			}
			vaddr := uintptr(i1)<<vmconf.L1Shift | uintptr(i2)<<vmconf.L2Shift
			fn(vaddr, p)
		}
	}
}

// Destroy releases every occupied entry's reference (DecRef), freeing
// frames held exclusively by this table and dropping shared counts on
// frames still referenced elsewhere. The table must not be used afterward.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i1, l2 := range t.l1 {
		if l2 == nil {
			continue
		}
		for i2, p := range l2.entries {
			if p == nil {
				continue
			}
			p.DecRef()
			l2.entries[i2] = nil
		}
		t.l1[i1] = nil
	}
}

// Clone duplicates the table for address-space fork: shared entries are
// reference-counted (IncRef, same *pte.PTE in both tables, which clears the
// existing entry's Dirty bit so both spaces trap on the next write) and
// private entries are deep-copied (pte.Copy). The source table's lock is
// held for the entire clone, matching the original source's
// page_table_copy, which holds the table lock across every L1 slot rather
// than re-acquiring per slot. Each occupied L1 slot is cloned by its own
// goroutine -- cloneL2 never touches t.mu, and each writes only its own
// index of nt.l1, so the slots are independent work items under the one
// lock already held.
func (t *Table) Clone() (*Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nt := New()
	var g errgroup.Group
	for i1, l2 := range t.l1 {
		if l2 == nil {
			continue
		}
		i1, l2 := i1, l2
		g.Go(func() error {
			nl2, err := cloneL2(l2)
			if err != nil {
				return err
			}
			nt.l1[i1] = nl2
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		nt.Destroy()
		return nil, err
	}
	return nt, nil
}

func cloneL2(l2 *l2Table) (*l2Table, error) {
	nl2 := &l2Table{}
	for i, p := range l2.entries {
		if p == nil {
			continue
		}
		if p.Shared() {
			p.IncRef()
			nl2.entries[i] = p
		} else {
			np, err := p.Copy()
			if err != nil {
				for j := 0; j < i; j++ {
					if nl2.entries[j] != nil {
						nl2.entries[j].DecRef()
					}
				}
				return nil, err
			}
			nl2.entries[i] = np
		}
		nl2.live++
	}
	return nl2, nil
}
