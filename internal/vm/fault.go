package vm

import (
	"fmt"
	"io"

	"vmkern/internal/pte"
	"vmkern/internal/region"
	"vmkern/internal/tlbdev"
	"vmkern/internal/vmconf"
	"vmkern/internal/vmerr"
)

// FaultType classifies why the hardware trapped into VMFault, following the
// MIPS software-TLB convention: a miss on a load is Read, a miss on a store
// is Write, and a store to a resident-but-not-Dirty mapping is ReadOnly (the
// "TLB Modify" exception) -- the only path that can reach copy-on-write,
// since outside a PrepareLoad/CompleteLoad window a freshly loaded mapping
// is never installed Dirty unless it is already sole-owned.
type FaultType int

const (
	FaultRead FaultType = iota
	FaultWrite
	FaultReadOnly
)

// VMFault resolves one hardware page fault: it validates the fault type,
// locates the covering region, checks permissions, and either upgrades an
// existing PTE (copy-on-write split) or populates a fresh one (zero-filled
// or read from a backing file), finally loading the translation into the
// TLB.
func (as *AddressSpace) VMFault(ft FaultType, faultAddr uintptr) error {
	switch ft {
	case FaultRead, FaultWrite, FaultReadOnly:
	default:
		return vmerr.New(vmerr.InvalidArg)
	}

	as.mu.Lock()
	r, ok := as.Regions.FindRegion(faultAddr)
	if !ok {
		as.mu.Unlock()
		return vmerr.New(vmerr.BadAccess)
	}
	forceRW := as.ForceReadWrite
	switch ft {
	case FaultRead:
		if !r.Readable {
			as.mu.Unlock()
			return vmerr.New(vmerr.BadAccess)
		}
	case FaultWrite, FaultReadOnly:
		if !r.Writable && !forceRW {
			as.mu.Unlock()
			return vmerr.New(vmerr.BadAccess)
		}
	}
	rType, rWritable, fileID, fileOffset, rVBase := r.Type, r.Writable, r.FileID, r.FileOffset, r.VBase
	as.mu.Unlock()

	pageVA := vmconf.PageAlignDown(faultAddr)

	if existing, ok := as.PageTable.Lookup(pageVA); ok {
		return as.resolveExisting(ft, pageVA, existing, forceRW, rWritable)
	}

	key := fmt.Sprintf("%x", pageVA)
	v, err, _ := as.faults.Do(key, func() (interface{}, error) {
		return as.populate(pageVA, rType, rWritable, fileID, fileOffset, rVBase)
	})
	if err != nil {
		return err
	}
	p := v.(*pte.PTE)
	writable := forceRW || (rWritable && p.Refcount() == 1)
	tlbdev.LoadOrReplace(as.tlb, pageVA, p.FrameWithWritable(writable))
	return nil
}

// resolveExisting handles a fault against an already-mapped page: a
// ReadOnly (TLB Modify) fault triggers copy-on-write if the PTE is shared,
// and in every case the TLB is (re)loaded with a writable bit computed from
// force_readwrite and the PTE's current sole-ownership, which may differ
// from the PTE's own persisted Dirty bit.
func (as *AddressSpace) resolveExisting(ft FaultType, pageVA uintptr, p *pte.PTE, forceRW, regionWritable bool) error {
	if ft == FaultReadOnly {
		np, err := p.CopyOnWrite()
		if err != nil {
			return err
		}
		as.PageTable.AddEntry(pageVA, np)
		p = np
	}
	writable := forceRW || (regionWritable && p.Refcount() == 1)
	tlbdev.LoadOrReplace(as.tlb, pageVA, p.FrameWithWritable(writable))
	return nil
}

// populate allocates and installs a fresh PTE for a first-touch fault. It
// is only ever invoked through the per-page singleflight group in VMFault,
// so concurrent first faults on the same page are coalesced into one
// allocation (and one file read, for a FILE region).
func (as *AddressSpace) populate(pageVA uintptr, rType region.Type, regionWritable bool, fileID int, fileOffset int64, rVBase uintptr) (*pte.PTE, error) {
	if p, ok := as.PageTable.Lookup(pageVA); ok {
		return p, nil
	}

	p, err := pte.New(as.alloc)
	if err != nil {
		return nil, err
	}

	if rType == region.File {
		f, ok := as.files.Lookup(fileID)
		if !ok {
			p.DecRef()
			return nil, vmerr.New(vmerr.BadFD)
		}
		off := fileOffset + int64(pageVA-rVBase)
		buf := p.Bytes()
		n, rerr := f.ReadAt(buf, off)
		if rerr != nil && rerr != io.EOF {
			p.DecRef()
			return nil, rerr
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}

	p.SetWritable(regionWritable)
	p.SetShared(rType == region.Unnamed || rType == region.Heap || rType == region.File)
	as.PageTable.AddEntry(pageVA, p)
	return p, nil
}
