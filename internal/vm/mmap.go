package vm

import (
	"golang.org/x/sys/unix"

	"vmkern/internal/region"
	"vmkern/internal/vmconf"
	"vmkern/internal/vmerr"
)

// Mmap maps length bytes of the file identified by fd, starting at offset,
// into a fresh FILE region placed in the gap between the heap and the
// stack. prot is a bitmask of unix.PROT_READ/PROT_WRITE/PROT_EXEC. Pages
// are populated lazily by VMFault, each reading offset + (fault address -
// the region's vbase) from the file.
func (as *AddressSpace) Mmap(length int, prot uint32, fd int, offset int64) (uintptr, error) {
	if length <= 0 {
		return 0, vmerr.New(vmerr.InvalidArg)
	}
	if offset < 0 || uintptr(offset)%vmconf.PageSize != 0 {
		return 0, vmerr.New(vmerr.InvalidArg)
	}
	if _, ok := as.files.Lookup(fd); !ok {
		return 0, vmerr.New(vmerr.BadFD)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	heap, ok := as.Regions.FindRegionByVBase(as.HeapStart)
	if !ok {
		panic("vm: Mmap called on an address space with no heap region")
	}
	stack, ok := as.Regions.FindRegionByVBase(as.StackStart)
	if !ok {
		panic("vm: Mmap called on an address space with no stack region")
	}

	vbase, ok := as.Regions.FindGap(uintptr(length), heap.VTop, stack.VBase)
	if !ok {
		return 0, vmerr.New(vmerr.OutOfMemory)
	}
	vtop := vbase + vmconf.PageAlignUp(uintptr(length))

	r := &region.Region{
		VBase: vbase, VTop: vtop,
		NPages:     int((vtop - vbase) / vmconf.PageSize),
		Readable:   prot&unix.PROT_READ != 0,
		Writable:   prot&unix.PROT_WRITE != 0,
		Executable: prot&unix.PROT_EXEC != 0,
		Type:       region.File,
		FileID:     fd,
		FileOffset: offset,
	}
	if err := as.Regions.InsertRegion(r); err != nil {
		return 0, err
	}
	return vbase, nil
}

// Munmap unmaps the FILE region whose base address is exactly vaddr,
// releasing every PTE it owns.
func (as *AddressSpace) Munmap(vaddr uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	r, ok := as.Regions.FindRegionByVBase(vaddr)
	if !ok || r.Type != region.File {
		return vmerr.New(vmerr.InvalidArg)
	}
	as.releaseRange(r.VBase, r.VTop)
	as.Regions.RemoveRegion(r)
	return nil
}
