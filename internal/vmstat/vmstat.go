// Package vmstat reports on a live AddressSpace for diagnostics: per-region
// mapping density and sharing, used by cmd/vmstat and available to anything
// embedding this core that wants a text dump of its memory state. It logs
// the way the teaching kernel does -- fmt.Printf-style formatting, no
// structured logging library -- since nothing in the retrieved dependency
// set covers structured logging and the teacher itself reaches for fmt.
package vmstat

import (
	"fmt"
	"strings"

	"vmkern/internal/vm"
	"vmkern/internal/vmconf"
)

// RegionStat summarizes one region's mapping state at the moment of
// collection.
type RegionStat struct {
	VBase, VTop                    uintptr
	Type                            string
	Readable, Writable, Executable bool
	MappedPages                    int
}

// Report is a point-in-time snapshot of an address space.
type Report struct {
	Regions          []RegionStat
	TotalMappedPages int
	SharedPages      int
}

// Collect walks as's region map and, for each region, probes the page
// table one page at a time to count resident and COW-shared pages. It is
// a diagnostics path, not the fault-handling hot path, so the per-page
// Lookup calls (each taking the page-table lock) are an acceptable cost.
func Collect(as *vm.AddressSpace) *Report {
	rep := &Report{}
	for _, r := range as.Regions.Regions() {
		stat := RegionStat{
			VBase: r.VBase, VTop: r.VTop,
			Type:       r.Type.String(),
			Readable:   r.Readable,
			Writable:   r.Writable,
			Executable: r.Executable,
		}
		for va := r.VBase; va < r.VTop; va += vmconf.PageSize {
			p, ok := as.PageTable.Lookup(va)
			if !ok {
				continue
			}
			stat.MappedPages++
			rep.TotalMappedPages++
			if p.Shared() {
				rep.SharedPages++
			}
		}
		rep.Regions = append(rep.Regions, stat)
	}
	return rep
}

// String renders the report the way the teaching kernel's own diagnostic
// dumps read: one summary line, then one line per region.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "regions=%d mapped_pages=%d shared_pages=%d\n",
		len(r.Regions), r.TotalMappedPages, r.SharedPages)
	for _, rs := range r.Regions {
		fmt.Fprintf(&b, "  [%#010x,%#010x) %-7s r=%v w=%v x=%v pages=%d\n",
			rs.VBase, rs.VTop, rs.Type, rs.Readable, rs.Writable, rs.Executable, rs.MappedPages)
	}
	return b.String()
}
