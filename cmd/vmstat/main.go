// Command vmstat runs a small scripted address-space demo from a txtar
// fixture and prints a vmstat report, exercising the core end to end
// without a real kernel around it: region setup, faults, fork, mmap.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/tools/txtar"

	"vmkern/internal/backing"
	"vmkern/internal/frame"
	"vmkern/internal/tlbdev"
	"vmkern/internal/vm"
	"vmkern/internal/vmstat"
)

func main() {
	fixture := flag.String("fixture", "testdata/demo.txtar", "txtar archive holding script.txt plus any backing files it mmaps")
	flag.Parse()

	if err := run(*fixture); err != nil {
		fmt.Fprintln(os.Stderr, "vmstat:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading fixture: %w", err)
	}
	arc := txtar.Parse(raw)

	var script []byte
	files := backing.NewTable()
	fd := 3
	fdByName := map[string]int{}
	for _, f := range arc.Files {
		if f.Name == "script.txt" {
			script = f.Data
			continue
		}
		files.Add(fd, backing.NewMemFile(f.Data))
		fdByName[f.Name] = fd
		fd++
	}
	if script == nil {
		return fmt.Errorf("fixture %s has no script.txt", path)
	}

	as := vm.Create(frame.NewFake(0), tlbdev.NewFake(64), files)
	as.DefineStack()

	p := message.NewPrinter(language.English)
	children := map[string]*vm.AddressSpace{as0Name: as}
	lastMmap := map[string]uintptr{}

	sc := bufio.NewScanner(strings.NewReader(string(script)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := exec(p, children, fdByName, lastMmap, line); err != nil {
			return fmt.Errorf("line %q: %w", line, err)
		}
	}
	return sc.Err()
}

const as0Name = "root"

func exec(p *message.Printer, spaces map[string]*vm.AddressSpace, fds map[string]int, lastMmap map[string]uintptr, line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "write":
		as, off, err := target(spaces, fields[1], fields[2])
		if err != nil {
			return err
		}
		return as.VMFault(vm.FaultWrite, as.HeapStart+off)

	case "fork":
		parent := spaces[fields[1]]
		child, err := parent.Copy()
		if err != nil {
			return err
		}
		spaces[fields[2]] = child
		return nil

	case "mmap":
		as := spaces[fields[1]]
		fd, ok := fds[fields[2]]
		if !ok {
			return fmt.Errorf("unknown backing file %q", fields[2])
		}
		length, err := strconv.Atoi(fields[3])
		if err != nil {
			return err
		}
		vbase, err := as.Mmap(length, unix.PROT_READ, fd, 0)
		if err != nil {
			return err
		}
		lastMmap[fields[1]] = vbase
		return nil

	case "touch-mmap":
		as, ok := spaces[fields[1]]
		if !ok {
			return fmt.Errorf("unknown address space %q", fields[1])
		}
		vbase, ok := lastMmap[fields[1]]
		if !ok {
			return fmt.Errorf("no mmap recorded for %q", fields[1])
		}
		return as.VMFault(vm.FaultRead, vbase)

	case "report":
		as := spaces[fields[1]]
		rep := vmstat.Collect(as)
		p.Printf("%s: %d region(s), %d mapped page(s), %d shared page(s)\n",
			fields[1], len(rep.Regions), rep.TotalMappedPages, rep.SharedPages)
		fmt.Print(rep.String())
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func target(spaces map[string]*vm.AddressSpace, name, offsetHex string) (*vm.AddressSpace, uintptr, error) {
	as, ok := spaces[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown address space %q", name)
	}
	off, err := strconv.ParseUint(strings.TrimPrefix(offsetHex, "0x"), 16, 64)
	if err != nil {
		return nil, 0, err
	}
	return as, uintptr(off), nil
}
