// Package loadengine implements the Load Engine (spec.md §4.2): mapping a
// Decoded image's PT_LOAD segments into live memory through a
// caps.Mapper, computing load_bias, zero-filling BSS tails, and recording
// each segment's PT_GNU_RELRO range. Re-protecting those ranges read-only
// after relocation is done by reloc.ApplyRelro, not by this package.
package loadengine

import (
	"fmt"
	"sort"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
)

const pageSize = 4096

// Engine maps Decoded images through a caps.Mapper.
type Engine struct {
	mapper caps.Mapper
}

// New creates a Load Engine over mapper.
func New(mapper caps.Mapper) *Engine {
	return &Engine{mapper: mapper}
}

// Map lays out every PT_LOAD segment of d, choosing a single load_bias
// for the whole image (a PIE shared object's segments all move together),
// and returns the runtime segments the Module record should keep. addrHint
// is 0 for a normal relocatable shared object, or a fixed address for a
// non-PIE executable that must land exactly where its p_vaddr says.
func (e *Engine) Map(name string, d *elfdecode.Decoded, addrHint uint64) (loadBias uint64, segs []module.RuntimeSegment, err error) {
	if len(d.Segments) == 0 {
		return 0, nil, dlerror.BadSegmentErr(name, "no PT_LOAD segments")
	}

	lowVaddr, highVaddr, err := spanOf(d.Segments)
	if err != nil {
		return 0, nil, dlerror.BadSegmentErr(name, err.Error())
	}

	span := highVaddr - lowVaddr
	base, err := e.mapper.Map(addrHint, span, caps.PermRead|caps.PermWrite)
	if err != nil {
		return 0, nil, dlerror.SystemErr(fmt.Sprintf("reserve %d bytes for %s", span, name), 0, err)
	}
	loadBias = base - lowVaddr

	for _, ph := range d.Segments {
		runtimeAddr := ph.Vaddr + loadBias
		if ph.Filesz > 0 {
			data := d.SegmentData(ph)
			if uint64(len(data)) != ph.Filesz {
				return 0, nil, dlerror.BadSegmentErr(name, fmt.Sprintf("short segment data at vaddr 0x%x", ph.Vaddr))
			}
			if err := e.mapper.Write(runtimeAddr, data); err != nil {
				return 0, nil, dlerror.SystemErr(fmt.Sprintf("write segment at 0x%x", runtimeAddr), 0, err)
			}
		}
		if ph.Memsz > ph.Filesz {
			bss := make([]byte, ph.Memsz-ph.Filesz)
			if err := e.mapper.Write(runtimeAddr+ph.Filesz, bss); err != nil {
				return 0, nil, dlerror.SystemErr(fmt.Sprintf("zero bss at 0x%x", runtimeAddr+ph.Filesz), 0, err)
			}
		}

		rs := module.RuntimeSegment{ProgHeader: ph, RuntimeAddr: runtimeAddr}
		segs = append(segs, rs)

		perm := permOf(ph)
		if perm != caps.PermRead|caps.PermWrite {
			if err := e.mapper.Protect(runtimeAddr, ph.Memsz, perm); err != nil {
				return 0, nil, dlerror.SystemErr(fmt.Sprintf("protect segment at 0x%x", runtimeAddr), 0, err)
			}
		}
	}

	applyRelro(segs, loadBias, d)

	return loadBias, segs, nil
}

// Unmap releases every segment previously returned by Map, on a failed
// partial load's rollback path (spec.md §4.2/§5).
func (e *Engine) Unmap(segs []module.RuntimeSegment) []error {
	var errs []error
	for _, s := range segs {
		if err := e.mapper.Unmap(s.RuntimeAddr, s.Memsz); err != nil {
			errs = append(errs, dlerror.SystemErr(fmt.Sprintf("unmap 0x%x", s.RuntimeAddr), 0, err))
		}
	}
	return errs
}

func spanOf(segs []elfdecode.ProgHeader) (low, high uint64, err error) {
	low = ^uint64(0)
	for _, s := range segs {
		if s.Vaddr < low {
			low = s.Vaddr
		}
		end := s.Vaddr + s.Memsz
		if end > high {
			high = s.Vaddr + roundUp(s.Memsz, pageSize)
		}
		if end < s.Vaddr {
			return 0, 0, fmt.Errorf("segment at vaddr 0x%x overflows", s.Vaddr)
		}
	}
	if high <= low {
		return 0, 0, fmt.Errorf("degenerate PT_LOAD span")
	}
	if err := checkOverlap(segs); err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

// checkOverlap refuses a PT_LOAD layout where two segments' virtual
// address ranges intersect (spec.md §4.2: "refuse overlapping segments").
// A sorted sweep over [Vaddr, Vaddr+Memsz) catches every overlapping pair:
// once sorted by Vaddr, two segments overlap iff one starts before its
// immediate predecessor ends.
func checkOverlap(segs []elfdecode.ProgHeader) error {
	sorted := make([]elfdecode.ProgHeader, len(segs))
	copy(sorted, segs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vaddr < sorted[j].Vaddr })

	for i := 1; i < len(sorted); i++ {
		prevEnd := sorted[i-1].Vaddr + sorted[i-1].Memsz
		if sorted[i].Vaddr < prevEnd {
			return fmt.Errorf("segment at vaddr 0x%x overlaps segment at vaddr 0x%x (ends 0x%x)",
				sorted[i].Vaddr, sorted[i-1].Vaddr, prevEnd)
		}
	}
	return nil
}

func permOf(ph elfdecode.ProgHeader) caps.Perm {
	var p caps.Perm
	if ph.Flags&elfFlagR != 0 {
		p |= caps.PermRead
	}
	if ph.Flags&elfFlagW != 0 {
		p |= caps.PermWrite
	}
	if ph.Flags&elfFlagX != 0 {
		p |= caps.PermExec
	}
	return p
}

// elf.ProgFlag's R/W/X bits, restated locally so this package doesn't need
// to import debug/elf just for three bit constants.
const (
	elfFlagX = 0x1
	elfFlagW = 0x2
	elfFlagR = 0x4
)

// applyRelro records the PT_GNU_RELRO range (if any) on whichever runtime
// segment it falls inside. The actual re-protection happens later, via
// reloc.ApplyRelro, once that module's relocations have run — recording
// the range here only captures layout, which Map already knows and a
// later pass over Progs would otherwise have to recompute.
func applyRelro(segs []module.RuntimeSegment, loadBias uint64, d *elfdecode.Decoded) {
	for _, p := range d.Progs {
		if p.Type != progTypeGNURelro {
			continue
		}
		start := p.Vaddr + loadBias
		end := start + p.Memsz
		for i := range segs {
			if start >= segs[i].RuntimeAddr && start < segs[i].RuntimeAddr+segs[i].Memsz {
				segs[i].RelroStart = start
				segs[i].RelroEnd = end
			}
		}
	}
}

// progTypeGNURelro is elf.PT_GNU_RELRO's numeric value (0x6474e552),
// restated locally for the same reason as elfFlagX/W/R above.
const progTypeGNURelro = 0x6474e552

func roundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
