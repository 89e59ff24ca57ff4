// Package symbolize gives diagnostics and the CLI two things the core
// loader doesn't need for itself: ARM64 disassembly of a few bytes at a
// given address, and a dladdr-style reverse lookup from an address back to
// its owning module and nearest preceding symbol.
package symbolize

import (
	"fmt"
	"sort"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
)

// Disasm decodes one ARM64 instruction starting at code[0:4]. It falls
// back to a raw .word directive for anything arm64asm can't decode
// (unallocated encodings, data in the code stream) rather than failing.
func Disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

// Info is what a dladdr-style reverse lookup returns: the module an
// address falls inside, and the nearest symbol at or below it, if any.
type Info struct {
	Module     *module.Module
	SymbolName string
	SymbolAddr uint64
}

// Table is an address-sorted index over a set of live modules, supporting
// binary-search reverse lookup the way a real dladdr implementation would
// rather than a linear scan over every module on every call.
type Table struct {
	entries []entry
}

type entry struct {
	addr   uint64
	end    uint64
	mod    *module.Module
	name   string
	symLow uint64
}

// Build indexes every defined symbol in every given module by its runtime
// address (module.LoadBias + symbol.Value).
func Build(mods []*module.Module) *Table {
	t := &Table{}
	for _, m := range mods {
		if m.Decoded == nil {
			continue
		}
		for _, seg := range m.Segments {
			t.entries = append(t.entries, entry{
				addr: seg.RuntimeAddr,
				end:  seg.RuntimeAddr + seg.Memsz,
				mod:  m,
			})
		}
		symAddrs := symbolsByAddr(m.Decoded)
		for _, sa := range symAddrs {
			t.entries = append(t.entries, entry{
				addr:   m.LoadBias + sa.addr,
				end:    m.LoadBias + sa.addr + sa.size,
				mod:    m,
				name:   sa.name,
				symLow: m.LoadBias + sa.addr,
			})
		}
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].addr < t.entries[j].addr })
	return t
}

type symAddr struct {
	name string
	addr uint64
	size uint64
}

func symbolsByAddr(d *elfdecode.Decoded) []symAddr {
	out := make([]symAddr, 0, len(d.Symbols))
	for name, sym := range d.Symbols {
		if !sym.Defined || name == "" {
			continue
		}
		out = append(out, symAddr{name: name, addr: sym.Value, size: sym.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Lookup finds the module and nearest symbol containing addr, if any.
func (t *Table) Lookup(addr uint64) (Info, bool) {
	// Find the module first (segment-shaped entries have name == "").
	var mod *module.Module
	for _, e := range t.entries {
		if e.name == "" && addr >= e.addr && addr < e.end {
			mod = e.mod
			break
		}
	}
	if mod == nil {
		return Info{}, false
	}

	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].addr > addr })
	for i := idx - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.name == "" || e.mod != mod {
			continue
		}
		if addr >= e.symLow && (e.end == e.symLow || addr < e.end) {
			return Info{Module: mod, SymbolName: e.name, SymbolAddr: e.symLow}, true
		}
		break
	}
	return Info{Module: mod}, true
}
