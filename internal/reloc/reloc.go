// Package reloc implements the Relocator (spec.md §4.5): it walks a
// module's REL/RELA/RELR/JMPREL tables and writes resolved values through
// a caps.Mapper, binding symbolic relocations via a resolver.Resolver.
//
// Relocation type numbers are AArch64 (the teacher's only target); adding
// a second architecture means adding a second switch table keyed by
// elf.Machine, not touching the walking logic below.
package reloc

import (
	"fmt"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/module"
	"github.com/galago-re/dl/internal/resolver"
)

// AArch64 relocation type numbers (ELF for the ARM 64-bit Architecture).
const (
	rAArch64Abs64     = 257
	rAArch64Abs32     = 258
	rAArch64Copy      = 1024
	rAArch64GlobDat   = 1025
	rAArch64JumpSlot  = 1026
	rAArch64Relative  = 1027
	rAArch64TLSDTPMod = 1028
	rAArch64TLSDTPRel = 1029
	rAArch64TLSTPRel  = 1030
	rAArch64TLSDesc   = 1031
)

// TLSAssigner supplies the module id and static/dynamic offset a TLS
// relocation should bind to. The Relocator does not compute TLS layout
// itself — that is the TLS Engine's job (spec.md §4.6) — it only asks for
// the numbers to write into GOT/TLSDESC slots.
type TLSAssigner interface {
	// ModID returns m's stable TLS module id.
	ModID(m *module.Module) uint32
	// StaticOffset reports m's final offset into the shared static TLS
	// block, and whether m is part of the static set at all. A dlopen-
	// loaded module is never in the static set (spec.md §4.5).
	StaticOffset(m *module.Module) (uint64, bool)
	// TLSDescResolver returns the address of the TLSDESC resolver stub to
	// install for a dynamic-model descriptor (the runtime always uses the
	// general dynamic model; it never open-codes initial-exec offsets).
	TLSDescResolver() uint64
}

// Relocator applies one module's relocation tables against live memory.
type Relocator struct {
	mapper   caps.Mapper
	resolver *resolver.Resolver
	tlsAsn   TLSAssigner
}

// New creates a Relocator.
func New(mapper caps.Mapper, res *resolver.Resolver, tlsAsn TLSAssigner) *Relocator {
	return &Relocator{mapper: mapper, resolver: res, tlsAsn: tlsAsn}
}

// Apply walks m's Rel, Rela, JmpRel, and Relr tables in that order and writes each
// resolved value through the Mapper, using scopeRoot's scope for symbolic
// lookups (spec.md §4.4's composite rule). It stops at the first
// unsupported relocation type or unresolved non-weak symbol.
func (r *Relocator) Apply(m, scopeRoot *module.Module) error {
	d := m.Decoded

	for _, e := range d.Rel {
		if err := r.applyOne(m, scopeRoot, e.Offset, e.Type, e.SymIdx, 0); err != nil {
			return err
		}
	}
	for _, e := range d.Rela {
		if err := r.applyOne(m, scopeRoot, e.Offset, e.Type, e.SymIdx, e.Addend); err != nil {
			return err
		}
	}
	for _, e := range d.JmpRel {
		if err := r.applyOne(m, scopeRoot, e.Offset, e.Type, e.SymIdx, e.Addend); err != nil {
			return err
		}
	}
	for _, e := range d.Relr {
		// DT_RELR entries carry no addend of their own: the in-place word
		// at the target already holds the link-time address, and the
		// relocation is base-relative (R_AARCH64_RELATIVE with an implicit
		// addend read from memory).
		if err := r.applyRelrEntry(m, e.Offset); err != nil {
			return err
		}
	}

	return nil
}

func (r *Relocator) applyRelrEntry(m *module.Module, offset uint64) error {
	target := m.LoadBias + offset
	word, err := r.mapper.Read(target, 8)
	if err != nil {
		return dlerror.SystemErr(fmt.Sprintf("RELR read at 0x%x", target), 0, err)
	}
	linkAddr := leUint64(word)
	return r.writeWord(target, m.LoadBias+linkAddr)
}

func (r *Relocator) applyOne(m, scopeRoot *module.Module, offset uint64, relType uint32, symIdx uint32, addend int64) error {
	target := m.LoadBias + offset

	switch relType {
	case rAArch64Relative:
		return r.writeWord(target, uint64(int64(m.LoadBias)+addend))

	case rAArch64GlobDat, rAArch64JumpSlot:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		if !ok {
			return dlerror.MalformedElfErr(fmt.Sprintf("relocation references symbol index %d out of range", symIdx))
		}
		defMod, defSym, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, sym.Weak)
		switch outcome {
		case resolver.Resolved:
			return r.writeWord(target, defMod.LoadBias+defSym.Value)
		case resolver.WeakUndefined:
			return r.writeWord(target, 0)
		default:
			return dlerror.UndefinedSymbolErr(sym.Name, m.CanonicalName)
		}

	case rAArch64Abs64, rAArch64Abs32:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		if !ok {
			return dlerror.MalformedElfErr(fmt.Sprintf("relocation references symbol index %d out of range", symIdx))
		}
		if sym.Value != 0 && sym.Defined {
			// Locally defined: resolve within this module directly, no
			// scope scan needed (mirrors the teacher's "st_value > 0"
			// fast path).
			return r.writeWord(target, uint64(int64(m.LoadBias+sym.Value)+addend))
		}
		defMod, defSym, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, sym.Weak)
		switch outcome {
		case resolver.Resolved:
			return r.writeWord(target, uint64(int64(defMod.LoadBias+defSym.Value)+addend))
		case resolver.WeakUndefined:
			return r.writeWord(target, uint64(addend))
		default:
			return dlerror.UndefinedSymbolErr(sym.Name, m.CanonicalName)
		}

	case rAArch64Copy:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		if !ok {
			return dlerror.MalformedElfErr(fmt.Sprintf("copy relocation references symbol index %d out of range", symIdx))
		}
		defMod, defSym, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, false)
		if outcome != resolver.Resolved {
			return dlerror.UndefinedSymbolErr(sym.Name, m.CanonicalName)
		}
		data, err := r.mapper.Read(defMod.LoadBias+defSym.Value, defSym.Size)
		if err != nil {
			return dlerror.SystemErr("copy relocation source read", 0, err)
		}
		return r.mapper.Write(target, data)

	case rAArch64TLSDTPMod:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		targetMod := m
		if ok && sym.Name != "" {
			if defMod, _, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, sym.Weak); outcome == resolver.Resolved {
				targetMod = defMod
			}
		}
		return r.writeWord(target, uint64(r.tlsAsn.ModID(targetMod)))

	case rAArch64TLSDTPRel:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		if !ok {
			return r.writeWord(target, uint64(addend))
		}
		return r.writeWord(target, uint64(int64(sym.Value)+addend))

	case rAArch64TLSTPRel:
		// A TP-relative relocation writes a single GOT word: the target
		// module's offset into the static TLS block. Only startup modules
		// are ever in the static set (spec.md §4.5); a dlopen-loaded
		// module referenced here is a malformed input.
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		targetMod := m
		if ok && sym.Name != "" {
			defMod, _, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, sym.Weak)
			if outcome == resolver.WeakUndefined {
				return r.writeWord(target, uint64(addend))
			}
			if outcome != resolver.Resolved {
				return dlerror.UndefinedSymbolErr(sym.Name, m.CanonicalName)
			}
			targetMod = defMod
		}
		off, ok := r.tlsAsn.StaticOffset(targetMod)
		if !ok {
			return dlerror.MalformedElfErr(fmt.Sprintf("%s: TLS offset relocation targets %s, which is not in the static TLS set", m.CanonicalName, targetMod.CanonicalName))
		}
		return r.writeWord(target, uint64(int64(off)+addend))

	case rAArch64TLSDesc:
		sym, ok := m.Decoded.SymbolByIndex(symIdx)
		if !ok {
			return dlerror.MalformedElfErr(fmt.Sprintf("TLSDESC relocation references symbol index %d out of range", symIdx))
		}
		defMod, defSym, outcome := r.resolver.LookupForRelocation(m, scopeRoot, sym.Name, sym.Weak)
		if outcome != resolver.Resolved {
			if outcome == resolver.WeakUndefined {
				if err := r.writeWord(target, r.tlsAsn.TLSDescResolver()); err != nil {
					return err
				}
				return r.writeWord(target+8, 0)
			}
			return dlerror.UndefinedSymbolErr(sym.Name, m.CanonicalName)
		}
		if err := r.writeWord(target, r.tlsAsn.TLSDescResolver()); err != nil {
			return err
		}
		return r.writeWord(target+8, uint64(int64(defSym.Value)+addend)+uint64(r.tlsAsn.ModID(defMod))<<32)

	default:
		return dlerror.UnsupportedRelocErr(relType)
	}
}

func (r *Relocator) writeWord(addr, value uint64) error {
	buf := make([]byte, 8)
	leputUint64(buf, value)
	if err := r.mapper.Write(addr, buf); err != nil {
		return dlerror.SystemErr(fmt.Sprintf("relocation write at 0x%x", addr), 0, err)
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leputUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// ApplyRelro re-protects a module's PT_GNU_RELRO ranges read-only after
// all relocations for that module have been applied (spec.md §4.5: RELRO
// re-protection happens once per module, after its own relocation pass,
// not after the whole graph finishes).
func ApplyRelro(mapper caps.Mapper, m *module.Module) error {
	for _, seg := range m.Segments {
		if seg.RelroEnd <= seg.RelroStart {
			continue
		}
		if err := mapper.Protect(seg.RelroStart, seg.RelroEnd-seg.RelroStart, caps.PermRead); err != nil {
			return dlerror.SystemErr("RELRO re-protect", 0, err)
		}
	}
	return nil
}
