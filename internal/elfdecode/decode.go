// Package elfdecode implements the ELF Decoder (spec.md §4.1): it
// validates an ELF image's header and program headers, walks PT_DYNAMIC,
// and produces a Decoded artifact the Load Engine, Resolver, and
// Relocator consume. It never maps memory and never resolves a symbol
// against another module — it only reads the bytes it was given.
//
// The Decoder is parametric in ELF word size (32 vs 64 bit) via the
// wordSize helpers below, not in any storage policy: there is exactly one
// concrete Decoded shape, per the Design Notes' instruction to avoid
// generic-container proliferation.
package elfdecode

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
)

const (
	maxProgHeaders = 32
	maxLoadSegs    = 8
)

// ProgHeader is a trimmed, endian-resolved view of an ELF program header.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Symbol is a decoded dynamic symbol table entry.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Shndx   uint16
	Defined bool
	Weak    bool
}

// RelaEntry is an Elf_Rela-shaped entry (explicit addend).
type RelaEntry struct {
	Offset uint64
	SymIdx uint32
	Type   uint32
	Addend int64
}

// RelEntry is an Elf_Rel-shaped entry (implicit addend, read from the
// target word at relocation time).
type RelEntry struct {
	Offset uint64
	SymIdx uint32
	Type   uint32
}

// TLSImage describes a module's PT_TLS segment.
type TLSImage struct {
	ImageOffset uint64 // file offset of the TLS initialization image
	Filesz      uint64
	Memsz       uint64
	Align       uint64
}

// NeededObserver collects unresolved DT_NEEDED string-table offsets. It
// exists so the Decoder can finish in one pass over PT_DYNAMIC without
// requiring DT_STRTAB to have been seen first (dynamic entries are not
// guaranteed to appear in tag order).
type NeededObserver struct {
	offsets []uint64
}

// Decoded is the complete, immutable result of decoding one ELF image.
// Every field is read-only after Decode returns.
type Decoded struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64

	Progs    []ProgHeader // all program headers
	Segments []ProgHeader // PT_LOAD only, in file order

	// Dynamic holds normalized scalar DT_* tags (address/size/flags
	// values). Repeated tags (DT_NEEDED) are not here; see Needed.
	Dynamic map[elf.DynTag]uint64

	Soname string // DT_SONAME, or "" if absent
	needed NeededObserver
	Needed []string // populated by ReifyNeeded

	Symbols map[string]Symbol // dynsym, keyed by name (last entry wins)
	symList []Symbol          // dynsym in file order, index == symtab index

	Rel    []RelEntry
	Rela   []RelaEntry
	JmpRel []RelaEntry // PLT relocations (always normalized to Rela shape)
	Relr   []RelrEntry

	Init      uint64
	Fini      uint64
	InitArray []uint64
	FiniArray []uint64

	TLS *TLSImage

	raw []byte // the full file image, retained for segment data + string reads

	// Complete is false when a soft malformation was encountered and
	// Diagnostics told the Decoder to continue; callers must check it
	// before relying on fields a malformation may have left unpopulated.
	Complete bool
	Problems []string
}

// RelrEntry is one address requiring an implicit (in-place-addend)
// R_*_RELATIVE relocation, expanded from the DT_RELR compact encoding.
type RelrEntry struct {
	Offset uint64
}

// Decode parses raw ELF bytes into a Decoded artifact. diag decides
// whether soft malformations (a missing optional table, an unknown DT_
// tag) are fatal; hard malformations (bad magic, unsupported machine,
// too many program headers) always fail.
func Decode(raw []byte, diag caps.Diagnostics) (*Decoded, error) {
	if diag == nil {
		diag = NopDiagnostics{}
	}

	ef, err := elf.NewFile(byteReaderAt(raw))
	if err != nil {
		return nil, dlerror.MalformedElfErr(fmt.Sprintf("parse header: %v", err))
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS32 && ef.Class != elf.ELFCLASS64 {
		return nil, dlerror.MalformedElfErr("unknown ELF class")
	}
	if ef.Machine != elf.EM_AARCH64 {
		return nil, dlerror.MalformedElfErr(fmt.Sprintf("unsupported machine %v", ef.Machine))
	}

	d := &Decoded{
		Class:    ef.Class,
		Data:     ef.Data,
		Machine:  ef.Machine,
		Type:     ef.Type,
		Entry:    ef.Entry,
		Dynamic:  make(map[elf.DynTag]uint64),
		Symbols:  make(map[string]Symbol),
		raw:      raw,
		Complete: true,
	}

	if len(ef.Progs) > maxProgHeaders {
		return nil, dlerror.MalformedElfErr(fmt.Sprintf("e_phnum %d exceeds limit %d", len(ef.Progs), maxProgHeaders))
	}

	var dynProg *ProgHeader
	for _, p := range ef.Progs {
		ph := ProgHeader{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		}
		d.Progs = append(d.Progs, ph)

		switch p.Type {
		case elf.PT_LOAD:
			d.Segments = append(d.Segments, ph)
		case elf.PT_DYNAMIC:
			cp := ph
			dynProg = &cp
		case elf.PT_TLS:
			d.TLS = &TLSImage{
				ImageOffset: ph.Off,
				Filesz:      ph.Filesz,
				Memsz:       ph.Memsz,
				Align:       ph.Align,
			}
		}
	}

	if len(d.Segments) > maxLoadSegs {
		return nil, dlerror.MalformedElfErr(fmt.Sprintf("PT_LOAD count %d exceeds limit %d", len(d.Segments), maxLoadSegs))
	}

	if dynProg == nil {
		// A module with no dynamic section (e.g. a static fixture) is
		// legal to decode; it simply has no symbols/relocations/needed
		// entries.
		return d, nil
	}

	if err := d.parseDynamic(*dynProg, diag); err != nil {
		return nil, err
	}

	if err := d.parseSymbols(diag); err != nil {
		return nil, err
	}

	if err := d.parseRelocations(diag); err != nil {
		return nil, err
	}

	if err := d.parseInitFini(diag); err != nil {
		return nil, err
	}

	if soname, ok := d.Dynamic[elf.DT_SONAME]; ok {
		s, err := d.stringAt(soname)
		if err != nil {
			d.soft(diag, "bad DT_SONAME offset: %v", err)
		} else {
			d.Soname = s
		}
	}

	return d, nil
}

func (d *Decoded) soft(diag caps.Diagnostics, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.Problems = append(d.Problems, msg)
	if diag.FormatError("elfdecode", msg) == caps.Abort {
		d.Complete = false
	}
}

// vaddrToOff translates a virtual address to a file offset via the
// PT_LOAD segment that covers it, the same translation a real loader
// performs through the page tables.
func (d *Decoded) vaddrToOff(vaddr uint64) (uint64, error) {
	for _, seg := range d.Segments {
		if vaddr >= seg.Vaddr && vaddr < seg.Vaddr+seg.Filesz {
			return seg.Off + (vaddr - seg.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("vaddr 0x%x not covered by any PT_LOAD segment", vaddr)
}

func (d *Decoded) stringAt(strtabRelOff uint64) (string, error) {
	strtabAddr, ok := d.Dynamic[elf.DT_STRTAB]
	if !ok {
		return "", fmt.Errorf("no DT_STRTAB")
	}
	strsz := d.Dynamic[elf.DT_STRSZ]
	if strtabRelOff >= strsz {
		return "", fmt.Errorf("offset %d >= DT_STRSZ %d", strtabRelOff, strsz)
	}
	base, err := d.vaddrToOff(strtabAddr + strtabRelOff)
	if err != nil {
		return "", err
	}
	end := base
	for end < uint64(len(d.raw)) && d.raw[end] != 0 {
		end++
	}
	if end >= uint64(len(d.raw)) {
		return "", fmt.Errorf("unterminated string at offset %d", base)
	}
	return string(d.raw[base:end]), nil
}

// ReifyNeeded resolves every DT_NEEDED offset collected during decode
// into a canonical name. It is a separate pass (rather than inline during
// parseDynamic) because DT_STRTAB is not guaranteed to appear before
// DT_NEEDED in the dynamic array.
func (d *Decoded) ReifyNeeded() error {
	d.Needed = d.Needed[:0]
	for _, off := range d.needed.offsets {
		s, err := d.stringAt(off)
		if err != nil {
			return dlerror.MalformedElfErr(fmt.Sprintf("bad DT_NEEDED string offset %d: %v", off, err))
		}
		if s == "" {
			return dlerror.MalformedElfErr(fmt.Sprintf("empty DT_NEEDED string at offset %d", off))
		}
		d.Needed = append(d.Needed, s)
	}
	return nil
}

// NopDiagnostics always continues past soft malformations. Useful for
// fixtures/tests that want to assert on Problems rather than errors.
type NopDiagnostics struct{}

func (NopDiagnostics) FormatError(parts ...any) caps.Severity { return caps.Continue }
func (NopDiagnostics) MissingDependency(name string)          {}

// StrictDiagnostics aborts on the first soft malformation.
type StrictDiagnostics struct{}

func (StrictDiagnostics) FormatError(parts ...any) caps.Severity { return caps.Abort }
func (StrictDiagnostics) MissingDependency(name string)          {}

// byteReaderAt adapts a byte slice to io.ReaderAt without an extra copy.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at offset %d", off)
	}
	return n, nil
}

// order returns the binary.ByteOrder matching the ELF image's endianness.
func (d *Decoded) order() binary.ByteOrder {
	if d.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// is64 reports whether this is a 64-bit image.
func (d *Decoded) is64() bool { return d.Class == elf.ELFCLASS64 }
