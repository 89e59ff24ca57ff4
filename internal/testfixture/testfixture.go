// Package testfixture builds synthetic ELF64/AArch64 shared object bytes
// for exercising internal/elfdecode and internal/runtime without a real
// toolchain-produced .so on disk. Every fixture places its single PT_LOAD
// segment at file offset 0 with Vaddr == Off, so every dynamic-section
// address is numerically identical to its file offset — deliberately not
// how a real linker lays a module out, but decode.go never assumes
// anything stronger than "some PT_LOAD segment covers this vaddr".
package testfixture

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// SymbolDef describes one dynsym entry to emit.
type SymbolDef struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Defined bool
}

// RelaDef describes one Elf64_Rela entry. SymIdx indexes Builder.Symbols,
// offset by one to account for the reserved null symbol at index 0 (so
// SymIdx 0 in a RelaDef means "first symbol appended to Builder.Symbols").
type RelaDef struct {
	Offset uint64
	SymIdx uint32
	Type   uint32
	Addend int64
}

// Builder accumulates the pieces of a synthetic shared object.
type Builder struct {
	Soname    string
	Needed    []string
	Symbols   []SymbolDef
	Init      uint64
	Fini      uint64
	InitArray []uint64
	FiniArray []uint64
	Rela      []RelaDef
	TLSImage  []byte
	TLSMemsz  uint64
	TLSAlign  uint64
}

const (
	ehdrSize = 64
	phdrSize = 56
	symSize  = 24
	dynSize  = 16
	relaSize = 24
)

// Build emits the complete file image.
func (b *Builder) Build() []byte {
	strtab := newStrtab()
	for _, n := range b.Needed {
		strtab.add(n)
	}
	if b.Soname != "" {
		strtab.add(b.Soname)
	}
	for _, s := range b.Symbols {
		if s.Name != "" {
			strtab.add(s.Name)
		}
	}

	numProgs := 1 // the single PT_LOAD span
	havePTDynamic := true
	numProgs++
	havePTTLS := len(b.TLSImage) > 0 || b.TLSMemsz > 0
	if havePTTLS {
		numProgs++
	}

	dataStart := uint64(ehdrSize + numProgs*phdrSize)

	symtabOff := dataStart
	symtabSize := uint64(len(b.Symbols)+1) * symSize // +1 for the reserved null entry

	strtabOff := symtabOff + symtabSize
	strtabBytes := strtab.bytes()
	strtabSize := uint64(len(strtabBytes))

	numSyms := uint32(len(b.Symbols) + 1)
	hashOff := strtabOff + strtabSize
	hashSize := uint64(8 + 4 + 4*numSyms) // nbucket=1, nchain=numSyms

	initArrayOff := hashOff + hashSize
	initArraySize := uint64(len(b.InitArray)) * 8
	finiArrayOff := initArrayOff + initArraySize
	finiArraySize := uint64(len(b.FiniArray)) * 8

	relaOff := finiArrayOff + finiArraySize
	relaSizeTotal := uint64(len(b.Rela)) * relaSize

	tlsOff := relaOff + relaSizeTotal
	tlsSize := uint64(len(b.TLSImage))

	dynOff := tlsOff + tlsSize

	var dynEntries [][2]uint64
	for _, n := range b.Needed {
		dynEntries = append(dynEntries, [2]uint64{uint64(elf.DT_NEEDED), strtab.off[n]})
	}
	if b.Soname != "" {
		dynEntries = append(dynEntries, [2]uint64{uint64(elf.DT_SONAME), strtab.off[b.Soname]})
	}
	dynEntries = append(dynEntries,
		[2]uint64{uint64(elf.DT_STRTAB), strtabOff},
		[2]uint64{uint64(elf.DT_STRSZ), strtabSize},
		[2]uint64{uint64(elf.DT_SYMTAB), symtabOff},
		[2]uint64{uint64(elf.DT_SYMENT), symSize},
		[2]uint64{uint64(elf.DT_HASH), hashOff},
	)
	if b.Init != 0 {
		dynEntries = append(dynEntries, [2]uint64{uint64(elf.DT_INIT), b.Init})
	}
	if b.Fini != 0 {
		dynEntries = append(dynEntries, [2]uint64{uint64(elf.DT_FINI), b.Fini})
	}
	if len(b.InitArray) > 0 {
		dynEntries = append(dynEntries,
			[2]uint64{uint64(elf.DT_INIT_ARRAY), initArrayOff},
			[2]uint64{uint64(elf.DT_INIT_ARRAYSZ), initArraySize},
		)
	}
	if len(b.FiniArray) > 0 {
		dynEntries = append(dynEntries,
			[2]uint64{uint64(elf.DT_FINI_ARRAY), finiArrayOff},
			[2]uint64{uint64(elf.DT_FINI_ARRAYSZ), finiArraySize},
		)
	}
	if len(b.Rela) > 0 {
		dynEntries = append(dynEntries,
			[2]uint64{uint64(elf.DT_RELA), relaOff},
			[2]uint64{uint64(elf.DT_RELASZ), relaSizeTotal},
			[2]uint64{uint64(elf.DT_RELAENT), relaSize},
		)
	}
	dynEntries = append(dynEntries, [2]uint64{uint64(elf.DT_NULL), 0})
	dynSizeTotal := uint64(len(dynEntries)) * dynSize

	fileEnd := dynOff + dynSizeTotal

	buf := make([]byte, fileEnd)
	le := binary.LittleEndian

	// ELF identification + header.
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	buf[7] = byte(elf.ELFOSABI_NONE)
	le.PutUint16(buf[16:18], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:20], uint16(elf.EM_AARCH64))
	le.PutUint32(buf[20:24], 1) // e_version
	le.PutUint64(buf[24:32], 0) // e_entry
	le.PutUint64(buf[32:40], ehdrSize) // e_phoff
	le.PutUint64(buf[40:48], 0)        // e_shoff
	le.PutUint32(buf[48:52], 0)        // e_flags
	le.PutUint16(buf[52:54], ehdrSize) // e_ehsize
	le.PutUint16(buf[54:56], phdrSize) // e_phentsize
	le.PutUint16(buf[56:58], uint16(numProgs))
	le.PutUint16(buf[58:60], 0) // e_shentsize
	le.PutUint16(buf[60:62], 0) // e_shnum
	le.PutUint16(buf[62:64], 0) // e_shstrndx

	ph := ehdrSize
	writeProg := func(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, filesz, memsz, align uint64) {
		le.PutUint32(buf[ph:ph+4], uint32(typ))
		le.PutUint32(buf[ph+4:ph+8], uint32(flags))
		le.PutUint64(buf[ph+8:ph+16], off)
		le.PutUint64(buf[ph+16:ph+24], vaddr)
		le.PutUint64(buf[ph+24:ph+32], vaddr)
		le.PutUint64(buf[ph+32:ph+40], filesz)
		le.PutUint64(buf[ph+40:ph+48], memsz)
		le.PutUint64(buf[ph+48:ph+56], align)
		ph += phdrSize
	}

	writeProg(elf.PT_LOAD, elf.PF_R|elf.PF_W|elf.PF_X, 0, 0, fileEnd, fileEnd, 0x1000)
	if havePTDynamic {
		writeProg(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynOff, dynOff, dynSizeTotal, dynSizeTotal, 8)
	}
	if havePTTLS {
		memsz := b.TLSMemsz
		if memsz < tlsSize {
			memsz = tlsSize
		}
		align := b.TLSAlign
		if align == 0 {
			align = 8
		}
		writeProg(elf.PT_TLS, elf.PF_R, tlsOff, tlsOff, tlsSize, memsz, align)
	}

	// dynsym: reserved null entry, then one per SymbolDef.
	symOff := symtabOff
	symOff += symSize // skip reserved entry (already zeroed)
	for _, s := range b.Symbols {
		var nameOff uint32
		if s.Name != "" {
			nameOff = uint32(strtab.off[s.Name])
		}
		info := byte(s.Bind)<<4 | byte(s.Type)
		shndx := uint16(elf.SHN_UNDEF)
		if s.Defined {
			shndx = 1
		}
		le.PutUint32(buf[symOff:symOff+4], nameOff)
		buf[symOff+4] = info
		buf[symOff+5] = 0
		le.PutUint16(buf[symOff+6:symOff+8], shndx)
		le.PutUint64(buf[symOff+8:symOff+16], s.Value)
		le.PutUint64(buf[symOff+16:symOff+24], s.Size)
		symOff += symSize
	}

	copy(buf[strtabOff:strtabOff+strtabSize], strtabBytes)

	le.PutUint32(buf[hashOff:hashOff+4], 1) // nbucket
	le.PutUint32(buf[hashOff+4:hashOff+8], numSyms)
	// bucket[0] and chain[...] stay zero: lookups through this hash table
	// are never performed, only nchain is read for the symbol count.

	p := initArrayOff
	for _, a := range b.InitArray {
		le.PutUint64(buf[p:p+8], a)
		p += 8
	}
	p = finiArrayOff
	for _, a := range b.FiniArray {
		le.PutUint64(buf[p:p+8], a)
		p += 8
	}

	p = relaOff
	for _, r := range b.Rela {
		symIdx := uint64(r.SymIdx) + 1 // account for the reserved null entry
		info := (symIdx << 32) | uint64(r.Type)
		le.PutUint64(buf[p:p+8], r.Offset)
		le.PutUint64(buf[p+8:p+16], info)
		le.PutUint64(buf[p+16:p+24], uint64(r.Addend))
		p += relaSize
	}

	copy(buf[tlsOff:tlsOff+tlsSize], b.TLSImage)

	dp := dynOff
	for _, e := range dynEntries {
		le.PutUint64(buf[dp:dp+8], e[0])
		le.PutUint64(buf[dp+8:dp+16], e[1])
		dp += dynSize
	}

	return buf
}

// strtab accumulates a null-terminated string table, starting with the
// mandatory leading NUL (offset 0 means "no name").
type strtab struct {
	buf bytes.Buffer
	off map[string]uint64
}

func newStrtab() *strtab {
	s := &strtab{off: make(map[string]uint64)}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(str string) uint64 {
	if off, ok := s.off[str]; ok {
		return off
	}
	off := uint64(s.buf.Len())
	s.buf.WriteString(str)
	s.buf.WriteByte(0)
	s.off[str] = off
	return off
}

func (s *strtab) bytes() []byte { return s.buf.Bytes() }
