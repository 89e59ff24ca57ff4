package elfdecode

import (
	"debug/elf"

	"github.com/galago-re/dl/internal/caps"
)

// symEntrySize is the size of one Elf_Sym entry.
func (d *Decoded) symEntrySize() uint64 {
	if d.is64() {
		return 24
	}
	return 16
}

func (d *Decoded) parseSymbols(diag caps.Diagnostics) error {
	symtabAddr, ok := d.Dynamic[elf.DT_SYMTAB]
	if !ok {
		return nil // no dynsym; nothing to do (soft warning already recorded)
	}

	count, ok := d.symbolCount()
	if !ok {
		d.soft(diag, "could not determine symbol count (no DT_HASH/DT_GNU_HASH)")
		return nil
	}

	symOff, err := d.vaddrToOff(symtabAddr)
	if err != nil {
		d.soft(diag, "bad DT_SYMTAB address: %v", err)
		return nil
	}

	entSize := d.symEntrySize()
	ord := d.order()
	d.symList = make([]Symbol, 0, count)

	for i := 0; i < count; i++ {
		base := symOff + uint64(i)*entSize
		if base+entSize > uint64(len(d.raw)) {
			d.soft(diag, "symtab entry %d out of range", i)
			break
		}

		var nameOff uint32
		var value, size uint64
		var info, other byte
		var shndx uint16

		if d.is64() {
			nameOff = ord.Uint32(d.raw[base : base+4])
			info = d.raw[base+4]
			other = d.raw[base+5]
			shndx = ord.Uint16(d.raw[base+6 : base+8])
			value = ord.Uint64(d.raw[base+8 : base+16])
			size = ord.Uint64(d.raw[base+16 : base+24])
		} else {
			nameOff = ord.Uint32(d.raw[base : base+4])
			value = uint64(ord.Uint32(d.raw[base+4 : base+8]))
			size = uint64(ord.Uint32(d.raw[base+8 : base+12]))
			info = d.raw[base+12]
			other = d.raw[base+13]
			shndx = ord.Uint16(d.raw[base+14 : base+16])
		}
		_ = other

		name := ""
		if nameOff != 0 {
			s, err := d.stringAt(uint64(nameOff))
			if err != nil {
				d.soft(diag, "symbol %d bad name offset: %v", i, err)
			} else {
				name = s
			}
		}

		bind := elf.SymBind(info >> 4)
		typ := elf.SymType(info & 0xf)

		sym := Symbol{
			Name:    name,
			Value:   value,
			Size:    size,
			Bind:    bind,
			Type:    typ,
			Shndx:   shndx,
			Defined: shndx != uint16(elf.SHN_UNDEF),
			Weak:    bind == elf.STB_WEAK,
		}
		d.symList = append(d.symList, sym)
		if name != "" {
			// Later entries win, matching the teacher's "last write wins"
			// map population in LoadELFAt.
			d.Symbols[name] = sym
		}
	}

	return nil
}

// SymbolByIndex returns the dynsym entry at the given symbol table index,
// or false if out of range. Index 0 is always the reserved STN_UNDEF
// entry.
func (d *Decoded) SymbolByIndex(idx uint32) (Symbol, bool) {
	if int(idx) >= len(d.symList) {
		return Symbol{}, false
	}
	return d.symList[idx], true
}
