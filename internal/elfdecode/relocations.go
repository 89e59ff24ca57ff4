package elfdecode

import (
	"debug/elf"

	"github.com/galago-re/dl/internal/caps"
)

// DT_RELR and friends are not in debug/elf's DynTag table (they postdate
// most Go releases); the values are fixed by the generic ABI.
const (
	dtRELRSZ  elf.DynTag = 35
	dtRELR    elf.DynTag = 36
	dtRELRENT elf.DynTag = 37
)

// parseRelocations reads DT_REL/DT_RELA, DT_JMPREL (guided by DT_PLTREL),
// and DT_RELR out of the raw image.
func (d *Decoded) parseRelocations(diag caps.Diagnostics) error {
	if relaAddr, ok := d.Dynamic[elf.DT_RELA]; ok {
		sz := d.Dynamic[elf.DT_RELASZ]
		entries, err := d.readRela(relaAddr, sz)
		if err != nil {
			d.soft(diag, "DT_RELA: %v", err)
		} else {
			d.Rela = entries
		}
	}

	if relAddr, ok := d.Dynamic[elf.DT_REL]; ok {
		sz := d.Dynamic[elf.DT_RELSZ]
		entries, err := d.readRel(relAddr, sz)
		if err != nil {
			d.soft(diag, "DT_REL: %v", err)
		} else {
			d.Rel = entries
		}
	}

	if jmprelAddr, ok := d.Dynamic[elf.DT_JMPREL]; ok {
		sz := d.Dynamic[elf.DT_PLTRELSZ]
		useRela := d.Dynamic[elf.DT_PLTREL] == uint64(elf.DT_RELA)
		if useRela {
			entries, err := d.readRela(jmprelAddr, sz)
			if err != nil {
				d.soft(diag, "DT_JMPREL: %v", err)
			} else {
				d.JmpRel = entries
			}
		} else {
			entries, err := d.readRel(jmprelAddr, sz)
			if err != nil {
				d.soft(diag, "DT_JMPREL: %v", err)
			} else {
				for _, e := range entries {
					d.JmpRel = append(d.JmpRel, RelaEntry{Offset: e.Offset, SymIdx: e.SymIdx, Type: e.Type})
				}
			}
		}
	}

	if relrAddr, ok := d.Dynamic[dtRELR]; ok {
		sz := d.Dynamic[dtRELRSZ]
		entries, err := d.readRelr(relrAddr, sz)
		if err != nil {
			d.soft(diag, "DT_RELR: %v", err)
		} else {
			d.Relr = entries
		}
	}

	return nil
}

func (d *Decoded) readRela(addr, size uint64) ([]RelaEntry, error) {
	off, err := d.vaddrToOff(addr)
	if err != nil {
		return nil, err
	}
	const entSize64 = 24
	entSize := uint64(entSize64)
	if !d.is64() {
		entSize = 12
	}
	ord := d.order()
	var out []RelaEntry
	for p := off; p+entSize <= off+size && p+entSize <= uint64(len(d.raw)); p += entSize {
		if d.is64() {
			r := ord.Uint64(d.raw[p : p+8])
			info := ord.Uint64(d.raw[p+8 : p+16])
			addend := int64(ord.Uint64(d.raw[p+16 : p+24]))
			out = append(out, RelaEntry{
				Offset: r,
				SymIdx: uint32(info >> 32),
				Type:   uint32(info),
				Addend: addend,
			})
		} else {
			r := ord.Uint32(d.raw[p : p+4])
			info := ord.Uint32(d.raw[p+4 : p+8])
			addend := int32(ord.Uint32(d.raw[p+8 : p+12]))
			out = append(out, RelaEntry{
				Offset: uint64(r),
				SymIdx: info >> 8,
				Type:   info & 0xff,
				Addend: int64(addend),
			})
		}
	}
	return out, nil
}

func (d *Decoded) readRel(addr, size uint64) ([]RelEntry, error) {
	off, err := d.vaddrToOff(addr)
	if err != nil {
		return nil, err
	}
	entSize := uint64(16)
	if !d.is64() {
		entSize = 8
	}
	ord := d.order()
	var out []RelEntry
	for p := off; p+entSize <= off+size && p+entSize <= uint64(len(d.raw)); p += entSize {
		if d.is64() {
			r := ord.Uint64(d.raw[p : p+8])
			info := ord.Uint64(d.raw[p+8 : p+16])
			out = append(out, RelEntry{Offset: r, SymIdx: uint32(info >> 32), Type: uint32(info)})
		} else {
			r := ord.Uint32(d.raw[p : p+4])
			info := ord.Uint32(d.raw[p+4 : p+8])
			out = append(out, RelEntry{Offset: uint64(r), SymIdx: info >> 8, Type: info & 0xff})
		}
	}
	return out, nil
}

// readRelr expands the DT_RELR compact relative-relocation encoding: a
// word holding an even address starts a run; subsequent odd words are
// bitmaps where bit i (counting from bit 1) marks that address+i*wordsize
// also needs a relative relocation.
func (d *Decoded) readRelr(addr, size uint64) ([]RelrEntry, error) {
	off, err := d.vaddrToOff(addr)
	if err != nil {
		return nil, err
	}
	wordSize := uint64(8)
	if !d.is64() {
		wordSize = 4
	}
	ord := d.order()
	var out []RelrEntry
	var base uint64
	for p := off; p+wordSize <= off+size && p+wordSize <= uint64(len(d.raw)); p += wordSize {
		var w uint64
		if d.is64() {
			w = ord.Uint64(d.raw[p : p+wordSize])
		} else {
			w = uint64(ord.Uint32(d.raw[p : p+wordSize]))
		}
		if w&1 == 0 {
			base = w
			out = append(out, RelrEntry{Offset: base})
			base += wordSize
			continue
		}
		bitmap := w >> 1
		addr := base
		for bitmap != 0 {
			if bitmap&1 != 0 {
				out = append(out, RelrEntry{Offset: addr})
			}
			bitmap >>= 1
			addr += wordSize
		}
		base += wordSize * (wordSize*8 - 1)
	}
	return out, nil
}
