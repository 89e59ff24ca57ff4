package elfdecode

import (
	"debug/elf"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
)

// dynEntrySize returns the byte size of one Elf_Dyn entry: two words,
// each word-size-wide (4 bytes on 32-bit, 8 on 64-bit).
func (d *Decoded) dynEntrySize() int {
	if d.is64() {
		return 16
	}
	return 8
}

func (d *Decoded) readWord(off uint64) uint64 {
	ord := d.order()
	if d.is64() {
		return ord.Uint64(d.raw[off : off+8])
	}
	return uint64(ord.Uint32(d.raw[off : off+4]))
}

// parseDynamic walks PT_DYNAMIC's tag/value pairs directly out of the
// file image (not via section headers — a module need not carry section
// headers at all for the loader to work, only program headers).
func (d *Decoded) parseDynamic(dyn ProgHeader, diag caps.Diagnostics) error {
	entrySize := uint64(d.dynEntrySize())
	wordSize := entrySize / 2

	if dyn.Off+dyn.Filesz > uint64(len(d.raw)) {
		return dlerror.MalformedElfErr("PT_DYNAMIC extends past end of file")
	}

	for off := dyn.Off; off+entrySize <= dyn.Off+dyn.Filesz; off += entrySize {
		tag := elf.DynTag(int64(d.readWord(off)))
		val := d.readWord(off + wordSize)

		if tag == elf.DT_NULL {
			break
		}

		switch tag {
		case elf.DT_NEEDED:
			d.needed.offsets = append(d.needed.offsets, val)
		default:
			d.Dynamic[tag] = val
		}
	}

	if _, ok := d.Dynamic[elf.DT_STRTAB]; !ok {
		d.soft(diag, "missing DT_STRTAB")
	}
	if _, ok := d.Dynamic[elf.DT_SYMTAB]; !ok {
		d.soft(diag, "missing DT_SYMTAB")
	}

	return d.ReifyNeeded()
}
