package elfdecode

import (
	"debug/elf"

	"github.com/galago-re/dl/internal/caps"
)

func (d *Decoded) parseInitFini(diag caps.Diagnostics) error {
	if v, ok := d.Dynamic[elf.DT_INIT]; ok {
		d.Init = v
	}
	if v, ok := d.Dynamic[elf.DT_FINI]; ok {
		d.Fini = v
	}

	if addr, ok := d.Dynamic[elf.DT_INIT_ARRAY]; ok {
		sz := d.Dynamic[elf.DT_INIT_ARRAYSZ]
		vals, err := d.readWordArray(addr, sz)
		if err != nil {
			d.soft(diag, "DT_INIT_ARRAY: %v", err)
		} else {
			d.InitArray = vals
		}
	}

	if addr, ok := d.Dynamic[elf.DT_FINI_ARRAY]; ok {
		sz := d.Dynamic[elf.DT_FINI_ARRAYSZ]
		vals, err := d.readWordArray(addr, sz)
		if err != nil {
			d.soft(diag, "DT_FINI_ARRAY: %v", err)
		} else {
			d.FiniArray = vals
		}
	}

	return nil
}

func (d *Decoded) readWordArray(addr, size uint64) ([]uint64, error) {
	off, err := d.vaddrToOff(addr)
	if err != nil {
		return nil, err
	}
	wordSize := uint64(8)
	if !d.is64() {
		wordSize = 4
	}
	ord := d.order()
	var out []uint64
	for p := off; p+wordSize <= off+size && p+wordSize <= uint64(len(d.raw)); p += wordSize {
		if d.is64() {
			out = append(out, ord.Uint64(d.raw[p:p+wordSize]))
		} else {
			out = append(out, uint64(ord.Uint32(d.raw[p:p+wordSize])))
		}
	}
	return out, nil
}

// SegmentData returns the file contents backing a PT_LOAD segment,
// trimmed to Filesz (the Load Engine zero-fills the remaining Memsz-Filesz
// bss tail itself).
func (d *Decoded) SegmentData(seg ProgHeader) []byte {
	if seg.Filesz == 0 {
		return nil
	}
	end := seg.Off + seg.Filesz
	if end > uint64(len(d.raw)) {
		end = uint64(len(d.raw))
	}
	return d.raw[seg.Off:end]
}

// TLSImageData returns the file contents backing a PT_TLS segment.
func (d *Decoded) TLSImageData() []byte {
	if d.TLS == nil || d.TLS.Filesz == 0 {
		return nil
	}
	end := d.TLS.ImageOffset + d.TLS.Filesz
	if end > uint64(len(d.raw)) {
		end = uint64(len(d.raw))
	}
	return d.raw[d.TLS.ImageOffset:end]
}
