package loadengine

import (
	"debug/elf"
	"testing"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/elfdecode"
)

type fakeMapper struct {
	mem     map[uint64][]byte
	perms   map[uint64]caps.Perm
	mapped  []uint64
	mapLens map[uint64]uint64
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mem:     make(map[uint64][]byte),
		perms:   make(map[uint64]caps.Perm),
		mapLens: make(map[uint64]uint64),
	}
}

func (f *fakeMapper) Map(addrHint, length uint64, perm caps.Perm) (uint64, error) {
	addr := addrHint
	if addr == 0 {
		addr = 0x400000
	}
	f.mapped = append(f.mapped, addr)
	f.mapLens[addr] = length
	return addr, nil
}

func (f *fakeMapper) Write(addr uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mem[addr] = buf
	return nil
}

func (f *fakeMapper) Read(addr, length uint64) ([]byte, error) {
	return f.mem[addr], nil
}

func (f *fakeMapper) Protect(addr, length uint64, perm caps.Perm) error {
	f.perms[addr] = perm
	return nil
}

func (f *fakeMapper) Unmap(addr, length uint64) error {
	delete(f.mem, addr)
	return nil
}

// decodedWithOneSegment builds a Decoded whose single PT_LOAD segment has
// no file-backed bytes (Filesz 0), so SegmentData's slice over an empty
// raw image stays in bounds; the whole Memsz range is therefore "bss" for
// this fixture, which is exactly what TestMapZeroFillsBSSTail checks.
func decodedWithOneSegment() *elfdecode.Decoded {
	ph := elfdecode.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0, Off: 0, Filesz: 0, Memsz: 32}
	return &elfdecode.Decoded{
		Segments: []elfdecode.ProgHeader{ph},
		Progs:    []elfdecode.ProgHeader{ph},
	}
}

func TestMapZeroFillsBSSTail(t *testing.T) {
	mapper := newFakeMapper()
	e := New(mapper)
	d := decodedWithOneSegment()

	bias, segs, err := e.Map("libfoo.so", d, 0x400000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if bias != 0x400000 {
		t.Errorf("load_bias = 0x%x, want 0x400000", bias)
	}

	bss := mapper.mem[segs[0].RuntimeAddr]
	if len(bss) != 32 {
		t.Fatalf("bss write length = %d, want 32", len(bss))
	}
	for i, b := range bss {
		if b != 0 {
			t.Errorf("bss[%d] = %d, want 0", i, b)
		}
	}
}

func TestMapRejectsNoLoadSegments(t *testing.T) {
	mapper := newFakeMapper()
	e := New(mapper)
	d := &elfdecode.Decoded{}
	if _, _, err := e.Map("libempty.so", d, 0); err == nil {
		t.Fatal("expected a BadSegment error for an image with no PT_LOAD segments")
	}
}

func TestMapRejectsOverlappingSegments(t *testing.T) {
	mapper := newFakeMapper()
	e := New(mapper)
	d := &elfdecode.Decoded{
		Segments: []elfdecode.ProgHeader{
			{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x0, Memsz: 0x2000},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x1000, Memsz: 0x1000},
		},
	}

	_, _, err := e.Map("libfoo.so", d, 0x400000)
	if err == nil {
		t.Fatal("expected a BadSegment error for overlapping PT_LOAD segments")
	}
	derr, ok := err.(*dlerror.Error)
	if !ok || derr.Kind != dlerror.BadSegment {
		t.Errorf("got %v, want dlerror.BadSegment", err)
	}
}

func TestUnmapReleasesEverySegment(t *testing.T) {
	mapper := newFakeMapper()
	e := New(mapper)
	d := decodedWithOneSegment()
	_, segs, err := e.Map("libfoo.so", d, 0x500000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if errs := e.Unmap(segs); len(errs) != 0 {
		t.Fatalf("Unmap: %v", errs)
	}
	if _, ok := mapper.mem[segs[0].RuntimeAddr]; ok {
		t.Error("segment still present in memory after Unmap")
	}
}
