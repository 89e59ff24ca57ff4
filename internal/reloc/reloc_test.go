package reloc

import (
	"debug/elf"
	"testing"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
	"github.com/galago-re/dl/internal/resolver"
	"github.com/galago-re/dl/internal/testfixture"
)

// fakeMapper is an in-memory caps.Mapper good enough to exercise the
// Relocator without any real mmap.
type fakeMapper struct {
	mem map[uint64][]byte
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mem: make(map[uint64][]byte)} }

func (f *fakeMapper) Map(addrHint, length uint64, perm caps.Perm) (uint64, error) {
	return addrHint, nil
}

func (f *fakeMapper) Write(addr uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mem[addr] = buf
	return nil
}

func (f *fakeMapper) Read(addr, length uint64) ([]byte, error) {
	buf, ok := f.mem[addr]
	if !ok {
		buf = make([]byte, length)
	}
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

func (f *fakeMapper) Protect(addr, length uint64, perm caps.Perm) error { return nil }
func (f *fakeMapper) Unmap(addr, length uint64) error                   { delete(f.mem, addr); return nil }

func (f *fakeMapper) wordAt(addr uint64) uint64 {
	b, _ := f.Read(addr, 8)
	return leUint64(b)
}

type fakeTLSAssigner struct {
	ids     map[*module.Module]uint32
	statics map[*module.Module]uint64
}

func (a *fakeTLSAssigner) ModID(m *module.Module) uint32 { return a.ids[m] }

func (a *fakeTLSAssigner) StaticOffset(m *module.Module) (uint64, bool) {
	off, ok := a.statics[m]
	return off, ok
}

func (a *fakeTLSAssigner) TLSDescResolver() uint64 { return 0xdead0000 }

func newModule(name string, bias uint64, syms map[string]elfdecode.Symbol) *module.Module {
	return &module.Module{
		CanonicalName: name,
		LoadBias:      bias,
		Decoded: &elfdecode.Decoded{
			Symbols: syms,
		},
	}
}

// decodeModule builds m's symbol and relocation tables through the real
// Decoder (instead of the hand-populated newModule above), which is the
// only way SymbolByIndex is ever populated — needed for any relocation
// class that goes through a symbol index rather than the Symbols map.
func decodeModule(t *testing.T, name string, bias uint64, b *testfixture.Builder) *module.Module {
	t.Helper()
	d, err := elfdecode.Decode(b.Build(), elfdecode.NopDiagnostics{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return &module.Module{CanonicalName: name, LoadBias: bias, Decoded: d}
}

func TestApplyTLSDTPMod(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	tlsAsn := &fakeTLSAssigner{ids: map[*module.Module]uint32{}}
	rl := New(mapper, r, tlsAsn)

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "tls_var", Defined: true, Bind: elf.STB_GLOBAL}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x40, SymIdx: 0, Type: rAArch64TLSDTPMod},
		},
	})
	tlsAsn.ids[m] = 7

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mapper.wordAt(0x1000 + 0x40); got != 7 {
		t.Errorf("DTPMOD64 wrote modid %d, want 7", got)
	}
}

func TestApplyTLSDTPRel(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	rl := New(mapper, r, &fakeTLSAssigner{})

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "tls_var", Value: 0x18, Defined: true, Bind: elf.STB_GLOBAL}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x48, SymIdx: 0, Type: rAArch64TLSDTPRel, Addend: 4},
		},
	})

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := mapper.wordAt(0x1000+0x48), uint64(0x18+4); got != want {
		t.Errorf("DTPREL64 wrote 0x%x, want 0x%x", got, want)
	}
}

func TestApplyTLSTPRel(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	tlsAsn := &fakeTLSAssigner{statics: map[*module.Module]uint64{}}
	rl := New(mapper, r, tlsAsn)

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "tls_var", Defined: true, Bind: elf.STB_GLOBAL}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x50, SymIdx: 0, Type: rAArch64TLSTPRel, Addend: 8},
		},
	})
	tlsAsn.statics[m] = 0x30

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := mapper.wordAt(0x1000+0x50), uint64(0x30+8); got != want {
		t.Errorf("TPREL64 wrote 0x%x, want 0x%x", got, want)
	}
}

func TestApplyTLSTPRelRejectsDynamicModule(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	// No static offset registered for m: it stands in for a dlopen-loaded
	// module, which can never satisfy a TLS-offset relocation.
	rl := New(mapper, r, &fakeTLSAssigner{statics: map[*module.Module]uint64{}})

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "tls_var", Defined: true, Bind: elf.STB_GLOBAL}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x50, SymIdx: 0, Type: rAArch64TLSTPRel},
		},
	})

	err := rl.Apply(m, m)
	var derr *dlerror.Error
	if !asErr(err, &derr) || derr.Kind != dlerror.MalformedElf {
		t.Errorf("got %v, want dlerror.MalformedElf", err)
	}
}

func TestApplyTLSDesc(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	tlsAsn := &fakeTLSAssigner{ids: map[*module.Module]uint32{}}
	rl := New(mapper, r, tlsAsn)

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "tls_var", Value: 0x20, Defined: true, Bind: elf.STB_GLOBAL}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x60, SymIdx: 0, Type: rAArch64TLSDesc, Addend: 2},
		},
	})
	tlsAsn.ids[m] = 3

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := mapper.wordAt(0x1000+0x60), tlsAsn.TLSDescResolver(); got != want {
		t.Errorf("TLSDESC resolver word = 0x%x, want 0x%x", got, want)
	}
	wantData := uint64(0x20+2) | uint64(3)<<32
	if got := mapper.wordAt(0x1000 + 0x60 + 8); got != wantData {
		t.Errorf("TLSDESC data word = 0x%x, want 0x%x", got, wantData)
	}
}

func TestApplyTLSDescWeakUndefined(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	tlsAsn := &fakeTLSAssigner{ids: map[*module.Module]uint32{}}
	rl := New(mapper, r, tlsAsn)

	m := decodeModule(t, "libfoo.so", 0x1000, &testfixture.Builder{
		Symbols: []testfixture.SymbolDef{{Name: "missing_weak", Defined: false, Bind: elf.STB_WEAK}},
		Rela: []testfixture.RelaDef{
			{Offset: 0x60, SymIdx: 0, Type: rAArch64TLSDesc},
		},
	})

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := mapper.wordAt(0x1000+0x60), tlsAsn.TLSDescResolver(); got != want {
		t.Errorf("weak TLSDESC resolver word = 0x%x, want 0x%x", got, want)
	}
	if got := mapper.wordAt(0x1000 + 0x60 + 8); got != 0 {
		t.Errorf("weak TLSDESC data word = 0x%x, want 0 (null descriptor)", got)
	}
}

func TestApplyRelative(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	rl := New(mapper, r, &fakeTLSAssigner{ids: map[*module.Module]uint32{}})

	m := newModule("libfoo.so", 0x1000, map[string]elfdecode.Symbol{})
	m.Decoded.Rela = []elfdecode.RelaEntry{
		{Offset: 0x40, Type: rAArch64Relative, Addend: 0x20},
	}

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := mapper.wordAt(0x1000 + 0x40)
	want := uint64(0x1000 + 0x20)
	if got != want {
		t.Errorf("RELATIVE wrote 0x%x, want 0x%x", got, want)
	}
}

func TestApplyUnsupportedRelocation(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	rl := New(mapper, r, &fakeTLSAssigner{})

	m := newModule("libfoo.so", 0, nil)
	m.Decoded.Rela = []elfdecode.RelaEntry{{Offset: 0x10, Type: 9999}}

	err := rl.Apply(m, m)
	if err == nil {
		t.Fatal("expected an UnsupportedReloc error, got nil")
	}
	var derr *dlerror.Error
	if !asErr(err, &derr) || derr.Kind != dlerror.UnsupportedReloc {
		t.Errorf("got %v, want dlerror.UnsupportedReloc", err)
	}
}

func TestApplyRelrChain(t *testing.T) {
	mapper := newFakeMapper()
	g := module.New()
	r := resolver.New(g)
	rl := New(mapper, r, &fakeTLSAssigner{})

	m := newModule("libfoo.so", 0x2000, nil)
	// Seed the link-time addresses the RELR entries expect to find already
	// in place at their target words.
	mapper.Write(0x2000+0x100, encodeLE(0x500))
	m.Decoded.Relr = []elfdecode.RelrEntry{{Offset: 0x100}}

	if err := rl.Apply(m, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := mapper.wordAt(0x2000 + 0x100)
	want := uint64(0x2000 + 0x500)
	if got != want {
		t.Errorf("RELR rewrote to 0x%x, want 0x%x", got, want)
	}
}

func TestApplyRelro(t *testing.T) {
	mapper := newFakeMapper()
	m := &module.Module{
		CanonicalName: "libfoo.so",
		Segments: []module.RuntimeSegment{
			{RelroStart: 0x1000, RelroEnd: 0x2000},
		},
	}
	if err := ApplyRelro(mapper, m); err != nil {
		t.Fatalf("ApplyRelro: %v", err)
	}
}

func encodeLE(v uint64) []byte {
	b := make([]byte, 8)
	leputUint64(b, v)
	return b
}

func asErr(err error, target **dlerror.Error) bool {
	de, ok := err.(*dlerror.Error)
	if !ok {
		return false
	}
	*target = de
	return true
}
