package tls

import (
	"testing"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
)

type fakeMapper struct {
	next uint64
	mem  map[uint64][]byte
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{next: 0x10000, mem: make(map[uint64][]byte)}
}

func (f *fakeMapper) Map(addrHint, length uint64, perm caps.Perm) (uint64, error) {
	addr := f.next
	f.next += length + 0x1000
	return addr, nil
}

func (f *fakeMapper) Write(addr uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mem[addr] = buf
	return nil
}

func (f *fakeMapper) Read(addr, length uint64) ([]byte, error) {
	buf := f.mem[addr]
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

func (f *fakeMapper) Protect(addr, length uint64, perm caps.Perm) error { return nil }
func (f *fakeMapper) Unmap(addr, length uint64) error                   { return nil }

func tlsModule(name string, memsz, align uint64) *module.Module {
	return &module.Module{
		CanonicalName: name,
		Decoded: &elfdecode.Decoded{
			TLS: &elfdecode.TLSImage{Memsz: memsz, Align: align},
		},
	}
}

func TestStaticTLSTwoThreadsIndependentStorage(t *testing.T) {
	g := module.New()
	mapper := newFakeMapper()
	e := New(g, mapper, nil)

	m := tlsModule("libstartup.so", 8, 8)
	g.Add(&module.Module{CanonicalName: "root", Flags: module.Flags{Startup: true}}, false)
	e.RegisterStatic(m, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	a := &ThreadState{}
	b := &ThreadState{}

	addrA, err := e.Get(a, m, 0)
	if err != nil {
		t.Fatalf("thread A Get: %v", err)
	}
	addrB, err := e.Get(b, m, 0)
	if err != nil {
		t.Fatalf("thread B Get: %v", err)
	}
	if addrA == addrB {
		t.Errorf("thread A and B share a static TLS block address 0x%x; want independent blocks", addrA)
	}

	dataA, _ := mapper.Read(addrA, 8)
	if dataA[0] != 1 {
		t.Errorf("thread A static image not initialized: got %v", dataA)
	}
}

func TestDynamicTLSLazyAllocation(t *testing.T) {
	g := module.New()
	mapper := newFakeMapper()
	e := New(g, mapper, nil)

	m := tlsModule("libplugin.so", 16, 8)
	e.RegisterDynamic(m)

	th := &ThreadState{}
	if len(th.dtv) != 0 {
		t.Fatalf("expected no DTV growth before first Get")
	}

	addr, err := e.Get(th, m, 4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if addr == 0 {
		t.Errorf("Get returned a zero address")
	}

	addr2, err := e.Get(th, m, 4)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if addr != addr2 {
		t.Errorf("fast path returned 0x%x, slow path returned 0x%x", addr2, addr)
	}
}

func TestGetUnregisteredModuleFails(t *testing.T) {
	g := module.New()
	mapper := newFakeMapper()
	e := New(g, mapper, nil)
	m := tlsModule("libghost.so", 8, 8)

	th := &ThreadState{}
	if _, err := e.Get(th, m, 0); err == nil {
		t.Fatal("expected an error for a module with no assigned TLS module id")
	}
}

func TestRevokeSkipsTornDownModule(t *testing.T) {
	g := module.New()
	mapper := newFakeMapper()
	e := New(g, mapper, nil)

	m := tlsModule("libtemp.so", 8, 8)
	g.Add(m, false)
	e.RegisterDynamic(m)

	th := &ThreadState{}
	if _, err := e.Get(th, m, 0); err != nil {
		t.Fatalf("Get before teardown: %v", err)
	}

	m.Refcount = 0
	g.Remove(m)
	e.Revoke(m)

	th2 := &ThreadState{}
	if _, err := e.Get(th2, m, 0); err == nil {
		t.Fatal("expected tls_get on a torn-down module to fail for a fresh thread")
	}
}
