// Package hostcap implements the loader's capability interfaces
// (internal/caps) against the real host: the filesystem, real mmap'd
// memory, OS threads, and a pooled byte allocator. Production callers wire
// these in; tests wire in fakes instead, never this package.
package hostcap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
)

// FileProvider resolves a canonical module name against a fixed ordered
// list of search directories, the way a real loader walks
// LD_LIBRARY_PATH / DT_RUNPATH entries.
type FileProvider struct {
	SearchPaths []string
}

// Open implements caps.ModuleProvider.
func (p FileProvider) Open(ctx context.Context, canonicalName string) (caps.ModuleBytes, error) {
	for _, dir := range p.SearchPaths {
		path := filepath.Join(dir, canonicalName)
		data, err := os.ReadFile(path)
		if err == nil {
			return caps.ModuleBytes{Data: data, Size: int64(len(data))}, nil
		}
		if !os.IsNotExist(err) {
			return caps.ModuleBytes{}, dlerror.SystemErr(fmt.Sprintf("open %s", path), 0, err)
		}
	}
	return caps.ModuleBytes{}, dlerror.NotFoundErr(canonicalName)
}

// MmapMapper implements caps.Mapper over real anonymous mmap regions. It
// is the production Mapper; package tests use in-memory fakes instead so
// tests never depend on host page permissions.
type MmapMapper struct {
	mu      sync.Mutex
	regions map[uint64][]byte // base -> backing mmap'd slice, keyed by Map's returned addr
}

// NewMmapMapper creates an empty MmapMapper.
func NewMmapMapper() *MmapMapper {
	return &MmapMapper{regions: make(map[uint64][]byte)}
}

func (m *MmapMapper) Map(addrHint, length uint64, perm caps.Perm) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := roundUpPage(length)
	buf, err := unix.Mmap(-1, 0, int(size), protBits(perm), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, dlerror.SystemErr("mmap", 0, err)
	}
	addr := sliceAddr(buf)
	m.regions[addr] = buf
	return addr, nil
}

func (m *MmapMapper) Write(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, err := m.locate(addr)
	if err != nil {
		return err
	}
	if off+len(data) > len(buf) {
		return dlerror.SystemErr("write past end of mapping", 0, nil)
	}
	copy(buf[off:], data)
	return nil
}

func (m *MmapMapper) Read(addr, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, err := m.locate(addr)
	if err != nil {
		return nil, err
	}
	if off+int(length) > len(buf) {
		return nil, dlerror.SystemErr("read past end of mapping", 0, nil)
	}
	out := make([]byte, length)
	copy(out, buf[off:off+int(length)])
	return out, nil
}

func (m *MmapMapper) Protect(addr, length uint64, perm caps.Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, _, err := m.locate(addr)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(buf, protBits(perm)); err != nil {
		return dlerror.SystemErr("mprotect", 0, err)
	}
	return nil
}

func (m *MmapMapper) Unmap(addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.regions[addr]
	if !ok {
		return dlerror.SystemErr("unmap: unknown region", 0, nil)
	}
	delete(m.regions, addr)
	if err := unix.Munmap(buf); err != nil {
		return dlerror.SystemErr("munmap", 0, err)
	}
	return nil
}

func (m *MmapMapper) locate(addr uint64) ([]byte, int, error) {
	for base, buf := range m.regions {
		if addr >= base && addr < base+uint64(len(buf)) {
			return buf, int(addr - base), nil
		}
	}
	return nil, 0, dlerror.SystemErr(fmt.Sprintf("address 0x%x not mapped", addr), 0, nil)
}

func protBits(p caps.Perm) int {
	bits := unix.PROT_NONE
	if p.Has(caps.PermRead) {
		bits |= unix.PROT_READ
	}
	if p.Has(caps.PermWrite) {
		bits |= unix.PROT_WRITE
	}
	if p.Has(caps.PermExec) {
		bits |= unix.PROT_EXEC
	}
	return bits
}

// sliceAddr recovers the address of an mmap'd slice's backing array. This
// is the one place the Mapper steps outside Go's memory-safety guarantees,
// exactly because mmap hands back raw, externally-managed pages that must
// be addressable as plain uint64s everywhere else in the loader.
func sliceAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

const pageSize = 4096

func roundUpPage(v uint64) uint64 {
	if v == 0 {
		return pageSize
	}
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// ThreadRegistry implements caps.ThreadPrimitives by assigning a stable id
// to each OS thread the first time it calls Current, keyed by the
// goroutine's locked OS thread via runtime.LockOSThread convention: callers
// that need a real 1:1 goroutine/thread mapping must call
// runtime.LockOSThread before Current, same as any other TLS-dependent
// code.
type ThreadRegistry struct {
	mu    sync.Mutex
	ids   map[int]caps.ThreadID
	next  caps.ThreadID
	tidFn func() int
}

// NewThreadRegistry creates a registry. tidFn returns the calling OS
// thread's id (unix.Gettid on Linux); it is a field rather than a direct
// unix.Gettid call so tests can substitute a fake without needing real
// distinct OS threads.
func NewThreadRegistry(tidFn func() int) *ThreadRegistry {
	if tidFn == nil {
		tidFn = unix.Gettid
	}
	return &ThreadRegistry{ids: make(map[int]caps.ThreadID), tidFn: tidFn}
}

func (r *ThreadRegistry) Current() caps.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid := r.tidFn()
	if id, ok := r.ids[tid]; ok {
		return id
	}
	r.next++
	r.ids[tid] = r.next
	return r.next
}

// PooledAllocator is a simple size-classed freelist allocator for
// loader-owned scratch buffers (e.g. relocation scratch space), avoiding a
// fresh make([]byte, n) on every call in the hot relocation path.
type PooledAllocator struct {
	mu    sync.Mutex
	pools map[int][][]byte
}

// NewPooledAllocator creates an empty PooledAllocator.
func NewPooledAllocator() *PooledAllocator {
	return &PooledAllocator{pools: make(map[int][][]byte)}
}

func (a *PooledAllocator) Alloc(size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pool := a.pools[size]; len(pool) > 0 {
		buf := pool[len(pool)-1]
		a.pools[size] = pool[:len(pool)-1]
		clear(buf)
		return buf
	}
	return make([]byte, size)
}

func (a *PooledAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[len(buf)] = append(a.pools[len(buf)], buf)
}
