// Package tls implements the TLS Engine (spec.md §4.6): per-thread
// Dynamic Thread Vectors, a static TLS block laid out once at startup,
// and on-demand dynamic TLS blocks for modules loaded later by dlopen.
//
// The fast path (Get) never touches the Loader lock: a thread's DTV
// generation is compared against the Graph's generation counter, and only
// a mismatch falls through to the slow path, which takes a per-thread
// guard (not the Loader lock) to grow the DTV and materialize any newly
// live module's storage.
package tls

import (
	"sync"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/module"
)

// slotState is a DTV entry's materialization state.
type slotState int

const (
	slotUninitialized slotState = iota
	slotLive
)

type slot struct {
	state slotState
	addr  uint64
}

// ThreadState is one thread's DTV plus its lazily-allocated static TLS
// block. The zero value is ready to use.
type ThreadState struct {
	mu          sync.Mutex
	dtv         []slot // index == TLS module id; index 0 unused
	generation  int64
	staticBlock uint64 // 0 until the static block has been touched once
}

// staticEntry is one startup module's slice of the shared static layout.
type staticEntry struct {
	modID  uint32
	offset uint64
	image  []byte
	memsz  uint64
}

// Engine owns the static TLS layout and mediates per-thread dynamic block
// allocation. It holds no per-thread state itself; that lives in each
// caller's ThreadState.
type Engine struct {
	graph  *module.Graph
	mapper caps.Mapper
	alloc  caps.Allocator

	mu          sync.Mutex
	static      []staticEntry
	staticSize  uint64
	staticAlign uint64
	modIDs      map[*module.Module]uint32
}

// New creates a TLS Engine over g. mapper backs both the static block and
// every dynamic block's storage; alloc is reserved for scratch buffers the
// Engine needs before a Mapper region exists yet.
func New(g *module.Graph, mapper caps.Mapper, alloc caps.Allocator) *Engine {
	return &Engine{
		graph:       g,
		mapper:      mapper,
		alloc:       alloc,
		staticAlign: 16,
		modIDs:      make(map[*module.Module]uint32),
	}
}

// RegisterStatic adds m's PT_TLS image to the shared static layout. Called
// once per TLS-bearing startup module, before any thread's first TLS
// access (spec.md §4.6: "static TLS... computed at startup").
func (e *Engine) RegisterStatic(m *module.Module, image []byte) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	modID := e.assignModIDLocked(m)

	align := m.Decoded.TLS.Align
	if align == 0 {
		align = 1
	}
	if align > e.staticAlign {
		e.staticAlign = align
	}
	offset := roundUp(e.staticSize, align)
	e.static = append(e.static, staticEntry{
		modID:  modID,
		offset: offset,
		image:  image,
		memsz:  m.Decoded.TLS.Memsz,
	})
	e.staticSize = offset + m.Decoded.TLS.Memsz

	return modID
}

// RegisterDynamic assigns m a TLS module id without adding it to the
// static layout. Its storage is allocated lazily, per thread, the first
// time that thread touches it.
func (e *Engine) RegisterDynamic(m *module.Module) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignModIDLocked(m)
}

func (e *Engine) assignModIDLocked(m *module.Module) uint32 {
	if id, ok := e.modIDs[m]; ok {
		return id
	}
	id := e.graph.AssignModID()
	e.modIDs[m] = id
	m.ModID = id
	return id
}

// ModID implements reloc.TLSAssigner.
func (e *Engine) ModID(m *module.Module) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modIDs[m]
}

// StaticOffset implements reloc.TLSAssigner. It reports m's offset into
// the shared static TLS block, and false if m was never registered via
// RegisterStatic (spec.md §4.5: TLS-offset relocations against a
// dynamically loaded module are an error, not a fallback).
func (e *Engine) StaticOffset(m *module.Module) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.modIDs[m]
	if !ok {
		return 0, false
	}
	for _, ent := range e.static {
		if ent.modID == id {
			return ent.offset, true
		}
	}
	return 0, false
}

// TLSDescResolver implements reloc.TLSAssigner. The returned address is
// written into each TLSDESC descriptor's resolver slot; it is a sentinel,
// not the entry point of compiled code.
func (e *Engine) TLSDescResolver() uint64 {
	return tlsdescResolverAddr
}

// tlsdescResolverAddr is a sentinel rather than a real code address —
// there is no compiled resolver stub in this runtime, only Get below, and
// no Invoker in this module treats the address specially.
const tlsdescResolverAddr = 0x00005419_00000000

// Get returns the effective address of offset bytes into module m's TLS
// block for the calling thread th, materializing storage on first touch.
// It implements spec.md §4.6's __tls_get_addr / TLSDESC-resolver contract.
func (e *Engine) Get(th *ThreadState, m *module.Module, offset uint64) (uint64, error) {
	th.mu.Lock()
	defer th.mu.Unlock()

	g := e.graph.Generation()
	modID := e.ModID(m)
	if modID == 0 {
		return 0, dlerror.SystemErr("tls_get: module has no TLS module id", 0, nil)
	}

	if th.generation == g && int(modID) < len(th.dtv) && th.dtv[modID].state == slotLive {
		return th.dtv[modID].addr + offset, nil
	}

	if err := e.refresh(th, g); err != nil {
		return 0, err
	}

	if int(modID) >= len(th.dtv) || th.dtv[modID].state != slotLive {
		return 0, dlerror.SystemErr("tls_get: module has no live TLS block", 0, nil)
	}
	return th.dtv[modID].addr + offset, nil
}

// refresh grows th.dtv to cover every modID assigned so far and
// materializes storage for any uninitialized slot that corresponds to a
// currently live module (spec.md §4.6's "lazily allocated on first
// access, not eagerly for every module at thread-creation time").
func (e *Engine) refresh(th *ThreadState, g int64) error {
	e.mu.Lock()
	max := e.graph.MaxModID()
	modByID := make(map[uint32]*module.Module, len(e.modIDs))
	for m, id := range e.modIDs {
		modByID[id] = m
	}
	staticEntries := append([]staticEntry(nil), e.static...)
	staticSize := e.staticSize
	e.mu.Unlock()

	if uint32(len(th.dtv)) <= max {
		grown := make([]slot, max+1)
		copy(grown, th.dtv)
		th.dtv = grown
	}

	for id := uint32(1); id <= max; id++ {
		if th.dtv[id].state == slotLive {
			continue
		}
		m, ok := modByID[id]
		if !ok || m.State == module.StateTornDown {
			continue
		}

		var entry *staticEntry
		for i := range staticEntries {
			if staticEntries[i].modID == id {
				entry = &staticEntries[i]
				break
			}
		}

		if entry != nil {
			if err := e.ensureStaticBlock(th, staticEntries, staticSize); err != nil {
				return err
			}
			th.dtv[id] = slot{state: slotLive, addr: th.staticBlock + entry.offset}
			continue
		}

		addr, err := e.allocDynamicBlock(m)
		if err != nil {
			return err
		}
		th.dtv[id] = slot{state: slotLive, addr: addr}
	}

	th.generation = g
	return nil
}

func (e *Engine) ensureStaticBlock(th *ThreadState, entries []staticEntry, size uint64) error {
	if th.staticBlock != 0 {
		return nil
	}
	if size == 0 {
		th.staticBlock = 1 // any nonzero sentinel; no module ever dereferences offset 0 of an empty block
		return nil
	}
	addr, err := e.mapper.Map(0, roundUp(size, pageSize), caps.PermRead|caps.PermWrite)
	if err != nil {
		return dlerror.SystemErr("static TLS block allocation", 0, err)
	}
	for _, ent := range entries {
		if len(ent.image) > 0 {
			if err := e.mapper.Write(addr+ent.offset, ent.image); err != nil {
				return dlerror.SystemErr("static TLS block init", 0, err)
			}
		}
	}
	th.staticBlock = addr
	return nil
}

func (e *Engine) allocDynamicBlock(m *module.Module) (uint64, error) {
	memsz := m.Decoded.TLS.Memsz
	addr, err := e.mapper.Map(0, roundUp(memsz, pageSize), caps.PermRead|caps.PermWrite)
	if err != nil {
		return 0, dlerror.SystemErr("dynamic TLS block allocation", 0, err)
	}
	image := m.Decoded.TLSImageData()
	if len(image) > 0 {
		if err := e.mapper.Write(addr, image); err != nil {
			return 0, dlerror.SystemErr("dynamic TLS block init", 0, err)
		}
	}
	return addr, nil
}

// Revoke forgets m's TLS module id bookkeeping. It must be called after
// module.Graph.Remove(m), whose generation bump is what makes every
// thread's next Get re-run refresh and skip m's now-torn-down slot.
func (e *Engine) Revoke(m *module.Module) {
	e.mu.Lock()
	delete(e.modIDs, m)
	e.mu.Unlock()
}

const pageSize = 4096

func roundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
