package module

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/galago-re/dl/internal/dlerror"
)

// Handle is the opaque identity dlopen hands back to callers. Multiple
// handles may alias one Module (spec.md §3: "handles: mapping from
// opaque handle → Module").
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// NilHandle is the zero handle, never issued by NewHandle.
var NilHandle Handle

// Graph owns every live Module and the handle table. All mutating
// methods assume the caller already holds the Runtime's Loader lock;
// Graph itself does not lock, except for the atomic generation counter,
// which the TLS Engine's fast path reads without the Loader lock held.
type Graph struct {
	byName      map[string]*Module
	loadOrder   []*Module
	globalOrder []*Module
	handles     map[Handle]*Module

	generation atomic.Int64

	nextLoadRank   int
	nextGlobalRank int
	nextModID      uint32
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		byName:  make(map[string]*Module),
		handles: make(map[Handle]*Module),
	}
}

// Generation returns the current generation counter. The TLS Engine's
// fast path compares this against a thread's cached value without taking
// the Loader lock (spec.md §5).
func (g *Graph) Generation() int64 { return g.generation.Load() }

func (g *Graph) bumpGeneration() { g.generation.Add(1) }

// ByName looks up a live Module by its canonical name.
func (g *Graph) ByName(name string) (*Module, bool) {
	m, ok := g.byName[name]
	return m, ok
}

// LoadOrder returns all live modules in first-added order. The slice is
// owned by the Graph; callers must not mutate it.
func (g *Graph) LoadOrder() []*Module { return g.loadOrder }

// GlobalOrder returns modules promoted to global scope, in promotion
// order (spec.md invariant I4).
func (g *Graph) GlobalOrder() []*Module { return g.globalOrder }

// Add inserts a new Module, assigning its load_order_rank. If a module
// with the same canonical name already exists, Add returns it along with
// existed=true instead of inserting (the "ReferenceExisting" semantics of
// spec.md §4.3); refExisting=false instead returns an AlreadyLoaded error.
func (g *Graph) Add(m *Module, refExisting bool) (result *Module, existed bool, err error) {
	if existing, ok := g.byName[m.CanonicalName]; ok {
		if refExisting {
			return existing, true, nil
		}
		return existing, true, &dlerror.Error{Kind: dlerror.AlreadyLoaded, Name: m.CanonicalName}
	}

	m.LoadOrderRank = g.nextLoadRank
	g.nextLoadRank++
	m.GlobalOrderRank = -1

	if m.Flags.Startup {
		g.promoteGlobalLocked(m)
	}

	g.byName[m.CanonicalName] = m
	g.loadOrder = append(g.loadOrder, m)
	g.bumpGeneration()

	return m, false, nil
}

// PromoteGlobal sets the Global flag and assigns a global_order_rank if
// the module is not already global. Already-global modules are a no-op:
// re-promotion must never reorder global_order (invariant I4).
func (g *Graph) PromoteGlobal(m *Module) {
	if m.Flags.Global {
		return
	}
	g.promoteGlobalLocked(m)
	g.bumpGeneration()
}

func (g *Graph) promoteGlobalLocked(m *Module) {
	m.Flags.Global = true
	m.GlobalOrderRank = g.nextGlobalRank
	g.nextGlobalRank++
	g.globalOrder = append(g.globalOrder, m)
}

// AssignModID hands out the next non-zero TLS module id.
func (g *Graph) AssignModID() uint32 {
	g.nextModID++
	return g.nextModID
}

// MaxModID returns the highest TLS module id assigned so far (0 if none).
func (g *Graph) MaxModID() uint32 { return g.nextModID }

// LinkDependency records that dependent needs dependency, appending to
// dependent.Deps and dependency's reverse-dependency set in the same
// step, so the two edges can never drift apart.
func (g *Graph) LinkDependency(dependent, dependency *Module) {
	dependent.Deps = append(dependent.Deps, dependency)
	dependency.addRevDep(dependent)
}

// UnlinkDependency is LinkDependency's inverse, used during teardown.
func (g *Graph) UnlinkDependency(dependent, dependency *Module) {
	dependency.removeRevDep(dependent)
	for i, d := range dependent.Deps {
		if d == dependency {
			dependent.Deps = append(dependent.Deps[:i], dependent.Deps[i+1:]...)
			break
		}
	}
}

// Remove splices m out of load_order and global_order and the name
// table. It requires Refcount == 0 and !NoDelete; violating either is a
// programming error in the caller (the Public API enforces both before
// calling Remove) so Remove panics rather than returning an error.
func (g *Graph) Remove(m *Module) {
	if m.Refcount != 0 {
		panic("module: Remove called with nonzero refcount")
	}
	if m.Flags.NoDelete {
		panic("module: Remove called on NODELETE module")
	}

	delete(g.byName, m.CanonicalName)
	g.loadOrder = spliceOut(g.loadOrder, m)
	if m.Flags.Global {
		g.globalOrder = spliceOut(g.globalOrder, m)
	}
	m.State = StateTornDown
	g.bumpGeneration()
}

func spliceOut(list []*Module, target *Module) []*Module {
	out := list[:0:0]
	for _, m := range list {
		if m != target {
			out = append(out, m)
		}
	}
	return out
}

// NewHandle mints a fresh handle aliasing m and increments its refcount.
func (g *Graph) NewHandle(m *Module) Handle {
	h := Handle(uuid.New())
	g.handles[h] = m
	m.Refcount++
	return h
}

// HandleModule resolves a handle to its Module.
func (g *Graph) HandleModule(h Handle) (*Module, bool) {
	m, ok := g.handles[h]
	return m, ok
}

// CloseHandle removes a handle and decrements its Module's refcount,
// returning the Module and whether the refcount reached zero.
func (g *Graph) CloseHandle(h Handle) (*Module, bool, error) {
	m, ok := g.handles[h]
	if !ok {
		return nil, false, dlerror.SystemErr("unknown handle", 0, nil)
	}
	delete(g.handles, h)
	m.Refcount--
	return m, m.Refcount == 0, nil
}
