// Package module implements the Module and ModuleGraph data model
// (spec.md §3, §4.3): the Graph owns every live Module record and maps
// canonical names and handles to it. Modules point at each other directly
// through their Deps and RevDeps fields.
package module

import (
	"github.com/galago-re/dl/internal/elfdecode"
)

// State is a Module's position in its one-way lifecycle.
type State int

const (
	StateDecoded State = iota
	StateMapped
	StateRelocated
	StateConstructorsRun
	StateLive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateDecoded:
		return "decoded"
	case StateMapped:
		return "mapped"
	case StateRelocated:
		return "relocated"
	case StateConstructorsRun:
		return "constructors_run"
	case StateLive:
		return "live"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Flags mirrors the boolean bookkeeping fields spec.md §3 lists on Module.
type Flags struct {
	Global    bool
	Startup   bool
	NoDelete  bool
	Relocated bool
	CtorsRun  bool
}

// RuntimeSegment is a PT_LOAD segment after load_bias has been applied.
type RuntimeSegment struct {
	elfdecode.ProgHeader
	RuntimeAddr uint64 // Vaddr + load_bias
	RelroStart  uint64 // 0 if no PT_GNU_RELRO covers this segment
	RelroEnd    uint64
}

// Module is the single concrete record for a loaded ELF image: "session
// specific" fields (LoadBias, ModID, refcounts) live alongside
// "file-only" fields (the embedded *elfdecode.Decoded) rather than being
// split across a base/derived class pair.
type Module struct {
	CanonicalName string
	LoadBias      uint64
	Decoded       *elfdecode.Decoded
	Segments      []RuntimeSegment

	// ModID is non-zero only for TLS-bearing modules, and is stable for
	// the module's lifetime (spec.md invariant I3).
	ModID uint32

	Refcount int32
	Flags    Flags

	LoadOrderRank   int
	GlobalOrderRank int // -1 until promoted to global

	State State

	// Needed holds the canonical names from DT_NEEDED, in file order.
	Needed []string
	// Deps holds the resolved Module for each Needed entry, same order,
	// populated once all transitive dependencies are loaded.
	Deps []*Module
	// RevDeps is the set of modules that depend on this one, used to
	// drive recursive teardown when a dependency's last reverse-edge goes
	// away (spec.md §4.8).
	RevDeps map[*Module]struct{}
}

// IsTLSBearing reports whether this module has a PT_TLS segment.
func (m *Module) IsTLSBearing() bool {
	return m.Decoded != nil && m.Decoded.TLS != nil
}

// addRevDep records that dep depends on m (m is in dep's Needed/Deps).
func (m *Module) addRevDep(dep *Module) {
	if m.RevDeps == nil {
		m.RevDeps = make(map[*Module]struct{})
	}
	m.RevDeps[dep] = struct{}{}
}

// removeRevDep drops a reverse-dependency edge.
func (m *Module) removeRevDep(dep *Module) {
	delete(m.RevDeps, dep)
}
