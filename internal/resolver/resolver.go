// Package resolver implements the Resolver component (spec.md §4.4):
// BFS, visit-once symbol lookup across local, global, and relocation
// scopes.
package resolver

import (
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
)

// Policy names the tie-break rule a Resolver uses when a symbol is
// defined by more than one module reachable from a scope scan.
//
// This implementation always runs PolicyFirstEncountered (the glibc-like
// choice spec.md §9's Open Question calls out) — BFS visit-once,
// first-match-wins. PolicyLoadOrder is declared so a future musl-like
// variant (scan by load_order_rank regardless of BFS distance) has a
// documented place to live instead of re-deriving the open question.
type Policy int

const (
	PolicyFirstEncountered Policy = iota
	PolicyLoadOrder
)

// Outcome classifies how LookupForRelocation settled a symbol reference.
type Outcome int

const (
	// Resolved means a defining module/symbol pair was found.
	Resolved Outcome = iota
	// WeakUndefined means the relocation's symbol is weak and nothing
	// defines it; the caller should bind to zero (GOT/PLT) or a null
	// TLSDESC resolver, per spec.md §4.4 rule 4.
	WeakUndefined
	// Failed means a non-weak symbol could not be resolved anywhere.
	Failed
)

// Resolver answers symbol-lookup questions against a module.Graph. It
// holds no mutable state of its own; all state lives in the Graph.
type Resolver struct {
	graph  *module.Graph
	policy Policy
}

// New creates a Resolver over g using the default (first-encountered)
// policy.
func New(g *module.Graph) *Resolver {
	return &Resolver{graph: g, policy: PolicyFirstEncountered}
}

// Policy reports the active tie-break policy.
func (r *Resolver) Policy() Policy { return r.policy }

// LookupGlobal scans global_order front-to-back and returns the first
// module that defines name.
func (r *Resolver) LookupGlobal(name string) (*module.Module, elfdecode.Symbol, bool) {
	for _, m := range r.graph.GlobalOrder() {
		if sym, ok := definedSymbol(m, name); ok {
			return m, sym, true
		}
	}
	return nil, elfdecode.Symbol{}, false
}

// LookupLocal implements dlsym's local-scope rule: a BFS, visit-once scan
// of root's dependency set, starting with root itself.
func (r *Resolver) LookupLocal(root *module.Module, name string) (*module.Module, elfdecode.Symbol, bool) {
	for _, m := range r.BFSScope(root) {
		if sym, ok := definedSymbol(m, name); ok {
			return m, sym, true
		}
	}
	return nil, elfdecode.Symbol{}, false
}

// BFSScope returns root's dependency set in breadth-first, visit-once
// order (by canonical name), root first. This is "the scope" spec.md §4.4
// and §4.5 refer to as active for a given dlopen root.
func (r *Resolver) BFSScope(root *module.Module) []*module.Module {
	if root == nil {
		return nil
	}
	visited := map[string]bool{root.CanonicalName: true}
	order := make([]*module.Module, 0, 8)
	queue := []*module.Module{root}

	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		order = append(order, m)
		for _, dep := range m.Deps {
			if dep == nil || visited[dep.CanonicalName] {
				continue
			}
			visited[dep.CanonicalName] = true
			queue = append(queue, dep)
		}
	}
	return order
}

// LookupForRelocation implements the composite resolution rule of spec.md
// §4.4: origin's own (non-weak) definition shadows everything, then
// global_order, then the scope rooted at scopeRoot (the module passed to
// the triggering dlopen). weak tells WeakPolicy whether the relocation
// type permits a weak-undefined fallback (rule 4).
//
// global_order is consulted before scopeRoot's own BFS scope: this is the
// "global dominates local" resolution of spec.md §9's open question on
// mixed local/global scopes (its scenario 3 pins a GLOBAL-promoted
// module's definition ahead of a LOCAL dlopen root's own transitive
// dependency on the same name).
func (r *Resolver) LookupForRelocation(origin, scopeRoot *module.Module, name string, weak bool) (*module.Module, elfdecode.Symbol, Outcome) {
	if origin != nil {
		if sym, ok := origin.Decoded.Symbols[name]; ok && sym.Defined && !sym.Weak {
			return origin, sym, Resolved
		}
	}

	if m, sym, ok := r.LookupGlobal(name); ok {
		return m, sym, Resolved
	}

	if scopeRoot != nil {
		for _, m := range r.BFSScope(scopeRoot) {
			if sym, ok := definedSymbol(m, name); ok {
				return m, sym, Resolved
			}
		}
	}

	return nil, elfdecode.Symbol{}, WeakPolicy(weak)
}

// WeakPolicy implements spec.md §4.4 rule 4 as a standalone, independently
// testable decision instead of an inline branch at every relocation call
// site: once origin, global scope, and local scope have all failed to
// resolve a symbol, a weak reference settles to WeakUndefined (the caller
// binds it to a zero value, or for TLSDESC a descriptor that returns
// null); a non-weak reference is Failed outright.
func WeakPolicy(weak bool) Outcome {
	if weak {
		return WeakUndefined
	}
	return Failed
}

func definedSymbol(m *module.Module, name string) (elfdecode.Symbol, bool) {
	if m == nil || m.Decoded == nil {
		return elfdecode.Symbol{}, false
	}
	sym, ok := m.Decoded.Symbols[name]
	if !ok || !sym.Defined {
		return elfdecode.Symbol{}, false
	}
	return sym, true
}
