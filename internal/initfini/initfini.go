// Package initfini implements the Init/Fini Engine (spec.md §4.7):
// post-order constructor scheduling over a dlopen's dependency DAG, and
// the mirror-image reverse order for finalizers at dlclose/teardown time.
package initfini

import (
	"sort"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/module"
)

// Engine runs constructors and destructors through a caps.Invoker, the
// capability standing in for the per-architecture assembly stub that
// actually transfers control to DT_INIT/DT_INIT_ARRAY/DT_FINI/
// DT_FINI_ARRAY entries (spec.md §9's Design Notes).
type Engine struct {
	invoker caps.Invoker
}

// New creates an Init/Fini Engine.
func New(invoker caps.Invoker) *Engine {
	return &Engine{invoker: invoker}
}

// Order returns the modules newly introduced by a dlopen rooted at root,
// in the order their constructors must run: post-order over the
// dependency DAG (every dependency before its dependents), ties broken by
// reverse load order — leaves of the DAG, deepest first. newlyLoaded
// restricts the result to modules this particular dlopen call actually
// introduced; an already-live dependency that is merely referenced again
// must not run its constructors a second time.
//
// loadTransitive loads level by level (module.Graph.Add hands out
// LoadOrderRank in that same level-by-level sequence), so every module's
// rank is strictly greater than any module that depends on it: sorting
// the reachable set by descending LoadOrderRank is a valid post-order all
// by itself, and it resolves same-level ties (siblings with no edge
// between them) exactly as "reverse load order" specifies.
func Order(root *module.Module, newlyLoaded map[*module.Module]bool) []*module.Module {
	visited := make(map[*module.Module]bool)
	var reachable []*module.Module
	var walk func(m *module.Module)
	walk = func(m *module.Module) {
		if m == nil || visited[m] {
			return
		}
		visited[m] = true
		reachable = append(reachable, m)
		for _, dep := range m.Deps {
			walk(dep)
		}
	}
	walk(root)

	var order []*module.Module
	for _, m := range reachable {
		if newlyLoaded == nil || newlyLoaded[m] {
			order = append(order, m)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].LoadOrderRank > order[j].LoadOrderRank
	})
	return order
}

// RunConstructors runs DT_INIT then DT_INIT_ARRAY (in file order) for
// each module in order, skipping modules whose constructors already ran
// (Flags.CtorsRun) and marking each as run before moving to the next.
// It stops at the first constructor that returns an error.
func (e *Engine) RunConstructors(order []*module.Module) error {
	for _, m := range order {
		if m.Flags.CtorsRun {
			continue
		}
		if err := e.runOne(m); err != nil {
			return err
		}
		m.Flags.CtorsRun = true
		m.State = module.StateConstructorsRun
	}
	return nil
}

func (e *Engine) runOne(m *module.Module) error {
	d := m.Decoded
	if d.Init != 0 {
		if _, err := e.invoker.Call(m.LoadBias + d.Init); err != nil {
			return dlerror.SystemErr("DT_INIT call failed for "+m.CanonicalName, 0, err)
		}
	}
	for _, fn := range d.InitArray {
		if fn == 0 {
			continue
		}
		if _, err := e.invoker.Call(m.LoadBias + fn); err != nil {
			return dlerror.SystemErr("DT_INIT_ARRAY entry failed for "+m.CanonicalName, 0, err)
		}
	}
	return nil
}

// RunFinalizers runs DT_FINI_ARRAY (in reverse file order) then DT_FINI
// for each module in order, which callers must pass in the reverse of the
// order RunConstructors used for those same modules (spec.md §4.7: "the
// mirror image"). Unlike constructors, a finalizer failure does not stop
// the pass — teardown proceeds through every module, and the caller
// aggregates any errors (the Public API does this with multierr).
func (e *Engine) RunFinalizers(order []*module.Module) []error {
	var errs []error
	for _, m := range order {
		if !m.Flags.CtorsRun {
			continue
		}
		if err := e.runFiniOne(m); err != nil {
			errs = append(errs, err)
		}
		m.Flags.CtorsRun = false
	}
	return errs
}

func (e *Engine) runFiniOne(m *module.Module) error {
	d := m.Decoded
	for i := len(d.FiniArray) - 1; i >= 0; i-- {
		fn := d.FiniArray[i]
		if fn == 0 {
			continue
		}
		if _, err := e.invoker.Call(m.LoadBias + fn); err != nil {
			return dlerror.SystemErr("DT_FINI_ARRAY entry failed for "+m.CanonicalName, 0, err)
		}
	}
	if d.Fini != 0 {
		if _, err := e.invoker.Call(m.LoadBias + d.Fini); err != nil {
			return dlerror.SystemErr("DT_FINI call failed for "+m.CanonicalName, 0, err)
		}
	}
	return nil
}

// TeardownOrder reverses a constructor order, the shape RunFinalizers
// expects. It is a thin helper so callers don't hand-roll slice reversal
// at every dlclose call site.
func TeardownOrder(constructorOrder []*module.Module) []*module.Module {
	out := make([]*module.Module, len(constructorOrder))
	for i, m := range constructorOrder {
		out[len(out)-1-i] = m
	}
	return out
}
