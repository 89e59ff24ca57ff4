// Package runtime implements the Public API (spec.md §4.8): dlopen,
// dlsym, and dlclose, wired over every other component package behind the
// Loader lock.
package runtime

import (
	"context"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/initfini"
	"github.com/galago-re/dl/internal/loadengine"
	"github.com/galago-re/dl/internal/log"
	"github.com/galago-re/dl/internal/module"
	"github.com/galago-re/dl/internal/reloc"
	"github.com/galago-re/dl/internal/resolver"
	"github.com/galago-re/dl/internal/tls"
)

// Loader is the dynamic linker runtime's entry point. One Loader owns one
// module.Graph and is safe for concurrent use by multiple threads —
// RegisterStartup, Dlopen, Dlsym and Dlclose take the reentrant Loader
// lock internally; Graph and ReadAt do not.
type Loader struct {
	graph      *module.Graph
	resolver   *resolver.Resolver
	loadEngine *loadengine.Engine
	relocator  *reloc.Relocator
	tlsEngine  *tls.Engine
	initEngine *initfini.Engine
	provider   caps.ModuleProvider
	mapper     caps.Mapper
	diag       caps.Diagnostics
	threads    caps.ThreadPrimitives
	cfg        Config
	lock       *reentrantLock
	log        *log.Logger
}

// Deps bundles every capability and sub-component a Loader needs. Callers
// assemble these from internal/hostcap (production) or fakes (tests).
type Deps struct {
	Provider caps.ModuleProvider
	Mapper   caps.Mapper
	Diag     caps.Diagnostics
	Threads  caps.ThreadPrimitives
	Alloc    caps.Allocator
	Invoker  caps.Invoker
	Config   Config
	Log      *log.Logger
}

// New assembles a Loader and every component it delegates to.
func New(d Deps) *Loader {
	if d.Log == nil {
		d.Log = log.NewNop()
	}
	if d.Diag == nil {
		d.Diag = elfdecode.NopDiagnostics{}
	}

	g := module.New()
	res := resolver.New(g)
	tlsEng := tls.New(g, d.Mapper, d.Alloc)

	return &Loader{
		graph:      g,
		resolver:   res,
		loadEngine: loadengine.New(d.Mapper),
		relocator:  reloc.New(d.Mapper, res, tlsEng),
		tlsEngine:  tlsEng,
		initEngine: initfini.New(d.Invoker),
		provider:   d.Provider,
		mapper:     d.Mapper,
		diag:       d.Diag,
		threads:    d.Threads,
		cfg:        d.Config,
		lock:       newReentrantLock(),
		log:        d.Log,
	}
}

// Graph exposes the Loader's module graph for read-only introspection
// (dl info/graph); callers must not mutate anything reachable from it.
func (l *Loader) Graph() *module.Graph {
	return l.graph
}

// ReadAt reads length bytes of live mapped memory at addr, for
// diagnostics (dl addr's disassembly) rather than for relocation.
func (l *Loader) ReadAt(addr, length uint64) ([]byte, error) {
	return l.mapper.Read(addr, length)
}

// RegisterStartup adds a pre-loaded module (e.g. the main executable, or
// libc) straight into startup/global scope, bypassing ModuleProvider —
// this is how a host process seeds the graph with whatever is already
// mapped before the first dlopen call.
func (l *Loader) RegisterStartup(name string, d *elfdecode.Decoded, loadBias uint64, segs []module.RuntimeSegment) (*module.Module, error) {
	tid := l.threads.Current()
	l.lock.Acquire(tid)
	defer l.lock.Release(tid)

	m := &module.Module{
		CanonicalName: name,
		Decoded:       d,
		LoadBias:      loadBias,
		Segments:      segs,
		Needed:        d.Needed,
		Flags:         module.Flags{Global: false, Startup: true},
		State:         module.StateRelocated,
	}
	result, existed, err := l.graph.Add(m, true)
	if existed {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if d.TLS != nil {
		l.tlsEngine.RegisterStatic(m, d.TLSImageData())
	}
	return m, nil
}

// Dlopen implements spec.md §6's dlopen(name, mode).
func (l *Loader) Dlopen(ctx context.Context, name string, mode Mode) (module.Handle, error) {
	tid := l.threads.Current()
	l.lock.Acquire(tid)
	defer l.lock.Release(tid)

	if mode == 0 {
		mode = l.cfg.DefaultMode
	}
	if !mode.Valid() {
		return module.NilHandle, dlerror.InvalidModeErr()
	}

	if existing, ok := l.graph.ByName(name); ok {
		if mode&ModeGlobal != 0 {
			l.graph.PromoteGlobal(existing)
		}
		if mode&ModeNoDelete != 0 {
			existing.Flags.NoDelete = true
		}
		return l.graph.NewHandle(existing), nil
	}

	if mode&ModeNoLoad != 0 {
		return module.NilHandle, dlerror.NoLoadFailedErr(name)
	}

	root, newlyLoaded, err := l.loadTransitive(ctx, name)
	if err != nil {
		return module.NilHandle, err
	}

	if err := l.relocateAndConstruct(root, newlyLoaded); err != nil {
		l.rollback(newlyLoaded)
		return module.NilHandle, err
	}

	root.Flags.Startup = false
	if mode&ModeGlobal != 0 {
		l.graph.PromoteGlobal(root)
	}
	if mode&ModeNoDelete != 0 {
		root.Flags.NoDelete = true
	}

	l.log.ModuleLoaded(root.CanonicalName, root.LoadBias, root.Flags.Global)
	return l.graph.NewHandle(root), nil
}

// loadTransitive decodes and maps name and every DT_NEEDED dependency not
// already present in the graph, level by level, decoding each level's
// siblings concurrently via errgroup — graph mutation itself stays
// serialized under the Loader lock already held by the caller.
func (l *Loader) loadTransitive(ctx context.Context, name string) (root *module.Module, newlyLoaded map[*module.Module]bool, err error) {
	newlyLoaded = make(map[*module.Module]bool)
	frontier := []string{name}
	seen := map[string]*module.Module{}
	neededBy := map[string]string{}

	for len(frontier) > 0 {
		type decoded struct {
			name string
			d    *elfdecode.Decoded
		}
		results := make([]decoded, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		for i, n := range frontier {
			i, n := i, n
			g.Go(func() error {
				if _, ok := l.graph.ByName(n); ok {
					return nil
				}
				mb, oerr := l.provider.Open(gctx, n)
				if oerr != nil {
					if derr, ok := oerr.(*dlerror.Error); ok && derr.Kind == dlerror.NotFound && n != name {
						l.diag.MissingDependency(n)
						return dlerror.MissingDependencyErr(n, neededBy[n])
					}
					return oerr
				}
				d, derr := elfdecode.Decode(mb.Data, l.diag)
				if derr != nil {
					return derr
				}
				if err := d.ReifyNeeded(); err != nil {
					return err
				}
				results[i] = decoded{name: n, d: d}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}

		var next []string
		for _, r := range results {
			if r.d == nil {
				continue // already in graph from a previous level or this run
			}
			loadBias, segs, merr := l.loadEngine.Map(r.name, r.d, 0)
			if merr != nil {
				return nil, nil, merr
			}
			m := &module.Module{
				CanonicalName: r.name,
				Decoded:       r.d,
				LoadBias:      loadBias,
				Segments:      segs,
				Needed:        r.d.Needed,
				Flags:         module.Flags{},
				State:         module.StateMapped,
			}
			added, _, aerr := l.graph.Add(m, true)
			if aerr != nil {
				return nil, nil, aerr
			}
			seen[r.name] = added
			newlyLoaded[added] = true
			for _, dep := range r.d.Needed {
				if _, ok := neededBy[dep]; !ok {
					neededBy[dep] = r.name
				}
			}
			next = append(next, r.d.Needed...)
		}

		frontier = next
	}

	for _, m := range seen {
		for _, dep := range m.Needed {
			depMod, ok := seen[dep]
			if !ok {
				depMod, ok = l.graph.ByName(dep)
			}
			if !ok {
				l.diag.MissingDependency(dep)
				return nil, nil, dlerror.MissingDependencyErr(dep, m.CanonicalName)
			}
			l.graph.LinkDependency(m, depMod)
		}
	}

	root, ok := seen[name]
	if !ok {
		return nil, nil, dlerror.NotFoundErr(name)
	}
	return root, newlyLoaded, nil
}

// relocateAndConstruct applies every newly loaded module's relocations
// (leaf-first, mirroring constructor order) and runs constructors in
// post-order.
func (l *Loader) relocateAndConstruct(root *module.Module, newlyLoaded map[*module.Module]bool) error {
	order := initfini.Order(root, newlyLoaded)

	for _, m := range order {
		if err := l.relocator.Apply(m, root); err != nil {
			return err
		}
		if err := reloc.ApplyRelro(l.mapper, m); err != nil {
			return err
		}
		m.Flags.Relocated = true
		m.State = module.StateRelocated

		if m.IsTLSBearing() {
			if m.Flags.Startup {
				l.tlsEngine.RegisterStatic(m, m.Decoded.TLSImageData())
			} else {
				l.tlsEngine.RegisterDynamic(m)
			}
		}
	}

	return l.initEngine.RunConstructors(order)
}

// rollback undoes a failed dlopen: unmaps every segment the failed
// attempt mapped and removes the modules from the graph, aggregating any
// unmap errors rather than letting the first one hide the rest.
func (l *Loader) rollback(newlyLoaded map[*module.Module]bool) {
	var errs error
	for m := range newlyLoaded {
		for _, err := range l.loadEngine.Unmap(m.Segments) {
			errs = multierr.Append(errs, err)
		}
		m.Refcount = 0
		m.Flags.NoDelete = false
		if _, ok := l.graph.ByName(m.CanonicalName); ok {
			l.graph.Remove(m)
		}
	}
	if errs != nil {
		l.log.Warn("rollback encountered unmap errors", zap.Error(errs))
	}
}

// Dlsym implements spec.md §6's dlsym(handle, name). A nil handle scans
// global scope (the RTLD_DEFAULT convention); any other handle scans the
// BFS local scope rooted at that handle's module.
func (l *Loader) Dlsym(handle module.Handle, name string) (uint64, error) {
	tid := l.threads.Current()
	l.lock.Acquire(tid)
	defer l.lock.Release(tid)

	if handle == module.NilHandle {
		m, sym, ok := l.resolver.LookupGlobal(name)
		if !ok {
			return 0, dlerror.UndefinedSymbolErr(name, "RTLD_DEFAULT")
		}
		return m.LoadBias + sym.Value, nil
	}

	root, ok := l.graph.HandleModule(handle)
	if !ok {
		return 0, dlerror.SystemErr("dlsym: unknown handle", 0, nil)
	}
	m, sym, ok := l.resolver.LookupLocal(root, name)
	if !ok {
		return 0, dlerror.UndefinedSymbolErr(name, root.CanonicalName)
	}
	l.log.SymbolResolved(name, m.CanonicalName)
	return m.LoadBias + sym.Value, nil
}

// Dlclose implements spec.md §6's dlclose(handle). When the handle's
// refcount reaches zero and the module is not NODELETE-pinned, it runs
// finalizers and unmaps the module along with any dependency whose own
// refcount (driven by reverse-dependency edges) also reaches zero.
func (l *Loader) Dlclose(handle module.Handle) error {
	tid := l.threads.Current()
	l.lock.Acquire(tid)
	defer l.lock.Release(tid)

	m, hitZero, err := l.graph.CloseHandle(handle)
	if err != nil {
		return err
	}
	if !hitZero || m.Flags.NoDelete {
		return nil
	}

	dying := l.collectTeardownSet(m)
	teardownOrder := initfini.TeardownOrder(constructorOrderOf(dying))

	var errs error
	for _, e := range l.initEngine.RunFinalizers(teardownOrder) {
		errs = multierr.Append(errs, e)
	}
	for _, dm := range dying {
		for _, e := range l.loadEngine.Unmap(dm.Segments) {
			errs = multierr.Append(errs, e)
		}
		for _, dep := range dm.Deps {
			l.graph.UnlinkDependency(dm, dep)
		}
		l.graph.Remove(dm)
		if dm.IsTLSBearing() {
			l.tlsEngine.Revoke(dm)
		}
		l.log.ModuleUnloaded(dm.CanonicalName)
	}
	return errs
}

// collectTeardownSet finds every module transitively reachable from m
// (via Deps) whose reverse-dependency set, once m itself is excluded,
// would be empty — the set that genuinely becomes unreachable once m
// goes away, not merely m's own dependency list.
func (l *Loader) collectTeardownSet(m *module.Module) []*module.Module {
	candidates := l.resolver.BFSScope(m)
	dying := map[*module.Module]bool{m: true}

	changed := true
	for changed {
		changed = false
		for _, c := range candidates {
			if dying[c] || c.Flags.NoDelete || c.Refcount > 0 {
				continue
			}
			live := false
			for rev := range c.RevDeps {
				if !dying[rev] {
					live = true
					break
				}
			}
			if !live {
				dying[c] = true
				changed = true
			}
		}
	}

	out := make([]*module.Module, 0, len(dying))
	for _, c := range candidates {
		if dying[c] {
			out = append(out, c)
		}
	}
	return out
}

// constructorOrderOf orders modules leaf-first the way RunConstructors
// would have ordered them, so TeardownOrder's reversal runs finalizers
// dependents-first. It mirrors initfini.Order's reasoning: descending
// LoadOrderRank is a valid post-order given loadTransitive's level-by-level
// rank assignment, and it is the documented tie-break for siblings
// (spec.md §4.7).
func constructorOrderOf(mods []*module.Module) []*module.Module {
	out := make([]*module.Module, len(mods))
	copy(out, mods)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LoadOrderRank > out[j].LoadOrderRank
	})
	return out
}
