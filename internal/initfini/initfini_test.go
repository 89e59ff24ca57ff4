package initfini

import (
	"fmt"
	"testing"

	"github.com/galago-re/dl/internal/elfdecode"
	"github.com/galago-re/dl/internal/module"
)

// counterInvoker runs a fixed integer "program" per address: each Call
// adds the address's registered delta to a running counter, deterministic
// and CPU-free, the way a scripted test fixture would.
type counterInvoker struct {
	counter int
	deltas  map[uint64]int
	calls   []uint64
}

func newCounterInvoker() *counterInvoker {
	return &counterInvoker{deltas: make(map[uint64]int)}
}

func (c *counterInvoker) Call(pc uint64, args ...uint64) (uint64, error) {
	c.counter += c.deltas[pc]
	c.calls = append(c.calls, pc)
	return 0, nil
}

func leafAndRoot(t *testing.T) (leaf, mid, root *module.Module) {
	t.Helper()
	// LoadOrderRank mirrors what loadTransitive would assign for this
	// chain: root discovered first, then mid, then leaf.
	leaf = &module.Module{
		CanonicalName: "libleaf.so",
		Decoded:       &elfdecode.Decoded{Init: 0x10, InitArray: []uint64{0x20}},
		LoadOrderRank: 2,
	}
	mid = &module.Module{
		CanonicalName: "libmid.so",
		Decoded:       &elfdecode.Decoded{Init: 0x30},
		Deps:          []*module.Module{leaf},
		LoadOrderRank: 1,
	}
	root = &module.Module{
		CanonicalName: "libroot.so",
		Decoded:       &elfdecode.Decoded{Init: 0x40},
		Deps:          []*module.Module{mid},
		LoadOrderRank: 0,
	}
	return
}

func TestOrderIsPostOrder(t *testing.T) {
	leaf, mid, root := leafAndRoot(t)
	order := Order(root, nil)

	if len(order) != 3 {
		t.Fatalf("got %d modules, want 3", len(order))
	}
	if order[0] != leaf || order[1] != mid || order[2] != root {
		names := make([]string, len(order))
		for i, m := range order {
			names[i] = m.CanonicalName
		}
		t.Fatalf("post-order = %v, want [libleaf.so libmid.so libroot.so]", names)
	}
}

func TestOrderRestrictsToNewlyLoaded(t *testing.T) {
	leaf, mid, root := leafAndRoot(t)
	newly := map[*module.Module]bool{mid: true, root: true} // leaf already live
	order := Order(root, newly)

	if len(order) != 2 || order[0] != mid || order[1] != root {
		t.Fatalf("got %v, want [libmid.so libroot.so]", order)
	}
}

// TestOrderBreaksTiesByReverseLoadOrder reproduces spec.md §8 scenario 6:
// root needs a, b, c (in that DT_NEEDED order); a needs a-dep; b needs
// b-dep. A naive per-branch DFS over Deps yields
// [a-dep, a, b-dep, b, c, root]; the spec's documented constructor order
// is [b-dep, a-dep, c, b, a, root] — siblings are ordered by descending
// LoadOrderRank (reverse load order) at every level, not by DT_NEEDED
// file order.
func TestOrderBreaksTiesByReverseLoadOrder(t *testing.T) {
	mk := func(name string, rank int) *module.Module {
		return &module.Module{CanonicalName: name, Decoded: &elfdecode.Decoded{}, LoadOrderRank: rank}
	}
	// Ranks follow breadth-first load order: root(0), then its direct
	// deps a,b,c (1,2,3), then the next level's a-dep,b-dep (4,5).
	root := mk("root", 0)
	a := mk("a", 1)
	b := mk("b", 2)
	c := mk("c", 3)
	aDep := mk("a-dep", 4)
	bDep := mk("b-dep", 5)

	a.Deps = []*module.Module{aDep}
	b.Deps = []*module.Module{bDep}
	root.Deps = []*module.Module{a, b, c}

	order := Order(root, nil)

	var names []string
	for _, m := range order {
		names = append(names, m.CanonicalName)
	}
	want := []string{"b-dep", "a-dep", "c", "b", "a", "root"}
	if len(names) != len(want) {
		t.Fatalf("order = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestConstructorsThenFinalizersCounterSequence(t *testing.T) {
	leaf, mid, root := leafAndRoot(t)
	inv := newCounterInvoker()
	inv.deltas[0x10] = 1 // leaf DT_INIT
	inv.deltas[0x20] = 2 // leaf DT_INIT_ARRAY[0]
	inv.deltas[0x30] = 3 // mid DT_INIT
	// root has no registered delta and no FiniArray entries.

	e := New(inv)
	order := Order(root, nil)
	if err := e.RunConstructors(order); err != nil {
		t.Fatalf("RunConstructors: %v", err)
	}

	if inv.counter != 6 {
		t.Fatalf("counter after construction = %d, want 6", inv.counter)
	}
	for _, m := range []*module.Module{leaf, mid, root} {
		if !m.Flags.CtorsRun {
			t.Errorf("%s: CtorsRun not set", m.CanonicalName)
		}
	}

	// Now a fini pass that mirrors the same deltas via FiniArray/Fini, run
	// in teardown (reverse) order: root, mid, leaf.
	leaf.Decoded.FiniArray = []uint64{0x20}
	leaf.Decoded.Fini = 0x10
	mid.Decoded.Fini = 0x30
	teardown := TeardownOrder(order)
	if errs := e.RunFinalizers(teardown); len(errs) != 0 {
		t.Fatalf("RunFinalizers: %v", errs)
	}

	if inv.counter != 12 {
		t.Fatalf("counter after finalization = %d, want 12", inv.counter)
	}
	for _, m := range []*module.Module{leaf, mid, root} {
		if m.Flags.CtorsRun {
			t.Errorf("%s: CtorsRun still set after teardown", m.CanonicalName)
		}
	}
}

func TestRunConstructorsSkipsAlreadyRun(t *testing.T) {
	leaf, _, _ := leafAndRoot(t)
	leaf.Flags.CtorsRun = true
	inv := newCounterInvoker()
	inv.deltas[0x10] = 1
	inv.deltas[0x20] = 2

	e := New(inv)
	if err := e.RunConstructors([]*module.Module{leaf}); err != nil {
		t.Fatalf("RunConstructors: %v", err)
	}
	if inv.counter != 0 {
		t.Errorf("constructor re-ran for an already-constructed module: counter = %d", inv.counter)
	}
}

type failingInvoker struct{}

func (failingInvoker) Call(pc uint64, args ...uint64) (uint64, error) {
	return 0, fmt.Errorf("boom at 0x%x", pc)
}

func TestRunConstructorsStopsOnError(t *testing.T) {
	leaf, mid, _ := leafAndRoot(t)
	e := New(failingInvoker{})
	err := e.RunConstructors([]*module.Module{leaf, mid})
	if err == nil {
		t.Fatal("expected an error from a failing constructor")
	}
	if mid.Flags.CtorsRun {
		t.Error("mid's constructors must not be marked run when leaf's DT_INIT failed first")
	}
}
