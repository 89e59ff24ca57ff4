// Package scriptrun implements a deterministic caps.Invoker backed by
// goja, for tests and synthetic fixtures that need to exercise the
// Init/Fini Engine and TLSDESC resolution without compiling real ARM64
// machine code (the Go toolchain is never invoked by this loader's own
// build, so no test fixture can ever contain a real .so).
//
// Each address is registered with a small JavaScript snippet ahead of
// time; Call runs that snippet in a shared VM, passing args as "args" and
// returning the snippet's final expression value.
package scriptrun

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/galago-re/dl/internal/dlerror"
)

// VM is a caps.Invoker over a single shared goja runtime. A global "state"
// object persists across calls, so a test can register a counter at one
// address and assert on its value after a sequence of Init/Fini Engine
// calls, such as spec.md's scenario 6 (counter reaches 6, then 12),
// without a real binary.
type VM struct {
	mu      sync.Mutex
	rt      *goja.Runtime
	scripts map[uint64]*goja.Program
}

// New creates a VM with an empty "state" global object.
func New() *VM {
	rt := goja.New()
	rt.Set("state", map[string]any{})
	return &VM{rt: rt, scripts: make(map[uint64]*goja.Program)}
}

// Register compiles src and associates it with address pc. Calling pc
// later runs src against the shared "state" object and "args" array.
func (v *VM) Register(pc uint64, src string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prog, err := goja.Compile(fmt.Sprintf("addr_0x%x", pc), src, false)
	if err != nil {
		return dlerror.SystemErr("compile script", 0, err)
	}
	v.scripts[pc] = prog
	return nil
}

// Call implements caps.Invoker.
func (v *VM) Call(pc uint64, args ...uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	prog, ok := v.scripts[pc]
	if !ok {
		return 0, dlerror.SystemErr(fmt.Sprintf("scriptrun: no script registered at 0x%x", pc), 0, nil)
	}

	v.rt.Set("args", args)
	val, err := v.rt.RunProgram(prog)
	if err != nil {
		return 0, dlerror.SystemErr(fmt.Sprintf("script at 0x%x", pc), 0, err)
	}
	if val == nil || goja.IsUndefined(val) {
		return 0, nil
	}
	return uint64(val.ToInteger()), nil
}

// State reads a value out of the shared state object, for test assertions.
func (v *VM) State(key string) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.rt.Get("state").ToObject(v.rt)
	return state.Get(key).Export()
}
