// Package cpurun adapts the teacher's Unicorn-based ARM64 emulator into a
// caps.Invoker and caps.Mapper pair backed by real CPU emulation, for
// actually executing DT_INIT/DT_INIT_ARRAY/DT_FINI/DT_FINI_ARRAY entries
// and TLSDESC resolver code against mapped module memory.
//
// Everything the teacher's Emulator did for mock C++ objects, libc
// globals, RTTI vtables, and HIPAA instrumentation is gone: this package
// only maps memory, moves bytes, and transfers control — the loader
// supplies the rest through its own capabilities.
package cpurun

import (
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/galago-re/dl/internal/caps"
	"github.com/galago-re/dl/internal/dlerror"
)

const (
	stackBase = 0x7f000000_00000000
	stackSize = 0x00100000 // 1MB

	// returnTrap is where the runner points the link register before a
	// call, so it can tell a real return from a runaway branch.
	returnTrap = 0x00000000_dead0000
)

// Unicorn is a caps.Invoker and caps.Mapper backed by a single Unicorn
// ARM64 context. All module memory — segments, TLS blocks, stacks — lives
// inside this one address space, mirroring how a real process's dynamic
// linker shares its own address space with the modules it loads.
type Unicorn struct {
	mu          sync.Mutex
	eng         uc.Unicorn
	scratchNext uint64
}

// New creates a Unicorn-backed runtime with a small fixed stack mapped at
// stackBase.
func New() (*Unicorn, error) {
	eng, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, dlerror.SystemErr("create ARM64 CPU context", 0, err)
	}
	if err := eng.MemMap(stackBase, stackSize); err != nil {
		eng.Close()
		return nil, dlerror.SystemErr("map stack", 0, err)
	}
	if err := eng.RegWrite(uc.ARM64_REG_SP, stackBase+stackSize-0x100); err != nil {
		eng.Close()
		return nil, dlerror.SystemErr("init SP", 0, err)
	}
	return &Unicorn{eng: eng}, nil
}

// Close releases the underlying CPU context.
func (u *Unicorn) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.eng.Close()
}

// Map implements caps.Mapper. Unicorn requires page-aligned, page-sized
// regions; length is rounded up before mapping.
func (u *Unicorn) Map(addrHint, length uint64, perm caps.Perm) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	base := addrHint
	size := roundUpPage(length)
	if base == 0 {
		var err error
		base, err = u.pickFreeRegion(size)
		if err != nil {
			return 0, err
		}
	}
	if err := u.eng.MemMap(base, size); err != nil {
		return 0, dlerror.SystemErr(fmt.Sprintf("map 0x%x/0x%x", base, size), 0, err)
	}
	if err := u.eng.MemProtect(base, size, permBits(perm)); err != nil {
		return 0, dlerror.SystemErr("protect new mapping", 0, err)
	}
	return base, nil
}

func (u *Unicorn) pickFreeRegion(size uint64) (uint64, error) {
	// A scratch arena distinct from anywhere the runtime explicitly places
	// module segments; callers that care about placement pass addrHint.
	u.scratchNext += roundUpPage(size) + pageSize
	return u.scratchNext - roundUpPage(size) - pageSize + scratchBase, nil
}

func (u *Unicorn) Write(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.eng.MemWrite(addr, data); err != nil {
		return dlerror.SystemErr(fmt.Sprintf("write 0x%x", addr), 0, err)
	}
	return nil
}

func (u *Unicorn) Read(addr, length uint64) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	buf, err := u.eng.MemRead(addr, length)
	if err != nil {
		return nil, dlerror.SystemErr(fmt.Sprintf("read 0x%x", addr), 0, err)
	}
	return buf, nil
}

func (u *Unicorn) Protect(addr, length uint64, perm caps.Perm) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.eng.MemProtect(addr, roundUpPage(length), permBits(perm)); err != nil {
		return dlerror.SystemErr(fmt.Sprintf("protect 0x%x", addr), 0, err)
	}
	return nil
}

func (u *Unicorn) Unmap(addr, length uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.eng.MemUnmap(addr, roundUpPage(length)); err != nil {
		return dlerror.SystemErr(fmt.Sprintf("unmap 0x%x", addr), 0, err)
	}
	return nil
}

// Call implements caps.Invoker: it sets up to four integer arguments in
// X0-X3, points LR at returnTrap, sets PC to pc, and runs until control
// reaches returnTrap. Unicorn's Start(begin, until) halts as soon as PC
// equals until, before fetching the instruction there, so returnTrap never
// needs to be mapped — the same mechanism the teacher's own Run(start,
// end) relies on.
func (u *Unicorn) Call(pc uint64, args ...uint64) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	argRegs := []int{uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3}
	for i, a := range args {
		if i >= len(argRegs) {
			break
		}
		if err := u.eng.RegWrite(argRegs[i], a); err != nil {
			return 0, dlerror.SystemErr("set call argument", 0, err)
		}
	}
	if err := u.eng.RegWrite(uc.ARM64_REG_LR, returnTrap); err != nil {
		return 0, dlerror.SystemErr("set link register", 0, err)
	}

	if err := u.eng.Start(pc, returnTrap); err != nil {
		return 0, dlerror.SystemErr(fmt.Sprintf("call 0x%x", pc), 0, err)
	}

	ret, err := u.eng.RegRead(uc.ARM64_REG_X0)
	if err != nil {
		return 0, dlerror.SystemErr("read return value", 0, err)
	}
	return ret, nil
}

const (
	pageSize    = 4096
	scratchBase = 0x00006000_00000000
)

func roundUpPage(v uint64) uint64 {
	if v == 0 {
		return pageSize
	}
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func permBits(p caps.Perm) int {
	bits := uc.PROT_NONE
	if p.Has(caps.PermRead) {
		bits |= uc.PROT_READ
	}
	if p.Has(caps.PermWrite) {
		bits |= uc.PROT_WRITE
	}
	if p.Has(caps.PermExec) {
		bits |= uc.PROT_EXEC
	}
	return bits
}
