package runtime

// Mode is dlopen's bitmask argument (spec.md §6).
type Mode uint32

const (
	// ModeNow eagerly binds all relocations before dlopen returns.
	ModeNow Mode = 1 << iota
	// ModeLazy defers PLT binding (the JUMP_SLOT relocation class is
	// still applied eagerly by this runtime's Relocator — there is no
	// lazy PLT resolver stub in the capability set — but the bit is
	// accepted and recorded for API compatibility).
	ModeLazy
	// ModeLocal keeps the module out of global_order.
	ModeLocal
	// ModeGlobal adds the module to global_order.
	ModeGlobal
	// ModeNoLoad fails with NoLoadFailed instead of loading an absent module.
	ModeNoLoad
	// ModeNoDelete pins the module: dlclose never unmaps it.
	ModeNoDelete

	modeKnownBits = ModeNow | ModeLazy | ModeLocal | ModeGlobal | ModeNoLoad | ModeNoDelete
)

// Valid reports whether m contains only known bits and not both NOW and
// LAZY, nor both LOCAL and GLOBAL (spec.md §6.2's "illegal combination").
func (m Mode) Valid() bool {
	if m&^modeKnownBits != 0 {
		return false
	}
	if m&ModeNow != 0 && m&ModeLazy != 0 {
		return false
	}
	if m&ModeLocal != 0 && m&ModeGlobal != 0 {
		return false
	}
	return true
}
