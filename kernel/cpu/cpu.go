// Package cpu models the processor state the memory manager depends on: the
// interrupt flag, the translation root register (root table address plus
// ASID) and an ASID-tagged translation lookaside buffer.
//
// The kernel built for the hosted target runs on top of this software model;
// a hardware port replaces the register accessors with their arch-specific
// counterparts while keeping the same signatures.
package cpu

import "sync/atomic"

var (
	// interruptsEnabled mirrors the interrupt-enable flag of the boot core.
	interruptsEnabled uint32 = 1

	// root holds the physical address of the active root translation
	// table and the ASID that tags its cached translations.
	root struct {
		tableAddr uintptr
		asid      uint16
	}
)

// ErrHalted is the value Halt panics with on the hosted target.
type ErrHalted struct{}

// Error implements the error interface.
func (ErrHalted) Error() string { return "cpu halted" }

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 1)
}

// DisableInterrupts disables interrupt handling and reports whether
// interrupts were enabled before the call so callers can restore the
// previous state.
func DisableInterrupts() bool {
	return atomic.SwapUint32(&interruptsEnabled, 0) == 1
}

// RestoreInterrupts re-enables interrupts if wasEnabled is true.
func RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		EnableInterrupts()
	}
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func InterruptsEnabled() bool {
	return atomic.LoadUint32(&interruptsEnabled) == 1
}

// Halt stops instruction execution. There is no instruction stream to stop
// on the hosted target so Halt unwinds the calling goroutine instead.
func Halt() {
	panic(ErrHalted{})
}

// SwitchRoot loads the translation root register with the supplied table
// address and ASID. Cached translations tagged with other ASIDs survive
// the switch; callers that recycle an ASID must flush it explicitly.
func SwitchRoot(tableAddr uintptr, asid uint16) {
	root.tableAddr = tableAddr
	root.asid = asid
}

// ActiveRoot returns the root table address and ASID currently loaded in the
// translation root register.
func ActiveRoot() (uintptr, uint16) {
	return root.tableAddr, root.asid
}
