// Package vmm implements per-process virtual address spaces on top of a
// pluggable page table backend.
//
// A Backend only stores translations. Everything that depends on the CPU
// state (ASID assignment, root register switches and TLB invalidation) is
// handled by AddressSpace so that all backends share the same visibility
// rules: a mutation of the active space is flushed from the TLB before the
// call returns while a mutation of an inactive space is flushed when that
// space is next activated.
package vmm

import (
	"lendos/kernel"
	"lendos/kernel/mm"
)

var (
	// ErrBadAddress is returned when an address has no mapping.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrAlreadyMapped is returned when a mapping would replace an entry
	// pointing to a different frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrAccessDenied is returned when a mapping does not grant the
	// requested access.
	ErrAccessDenied = &kernel.Error{Module: "vmm", Message: "mapping does not permit the requested access"}

	// ErrPageReserved is returned when translating a page that has been
	// reserved but not backed by a frame yet.
	ErrPageReserved = &kernel.Error{Module: "vmm", Message: "page is reserved but not committed"}

	// ErrBadEntryState is returned by backends for entry updates that
	// would attach or detach a frame.
	ErrBadEntryState = &kernel.Error{Module: "vmm", Message: "invalid page table entry state transition"}

	// ErrOutOfASIDs is returned when every address space identifier is in use.
	ErrOutOfASIDs = &kernel.Error{Module: "vmm", Message: "no free address space identifiers"}

	// ErrNoFreeRange is returned when no unmapped range of the requested
	// size is left in the user area.
	ErrNoFreeRange = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EntryState describes what a page table entry currently holds.
type EntryState uint8

const (
	// EntryPresent entries translate to a frame.
	EntryPresent EntryState = iota + 1

	// EntryReserved entries claim the address but have no frame yet.
	EntryReserved

	// EntryLent entries keep the frame of a page lent out mutably. The
	// page is inaccessible until the loan is returned.
	EntryLent
)

// String implements fmt.Stringer.
func (s EntryState) String() string {
	switch s {
	case EntryPresent:
		return "present"
	case EntryReserved:
		return "reserved"
	case EntryLent:
		return "lent"
	default:
		return "invalid"
	}
}

// HasFrame returns true if entries in this state point to a frame.
func (s EntryState) HasFrame() bool {
	return s == EntryPresent || s == EntryLent
}

// CanBecome returns true if an entry in state s may be updated in place to
// state next. Updates never attach or detach frames; that requires Map or
// Unmap.
func (s EntryState) CanBecome(next EntryState) bool {
	return s.HasFrame() == next.HasFrame() && next >= EntryPresent && next <= EntryLent
}

// Entry is the backend-neutral view of a page table entry.
type Entry struct {
	// Frame is mm.InvalidFrame for reserved entries.
	Frame mm.Frame
	Flags mm.MemoryFlags
	State EntryState
}

// Permits returns true if the entry can be accessed by the kernel on
// behalf of its process for reading or, if write is set, writing.
func (e Entry) Permits(write bool) bool {
	if e.State != EntryPresent {
		return false
	}
	if write {
		return e.Flags.Has(mm.FlagW)
	}
	return e.Flags.Has(mm.FlagR)
}

// EntryVisitor is invoked by Backend.Visit for each entry of an address
// space in ascending address order. Returning false stops the visit.
type EntryVisitor func(page mm.Page, entry Entry) bool

// FrameAllocator is the subset of the physical allocator used by backends
// to obtain frames for their translation tables.
type FrameAllocator interface {
	AllocFrame(owner mm.PID) (mm.Frame, *kernel.Error)
	FreeFrame(frame mm.Frame, owner mm.PID) *kernel.Error
}

// Backend stores the translations of address spaces. Backends do not
// touch the TLB or the root register; AddressSpace does that on their
// behalf.
type Backend interface {
	// Name identifies the backend in log output.
	Name() string

	// NewRoot sets up the translation state of space and returns the
	// frame holding its root table. The frame is owned by space.PID().
	NewRoot(space *AddressSpace) (mm.Frame, *kernel.Error)

	// Destroy releases the translation state of space, including every
	// table frame. Frames referenced by leaf entries are untouched.
	Destroy(space *AddressSpace)

	// Map installs a present entry for page. A reserved entry is
	// committed; a present entry for the same frame has its flags
	// replaced. Any other existing entry yields ErrAlreadyMapped.
	Map(space *AddressSpace, page mm.Page, frame mm.Frame, flags mm.MemoryFlags) *kernel.Error

	// Reserve installs an entry with no frame. It fails with
	// ErrAlreadyMapped if page has an entry.
	Reserve(space *AddressSpace, page mm.Page, flags mm.MemoryFlags) *kernel.Error

	// Unmap removes the entry for page and returns it.
	Unmap(space *AddressSpace, page mm.Page) (Entry, *kernel.Error)

	// Lookup returns the entry for page or ErrBadAddress.
	Lookup(space *AddressSpace, page mm.Page) (Entry, *kernel.Error)

	// Update rewrites the state and flags of an existing entry keeping
	// its frame. Transitions rejected by EntryState.CanBecome fail with
	// ErrBadEntryState.
	Update(space *AddressSpace, page mm.Page, state EntryState, flags mm.MemoryFlags) *kernel.Error

	// Visit calls visitor for every entry of space.
	Visit(space *AddressSpace, visitor EntryVisitor)
}
