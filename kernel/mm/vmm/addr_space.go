package vmm

import (
	"lendos/kernel"
	"lendos/kernel/cpu"
	"lendos/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	switchRootFn    = cpu.SwitchRoot
	activeRootFn    = cpu.ActiveRoot
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushASIDFn     = cpu.FlushASID
	lookupTLBFn     = cpu.LookupTLB
	fillTLBFn       = cpu.FillTLB
)

// AddressSpace is the virtual address space of a single process.
type AddressSpace struct {
	pid        mm.PID
	asid       uint16
	generation uint32
	root       mm.Frame

	// pendingFlush is set when the space was modified while inactive.
	pendingFlush bool

	backend Backend
	asids   *ASIDAllocator

	// BackendState is owned by the backend that set up the space.
	BackendState interface{}
}

// NewAddressSpace creates an empty address space for pid. The kernel
// process always uses KernelASID; every other process gets an ASID from
// asids.
func NewAddressSpace(pid mm.PID, backend Backend, asids *ASIDAllocator) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{
		pid:     pid,
		backend: backend,
		asids:   asids,
		root:    mm.InvalidFrame,
	}

	if pid == mm.KernelPID {
		as.asid, as.generation = KernelASID, asids.generations[KernelASID]
	} else {
		var ok bool
		if as.asid, as.generation, ok = asids.Alloc(); !ok {
			return nil, ErrOutOfASIDs
		}
	}

	root, err := backend.NewRoot(as)
	if err != nil {
		asids.Release(as.asid)
		return nil, err
	}
	as.root = root

	return as, nil
}

// PID returns the process owning this space.
func (as *AddressSpace) PID() mm.PID { return as.pid }

// ASID returns the identifier tagging this space's cached translations.
func (as *AddressSpace) ASID() uint16 { return as.asid }

// Root returns the frame holding the root translation table.
func (as *AddressSpace) Root() mm.Frame { return as.root }

// Backend returns the backend storing the space's translations.
func (as *AddressSpace) Backend() Backend { return as.backend }

// Active returns true if this space is loaded in the root register.
func (as *AddressSpace) Active() bool {
	tableAddr, asid := activeRootFn()
	return as.root.Valid() && tableAddr == as.root.Address() && asid == as.asid
}

// Activate loads this space into the root register. Translations cached
// under the space's ASID are flushed first if the ASID was last used by a
// previous owner or the space was modified while inactive.
func (as *AddressSpace) Activate() {
	stale := as.asids.markActivated(as.asid, as.generation)
	if stale || as.pendingFlush {
		flushASIDFn(as.asid)
		as.pendingFlush = false
	}

	switchRootFn(as.root.Address(), as.asid)
}

// Destroy releases the space's tables and ASID. The caller must have freed
// or handed over every frame the space maps.
func (as *AddressSpace) Destroy() {
	if !as.root.Valid() {
		return
	}

	as.backend.Destroy(as)
	as.asids.Release(as.asid)
	as.root = mm.InvalidFrame
}

// invalidate makes a change to page visible to the CPU.
func (as *AddressSpace) invalidate(page mm.Page) {
	if as.Active() {
		flushTLBEntryFn(as.asid, page.Address())
		return
	}
	as.pendingFlush = true
}

// Map installs a translation from page to frame.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags mm.MemoryFlags) *kernel.Error {
	if err := as.backend.Map(as, page, frame, flags); err != nil {
		return err
	}
	as.invalidate(page)
	return nil
}

// Reserve claims page without backing it with a frame.
func (as *AddressSpace) Reserve(page mm.Page, flags mm.MemoryFlags) *kernel.Error {
	return as.backend.Reserve(as, page, flags)
}

// Unmap removes the entry for page and returns what it held.
func (as *AddressSpace) Unmap(page mm.Page) (Entry, *kernel.Error) {
	entry, err := as.backend.Unmap(as, page)
	if err != nil {
		return entry, err
	}
	as.invalidate(page)
	return entry, nil
}

// Lookup returns the entry for page.
func (as *AddressSpace) Lookup(page mm.Page) (Entry, *kernel.Error) {
	return as.backend.Lookup(as, page)
}

// Update rewrites the state and flags of the entry for page.
func (as *AddressSpace) Update(page mm.Page, state EntryState, flags mm.MemoryFlags) *kernel.Error {
	if err := as.backend.Update(as, page, state, flags); err != nil {
		return err
	}
	as.invalidate(page)
	return nil
}

// Visit calls visitor for every entry of the space.
func (as *AddressSpace) Visit(visitor EntryVisitor) {
	as.backend.Visit(as, visitor)
}

// Translate returns the physical address virtAddr maps to.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	entry, err := as.Lookup(mm.PageFromAddress(virtAddr))
	switch {
	case err != nil:
		return 0, err
	case entry.State == EntryReserved:
		return 0, ErrPageReserved
	case entry.State != EntryPresent:
		return 0, ErrBadAddress
	}

	return entry.Frame.Address() + PageOffset(virtAddr), nil
}

// Available returns true if virtAddr has no entry of any kind.
func (as *AddressSpace) Available(virtAddr uintptr) bool {
	_, err := as.Lookup(mm.PageFromAddress(virtAddr))
	return err != nil
}

// Resolve translates virtAddr for a kernel access on behalf of the owning
// process. When the space is active the TLB is consulted first and filled
// on a miss, like a hardware page walk would.
func (as *AddressSpace) Resolve(virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	active := as.Active()
	if active {
		if physAddr, writable, ok := lookupTLBFn(as.asid, virtAddr); ok && (writable || !write) {
			return physAddr, nil
		}
	}

	entry, err := as.Lookup(mm.PageFromAddress(virtAddr))
	switch {
	case err != nil:
		return 0, err
	case entry.State == EntryReserved:
		return 0, ErrPageReserved
	case !entry.Permits(write):
		return 0, ErrAccessDenied
	}

	physAddr := entry.Frame.Address() + PageOffset(virtAddr)
	if active {
		fillTLBFn(as.asid, virtAddr, physAddr, entry.Flags.Has(mm.FlagW))
	}
	return physAddr, nil
}

// FindFree returns the lowest address at or above start where size bytes
// of the user area are unmapped.
func (as *AddressSpace) FindFree(start, size uintptr) (uintptr, *kernel.Error) {
	size = mm.RoundUp(size)
	if size == 0 {
		size = mm.PageSize
	}

	base := start &^ (mm.PageSize - 1)
	for base < mm.UserAreaEnd && size <= mm.UserAreaEnd-base {
		free := true
		for offset := uintptr(0); offset < size; offset += mm.PageSize {
			if !as.Available(base + offset) {
				base += offset + mm.PageSize
				free = false
				break
			}
		}

		if free {
			return base, nil
		}
	}

	return 0, ErrNoFreeRange
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
