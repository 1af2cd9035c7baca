// Package pagetable implements a vmm.Backend that keeps translations in
// 4-level radix tables using the amd64 entry format. Tables live in
// physical frames owned by the address space's process and are accessed
// through the physical memory arena.
package pagetable

import (
	"lendos/kernel"
	"lendos/kernel/mm"
	"lendos/kernel/mm/physmem"
	"lendos/kernel/mm/vmm"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "pagetable", Message: "huge pages are not supported"}

	// intermediateFlags are set on entries pointing to the next table
	// level. Access checks are made on the leaf entry.
	intermediateFlags = FlagPresent | FlagRW | FlagUserAccessible
)

// Backend stores address space translations in radix page tables.
type Backend struct {
	arena  *physmem.Arena
	frames vmm.FrameAllocator
}

// New returns a backend that allocates table frames from frames and
// accesses them through arena.
func New(arena *physmem.Arena, frames vmm.FrameAllocator) *Backend {
	return &Backend{arena: arena, frames: frames}
}

// Name implements vmm.Backend.
func (b *Backend) Name() string { return "pagetable" }

// NewRoot implements vmm.Backend.
func (b *Backend) NewRoot(space *vmm.AddressSpace) (mm.Frame, *kernel.Error) {
	return b.allocTable(space.PID())
}

// allocTable allocates a cleared table frame owned by pid.
func (b *Backend) allocTable(pid mm.PID) (mm.Frame, *kernel.Error) {
	frame, err := b.frames.AllocFrame(pid)
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = b.arena.Zero(frame); err != nil {
		_ = b.frames.FreeFrame(frame, pid)
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// Destroy implements vmm.Backend.
func (b *Backend) Destroy(space *vmm.AddressSpace) {
	pid := space.PID()
	b.visitTables(space.Root(), 0, 0, nil, func(tableFrame mm.Frame) {
		_ = b.frames.FreeFrame(tableFrame, pid)
	})
}

// leaf returns the last level entry for page. Missing tables are
// allocated if create is set; otherwise ErrBadAddress is returned.
func (b *Backend) leaf(space *vmm.AddressSpace, page mm.Page, create bool) (*pageTableEntry, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   *kernel.Error
	)

	walkErr := b.walk(space.Root(), page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a cleared frame for it.
		if !pte.HasFlags(FlagPresent) {
			if !create {
				err = vmm.ErrBadAddress
				return false
			}

			var newTableFrame mm.Frame
			if newTableFrame, err = b.allocTable(space.PID()); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(intermediateFlags)
		}

		return true
	})

	switch {
	case walkErr != nil:
		return nil, walkErr
	case err != nil:
		return nil, err
	}
	return entry, nil
}

// Map implements vmm.Backend.
func (b *Backend) Map(space *vmm.AddressSpace, page mm.Page, frame mm.Frame, flags mm.MemoryFlags) *kernel.Error {
	pte, err := b.leaf(space, page, true)
	if err != nil {
		return err
	}

	if cur, ok := pte.entry(); ok {
		if cur.State == vmm.EntryLent || (cur.State == vmm.EntryPresent && cur.Frame != frame) {
			return vmm.ErrAlreadyMapped
		}
	}

	*pte = makeEntry(frame, flags, vmm.EntryPresent)
	return nil
}

// Reserve implements vmm.Backend.
func (b *Backend) Reserve(space *vmm.AddressSpace, page mm.Page, flags mm.MemoryFlags) *kernel.Error {
	pte, err := b.leaf(space, page, true)
	if err != nil {
		return err
	}

	if *pte != 0 {
		return vmm.ErrAlreadyMapped
	}

	*pte = makeEntry(mm.InvalidFrame, flags, vmm.EntryReserved)
	return nil
}

// Unmap implements vmm.Backend.
func (b *Backend) Unmap(space *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	pte, err := b.leaf(space, page, false)
	if err != nil {
		return vmm.Entry{}, err
	}

	cur, ok := pte.entry()
	if !ok {
		return vmm.Entry{}, vmm.ErrBadAddress
	}

	*pte = 0
	return cur, nil
}

// Lookup implements vmm.Backend.
func (b *Backend) Lookup(space *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	pte, err := b.leaf(space, page, false)
	if err != nil {
		return vmm.Entry{}, err
	}

	cur, ok := pte.entry()
	if !ok {
		return vmm.Entry{}, vmm.ErrBadAddress
	}
	return cur, nil
}

// Update implements vmm.Backend.
func (b *Backend) Update(space *vmm.AddressSpace, page mm.Page, state vmm.EntryState, flags mm.MemoryFlags) *kernel.Error {
	pte, err := b.leaf(space, page, false)
	if err != nil {
		return err
	}

	cur, ok := pte.entry()
	switch {
	case !ok:
		return vmm.ErrBadAddress
	case !cur.State.CanBecome(state):
		return vmm.ErrBadEntryState
	}

	*pte = makeEntry(cur.Frame, flags, state)
	return nil
}

// Visit implements vmm.Backend.
func (b *Backend) Visit(space *vmm.AddressSpace, visitor vmm.EntryVisitor) {
	b.visitTables(space.Root(), 0, 0, func(virtAddr uintptr, pte *pageTableEntry) bool {
		cur, ok := pte.entry()
		if !ok {
			return true
		}
		return visitor(mm.PageFromAddress(virtAddr), cur)
	}, nil)
}
