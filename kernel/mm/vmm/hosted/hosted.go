// Package hosted implements a vmm.Backend for targets without an MMU the
// kernel can program. Translations are kept as explicit per-space state; no
// address is ever assumed to map to itself, so every lookup goes through
// the recorded entries.
package hosted

import (
	"sort"

	"lendos/kernel"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

var errNoState = &kernel.Error{Module: "hosted", Message: "address space has no hosted state"}

// spaceState holds the translations of a single address space.
type spaceState struct {
	entries map[mm.Page]vmm.Entry
}

// Backend keeps translations in per-space maps.
type Backend struct {
	frames vmm.FrameAllocator
}

// New returns a hosted backend. Each address space is charged one frame
// from frames which serves as its root register value.
func New(frames vmm.FrameAllocator) *Backend {
	return &Backend{frames: frames}
}

// Name implements vmm.Backend.
func (b *Backend) Name() string { return "hosted" }

func stateOf(space *vmm.AddressSpace) *spaceState {
	state, _ := space.BackendState.(*spaceState)
	return state
}

// NewRoot implements vmm.Backend.
func (b *Backend) NewRoot(space *vmm.AddressSpace) (mm.Frame, *kernel.Error) {
	root, err := b.frames.AllocFrame(space.PID())
	if err != nil {
		return mm.InvalidFrame, err
	}

	space.BackendState = &spaceState{entries: make(map[mm.Page]vmm.Entry)}
	return root, nil
}

// Destroy implements vmm.Backend.
func (b *Backend) Destroy(space *vmm.AddressSpace) {
	if stateOf(space) == nil {
		return
	}

	space.BackendState = nil
	_ = b.frames.FreeFrame(space.Root(), space.PID())
}

// Map implements vmm.Backend.
func (b *Backend) Map(space *vmm.AddressSpace, page mm.Page, frame mm.Frame, flags mm.MemoryFlags) *kernel.Error {
	state := stateOf(space)
	if state == nil {
		return errNoState
	}

	if cur, ok := state.entries[page]; ok {
		if cur.State == vmm.EntryLent || (cur.State == vmm.EntryPresent && cur.Frame != frame) {
			return vmm.ErrAlreadyMapped
		}
	}

	state.entries[page] = vmm.Entry{Frame: frame, Flags: flags, State: vmm.EntryPresent}
	return nil
}

// Reserve implements vmm.Backend.
func (b *Backend) Reserve(space *vmm.AddressSpace, page mm.Page, flags mm.MemoryFlags) *kernel.Error {
	state := stateOf(space)
	if state == nil {
		return errNoState
	}

	if _, ok := state.entries[page]; ok {
		return vmm.ErrAlreadyMapped
	}

	state.entries[page] = vmm.Entry{Frame: mm.InvalidFrame, Flags: flags, State: vmm.EntryReserved}
	return nil
}

// Unmap implements vmm.Backend.
func (b *Backend) Unmap(space *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	cur, err := b.Lookup(space, page)
	if err != nil {
		return cur, err
	}

	delete(stateOf(space).entries, page)
	return cur, nil
}

// Lookup implements vmm.Backend.
func (b *Backend) Lookup(space *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	state := stateOf(space)
	if state == nil {
		return vmm.Entry{}, errNoState
	}

	cur, ok := state.entries[page]
	if !ok {
		return vmm.Entry{}, vmm.ErrBadAddress
	}
	return cur, nil
}

// Update implements vmm.Backend.
func (b *Backend) Update(space *vmm.AddressSpace, page mm.Page, newState vmm.EntryState, flags mm.MemoryFlags) *kernel.Error {
	cur, err := b.Lookup(space, page)
	if err != nil {
		return err
	}

	if !cur.State.CanBecome(newState) {
		return vmm.ErrBadEntryState
	}

	cur.State, cur.Flags = newState, flags
	stateOf(space).entries[page] = cur
	return nil
}

// Visit implements vmm.Backend.
func (b *Backend) Visit(space *vmm.AddressSpace, visitor vmm.EntryVisitor) {
	state := stateOf(space)
	if state == nil {
		return
	}

	pages := make([]mm.Page, 0, len(state.entries))
	for page := range state.entries {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, page := range pages {
		// entries may be removed by the visitor
		cur, ok := state.entries[page]
		if !ok {
			continue
		}
		if !visitor(page, cur) {
			return
		}
	}
}
