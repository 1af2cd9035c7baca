package pagetable

import (
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

// pageTableEntry encodes a physical frame address and a set of flags.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}

// makeEntry builds a leaf entry. Reserved entries carry no frame.
func makeEntry(frame mm.Frame, flags mm.MemoryFlags, state vmm.EntryState) pageTableEntry {
	var pte pageTableEntry

	switch state {
	case vmm.EntryPresent:
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent)
	case vmm.EntryLent:
		pte.SetFrame(frame)
		pte.SetFlags(flagLent)
	case vmm.EntryReserved:
		pte.SetFlags(flagReserved)
	}

	if flags.Has(mm.FlagR) {
		pte.SetFlags(flagReadable)
	}
	if flags.Has(mm.FlagW) {
		pte.SetFlags(FlagRW)
	}
	if !flags.Has(mm.FlagX) {
		pte.SetFlags(FlagNoExecute)
	}
	if flags.Has(mm.FlagNoCache) {
		pte.SetFlags(FlagDoNotCache | FlagWriteThroughCaching)
	}
	if flags.Has(mm.FlagUser) {
		pte.SetFlags(FlagUserAccessible)
	}

	return pte
}

// entry decodes a leaf entry. The zero entry is reported as invalid.
func (pte pageTableEntry) entry() (vmm.Entry, bool) {
	if !pte.HasAnyFlag(FlagPresent | flagLent | flagReserved) {
		return vmm.Entry{}, false
	}
	out := vmm.Entry{Frame: pte.Frame()}

	switch {
	case pte.HasFlags(FlagPresent):
		out.State = vmm.EntryPresent
	case pte.HasFlags(flagLent):
		out.State = vmm.EntryLent
	default:
		out.State, out.Frame = vmm.EntryReserved, mm.InvalidFrame
	}

	if pte.HasFlags(flagReadable) {
		out.Flags |= mm.FlagR
	}
	if pte.HasFlags(FlagRW) {
		out.Flags |= mm.FlagW
	}
	if !pte.HasFlags(FlagNoExecute) {
		out.Flags |= mm.FlagX
	}
	if pte.HasFlags(FlagDoNotCache) {
		out.Flags |= mm.FlagNoCache
	}
	if pte.HasFlags(FlagUserAccessible) {
		out.Flags |= mm.FlagUser
	}

	return out, true
}
