package mem

import (
	"lendos/kernel"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

// freedFramePoison fills frames released by UnmapMemory and DestroySpace so
// that stale accesses read a recognizable pattern.
const freedFramePoison = 0xa5

// checkUserRange validates a page-aligned range of the user area.
func checkUserRange(addr, size uintptr) *kernel.Error {
	switch {
	case size == 0:
		return ErrInvalidArgument
	case !mm.PageAligned(addr) || !mm.PageAligned(size):
		return ErrUnalignedAddress
	case addr == 0 || addr >= mm.UserAreaEnd || size > mm.UserAreaEnd-addr:
		return vmm.ErrBadAddress
	}
	return nil
}

// commit backs a reserved page with a zero-filled frame. Pages reserved
// without FlagUser are kernel-only and their frame is owned by the kernel
// until handed to the process.
func (m *Manager) commit(as *vmm.AddressSpace, page mm.Page, entry vmm.Entry) (vmm.Entry, *kernel.Error) {
	owner := as.PID()
	if !entry.Flags.Has(mm.FlagUser) {
		owner = mm.KernelPID
	}

	frame, err := m.frames.AllocFrame(owner)
	if err != nil {
		return entry, err
	}

	if err = m.arena.Zero(frame); err == nil {
		err = as.Map(page, frame, entry.Flags)
	}
	if err != nil {
		_ = m.frames.FreeFrame(frame, owner)
		return entry, err
	}

	entry.Frame, entry.State = frame, vmm.EntryPresent
	return entry, nil
}

// releaseFrame poisons a frame that held process data and returns it to
// the allocator. Frames outside of RAM, such as device ranges, are freed
// untouched.
func (m *Manager) releaseFrame(frame mm.Frame, owner mm.PID) {
	if m.arena.Contains(frame) {
		_ = m.arena.Fill(frame, freedFramePoison)
	}
	_ = m.frames.FreeFrame(frame, owner)
}

// ensurePage returns the entry for page, committing it if it is reserved.
func (m *Manager) ensurePage(as *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	entry, err := as.Lookup(page)
	switch {
	case err != nil:
		return entry, err
	case entry.State == vmm.EntryReserved:
		return m.commit(as, page, entry)
	case entry.State == vmm.EntryLent:
		return entry, vmm.ErrBadAddress
	}
	return entry, nil
}

// ReserveAddress claims the page containing virtAddr in the address space
// of pid. A frame is only allocated when the page is first touched.
func (m *Manager) ReserveAddress(pid mm.PID, virtAddr uintptr, flags mm.MemoryFlags) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}
	if !mm.PageAligned(virtAddr) {
		return ErrUnalignedAddress
	}

	return as.Reserve(mm.PageFromAddress(virtAddr), flags&^mm.FlagReserve)
}

// EnsurePageExists makes sure the page containing virtAddr is backed by a
// frame and returns the physical address virtAddr translates to. Calling
// it on a committed page has no effect.
func (m *Manager) EnsurePageExists(pid mm.PID, virtAddr uintptr) (uintptr, *kernel.Error) {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return 0, err
	}

	entry, err := m.ensurePage(as, mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}
	return entry.Frame.Address() + vmm.PageOffset(virtAddr), nil
}

// HandPageToUser makes the kernel-only page at virtAddr accessible to the
// process and transfers ownership of its frame to it.
func (m *Manager) HandPageToUser(pid mm.PID, virtAddr uintptr) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}

	page := mm.PageFromAddress(virtAddr)
	entry, err := m.ensurePage(as, page)
	if err != nil {
		return err
	}

	switch owner, _ := m.frames.Owner(entry.Frame); {
	case owner == mm.KernelPID && as.PID() != mm.KernelPID:
		if err = m.frames.TransferFrame(entry.Frame, mm.KernelPID, as.PID()); err != nil {
			return err
		}
	case owner != as.PID():
		return ErrShareViolation
	}

	return as.Update(page, vmm.EntryPresent, entry.Flags|mm.FlagUser)
}

// VirtToPhys returns the physical address virtAddr maps to in the address
// space of pid.
func (m *Manager) VirtToPhys(pid mm.PID, virtAddr uintptr) (uintptr, *kernel.Error) {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return 0, err
	}
	return as.Translate(virtAddr)
}

// AddressAvailable returns true if virtAddr is neither mapped nor reserved
// in the address space of pid.
func (m *Manager) AddressAvailable(pid mm.PID, virtAddr uintptr) bool {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return false
	}
	return as.Available(virtAddr)
}

// MapMemory maps size bytes at virtAddr in the address space of pid. If
// physAddr is non-zero the range starting at physAddr is claimed for the
// process, otherwise fresh zero-filled frames are used. With FlagReserve
// the range is only reserved and frames are committed on first touch. A
// zero virtAddr picks the first free range above mm.DefaultHeapBase.
//
// Either the whole range is mapped or, on error, the address space and the
// frame allocator are left unchanged.
func (m *Manager) MapMemory(pid mm.PID, physAddr, virtAddr, size uintptr, flags mm.MemoryFlags) (uintptr, *kernel.Error) {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return 0, err
	}

	switch {
	case flags&^(mm.AccessMask|mm.FlagReserve) != 0:
		return 0, ErrInvalidArgument
	case flags.Has(mm.FlagReserve) && physAddr != 0:
		return 0, ErrInvalidArgument
	case !mm.PageAligned(physAddr):
		return 0, ErrUnalignedAddress
	}

	size = mm.RoundUp(size)
	if virtAddr == 0 && size != 0 {
		if virtAddr, err = as.FindFree(mm.DefaultHeapBase, size); err != nil {
			return 0, err
		}
	}
	if err = checkUserRange(virtAddr, size); err != nil {
		return 0, err
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if !as.Available(virtAddr + offset) {
			return 0, vmm.ErrAlreadyMapped
		}
	}

	var (
		mapFlags  = flags&mm.AccessMask | mm.FlagUser
		firstPage = mm.PageFromAddress(virtAddr)
		pageCount = size >> mm.PageShift
	)

	for i := uintptr(0); i < pageCount; i++ {
		page := firstPage + mm.Page(i)
		if flags.Has(mm.FlagReserve) {
			err = as.Reserve(page, mapFlags)
		} else {
			err = m.mapFresh(as, page, physAddr, i, mapFlags)
		}

		if err != nil {
			m.unmapFresh(as, firstPage, i)
			return 0, err
		}
	}

	return virtAddr, nil
}

// mapFresh maps page to a newly allocated frame, or to the i-th frame of
// the physical range starting at physAddr if physAddr is non-zero.
func (m *Manager) mapFresh(as *vmm.AddressSpace, page mm.Page, physAddr, i uintptr, flags mm.MemoryFlags) *kernel.Error {
	var (
		frame mm.Frame
		err   *kernel.Error
	)

	if physAddr != 0 {
		frame = mm.FrameFromAddress(physAddr) + mm.Frame(i)
		err = m.frames.ClaimFrame(frame, as.PID())
	} else {
		frame, err = m.frames.AllocFrame(as.PID())
	}
	if err != nil {
		return err
	}

	// claimed ranges keep their contents
	if physAddr == 0 && m.arena.Contains(frame) {
		err = m.arena.Zero(frame)
	}
	if err == nil {
		err = as.Map(page, frame, flags)
	}
	if err != nil {
		_ = m.frames.FreeFrame(frame, as.PID())
	}
	return err
}

// unmapFresh rolls back the first count pages installed by MapMemory.
func (m *Manager) unmapFresh(as *vmm.AddressSpace, firstPage mm.Page, count uintptr) {
	for i := uintptr(0); i < count; i++ {
		entry, err := as.Unmap(firstPage + mm.Page(i))
		if err == nil && entry.State == vmm.EntryPresent {
			_ = m.frames.FreeFrame(entry.Frame, as.PID())
		}
	}
}

// checkUnshared validates that every page in the range has an entry and
// takes no part in a loan.
func (m *Manager) checkUnshared(as *vmm.AddressSpace, virtAddr, size uintptr) *kernel.Error {
	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		entry, err := as.Lookup(mm.PageFromAddress(virtAddr + offset))
		switch {
		case err != nil:
			return err
		case entry.State == vmm.EntryLent:
			return ErrShareViolation
		case entry.State == vmm.EntryPresent && m.loans.get(entry.Frame) != nil:
			return ErrShareViolation
		}
	}
	return nil
}

// UnmapMemory removes size bytes of mappings starting at virtAddr from the
// address space of pid and frees the frames the process owns. Pages that
// are lent out or borrowed cannot be unmapped.
func (m *Manager) UnmapMemory(pid mm.PID, virtAddr, size uintptr) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}
	if err = checkUserRange(virtAddr, size); err != nil {
		return err
	}
	if err = m.checkUnshared(as, virtAddr, size); err != nil {
		return err
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		entry, _ := as.Unmap(mm.PageFromAddress(virtAddr + offset))
		if !entry.State.HasFrame() {
			continue
		}

		if owner, _ := m.frames.Owner(entry.Frame); owner == as.PID() || owner == mm.KernelPID {
			m.releaseFrame(entry.Frame, owner)
		}
	}
	return nil
}

// UpdateMemoryFlags replaces the access flags of size bytes of mappings
// starting at virtAddr. Pages that are lent out or borrowed keep the flags
// the loan imposes and cannot be updated.
func (m *Manager) UpdateMemoryFlags(pid mm.PID, virtAddr, size uintptr, flags mm.MemoryFlags) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}
	if flags&^mm.AccessMask != 0 {
		return ErrInvalidArgument
	}
	if err = checkUserRange(virtAddr, size); err != nil {
		return err
	}
	if err = m.checkUnshared(as, virtAddr, size); err != nil {
		return err
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		page := mm.PageFromAddress(virtAddr + offset)
		entry, _ := as.Lookup(page)
		if err = as.Update(page, entry.State, flags|entry.Flags&mm.FlagUser); err != nil {
			return err
		}
	}
	return nil
}
