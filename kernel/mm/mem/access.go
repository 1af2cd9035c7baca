package mem

import (
	"lendos/kernel"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

// CopyToUser copies data into the address space of pid starting at
// virtAddr. The destination pages must be writable by the process;
// reserved pages are committed as they are reached.
func (m *Manager) CopyToUser(pid mm.PID, virtAddr uintptr, data []byte) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}
	return m.copyUser(as, virtAddr, data, true)
}

// CopyFromUser fills buf with the contents of the address space of pid
// starting at virtAddr.
func (m *Manager) CopyFromUser(pid mm.PID, virtAddr uintptr, buf []byte) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}
	return m.copyUser(as, virtAddr, buf, false)
}

// copyUser moves bytes between buf and user memory one page at a time. The
// copy stops at the first page that cannot be accessed.
func (m *Manager) copyUser(as *vmm.AddressSpace, virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		if virtAddr >= mm.UserAreaEnd {
			return vmm.ErrBadAddress
		}

		physAddr, err := m.resolve(as, virtAddr, write)
		if err != nil {
			return err
		}

		frameData, err := m.arena.Frame(mm.FrameFromAddress(physAddr))
		if err != nil {
			return err
		}

		offset := vmm.PageOffset(physAddr)
		var n int
		if write {
			n = copy(frameData[offset:], buf)
		} else {
			n = copy(buf, frameData[offset:])
		}

		buf = buf[n:]
		virtAddr += uintptr(n)
	}

	return nil
}

// resolve translates virtAddr for a kernel access, committing reserved
// pages on the way like the page fault handler does.
func (m *Manager) resolve(as *vmm.AddressSpace, virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	physAddr, err := as.Resolve(virtAddr, write)
	if err != vmm.ErrPageReserved {
		return physAddr, err
	}

	page := mm.PageFromAddress(virtAddr)
	entry, err := as.Lookup(page)
	if err != nil {
		return 0, err
	}
	if _, err = m.commit(as, page, entry); err != nil {
		return 0, err
	}
	return as.Resolve(virtAddr, write)
}

// HandlePageFault services a fault raised by pid while accessing virtAddr.
// Faults on reserved pages are resolved by committing a frame. Any other
// fault cannot be recovered from and the error is returned so that the
// caller can terminate the process.
func (m *Manager) HandlePageFault(pid mm.PID, virtAddr uintptr, write bool) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}

	if _, err = m.resolve(as, virtAddr, write); err != nil {
		kfmt.Printf("[mem] pid %d: unrecoverable page fault at 0x%x (write: %t): %s\n", uint32(as.PID()), uint64(virtAddr), write, err.Message)
		return err
	}
	return nil
}
