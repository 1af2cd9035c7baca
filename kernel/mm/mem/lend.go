package mem

import (
	"lendos/kernel"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

// loan records a page lent by one process to another.
type loan struct {
	frame        mm.Frame
	lender       mm.PID
	borrower     mm.PID
	lenderAddr   uintptr
	borrowerAddr uintptr
	mutable      bool

	// lenderFlags are restored on the lender's entry when the loan ends.
	lenderFlags mm.MemoryFlags
}

// loanTable indexes outstanding loans by frame. Loans are stored densely so
// that revoking the loans of a process is linear in the number of loans.
type loanTable struct {
	firstFrame mm.Frame

	// slots holds, for each frame, its index in active plus one. Zero
	// marks a frame that is not lent.
	slots  []uint32
	active []loan
}

func newLoanTable(firstFrame mm.Frame, frameCount uintptr) loanTable {
	return loanTable{firstFrame: firstFrame, slots: make([]uint32, frameCount)}
}

// covers returns true if frame can take part in a loan.
func (t *loanTable) covers(frame mm.Frame) bool {
	return frame >= t.firstFrame && uintptr(frame-t.firstFrame) < uintptr(len(t.slots))
}

// get returns the loan for frame or nil. The pointer is only valid until
// the table is next modified.
func (t *loanTable) get(frame mm.Frame) *loan {
	if !t.covers(frame) {
		return nil
	}
	if slot := t.slots[frame-t.firstFrame]; slot != 0 {
		return &t.active[slot-1]
	}
	return nil
}

func (t *loanTable) add(l loan) {
	t.active = append(t.active, l)
	t.slots[l.frame-t.firstFrame] = uint32(len(t.active))
}

func (t *loanTable) remove(frame mm.Frame) {
	index := t.slots[frame-t.firstFrame] - 1
	last := uint32(len(t.active) - 1)
	if index != last {
		t.active[index] = t.active[last]
		t.slots[t.active[index].frame-t.firstFrame] = index + 1
	}

	t.slots[frame-t.firstFrame] = 0
	t.active = t.active[:last]
}

func (t *loanTable) len() int { return len(t.active) }

// LoanHandle identifies a range lent by LendMemory. The borrower passes it
// back to ReturnMemory.
type LoanHandle struct {
	Lender       mm.PID
	Borrower     mm.PID
	LenderAddr   uintptr
	BorrowerAddr uintptr
	Size         uintptr
	Mutable      bool
}

// shareablePage returns the entry of a page the owning process may lend or
// move. Reserved pages are committed first.
func (m *Manager) shareablePage(as *vmm.AddressSpace, page mm.Page) (vmm.Entry, *kernel.Error) {
	entry, err := as.Lookup(page)
	switch {
	case err != nil:
		return entry, err
	case entry.State == vmm.EntryLent:
		return entry, ErrShareViolation
	case entry.State == vmm.EntryReserved:
		if entry, err = m.commit(as, page, entry); err != nil {
			return entry, err
		}
	}

	// Borrowed pages are owned by their lender; pages still owned by the
	// kernel have not been handed to the process.
	if owner, _ := m.frames.Owner(entry.Frame); owner != as.PID() {
		return entry, ErrShareViolation
	}
	if !m.loans.covers(entry.Frame) || m.loans.get(entry.Frame) != nil {
		return entry, ErrShareViolation
	}
	return entry, nil
}

// movePage moves the page at srcAddr to destAddr in dest, transferring
// ownership of its frame. A zero flags value keeps the source flags. It
// returns the flags the page had in src.
func (m *Manager) movePage(src *vmm.AddressSpace, srcAddr uintptr, dest *vmm.AddressSpace, destAddr uintptr, flags mm.MemoryFlags) (mm.MemoryFlags, *kernel.Error) {
	assertKernelContext()

	srcPage, destPage := mm.PageFromAddress(srcAddr), mm.PageFromAddress(destAddr)
	entry, err := m.shareablePage(src, srcPage)
	if err != nil {
		return 0, err
	}
	if !dest.Available(destAddr) {
		return 0, vmm.ErrAlreadyMapped
	}
	if flags == 0 {
		flags = entry.Flags
	}

	if _, err = src.Unmap(srcPage); err != nil {
		return 0, err
	}
	if err = dest.Map(destPage, entry.Frame, flags); err != nil {
		_ = src.Map(srcPage, entry.Frame, entry.Flags)
		return 0, err
	}

	return entry.Flags, m.frames.TransferFrame(entry.Frame, src.PID(), dest.PID())
}

// lendPage lends the page at lenderAddr to borrower at borrowerAddr. A
// mutable loan makes the page inaccessible to the lender and writable by
// the borrower; otherwise both can only read it.
func (m *Manager) lendPage(lender *vmm.AddressSpace, lenderAddr uintptr, borrower *vmm.AddressSpace, borrowerAddr uintptr, mutable bool) *kernel.Error {
	assertKernelContext()

	srcPage, destPage := mm.PageFromAddress(lenderAddr), mm.PageFromAddress(borrowerAddr)
	entry, err := m.shareablePage(lender, srcPage)
	if err != nil {
		return err
	}
	if !borrower.Available(borrowerAddr) {
		return vmm.ErrAlreadyMapped
	}

	var (
		borrowFlags = mm.FlagR | mm.FlagUser
		lenderState = vmm.EntryPresent
		lenderFlags = entry.Flags &^ mm.FlagW
	)
	if mutable {
		borrowFlags |= mm.FlagW
		lenderState, lenderFlags = vmm.EntryLent, entry.Flags
	}

	if err = borrower.Map(destPage, entry.Frame, borrowFlags); err != nil {
		return err
	}
	if err = lender.Update(srcPage, lenderState, lenderFlags); err != nil {
		_, _ = borrower.Unmap(destPage)
		return err
	}

	m.loans.add(loan{
		frame:        entry.Frame,
		lender:       lender.PID(),
		borrower:     borrower.PID(),
		lenderAddr:   lenderAddr,
		borrowerAddr: borrowerAddr,
		mutable:      mutable,
		lenderFlags:  entry.Flags,
	})
	return nil
}

// returnPage ends the loan of the page borrower holds at borrowerAddr. The
// loan must have been made by lender from lenderAddr.
// It reports whether the loan was mutable.
func (m *Manager) returnPage(borrower *vmm.AddressSpace, borrowerAddr uintptr, lender *vmm.AddressSpace, lenderAddr uintptr) (bool, *kernel.Error) {
	assertKernelContext()

	destPage, srcPage := mm.PageFromAddress(borrowerAddr), mm.PageFromAddress(lenderAddr)
	entry, err := borrower.Lookup(destPage)
	if err != nil {
		return false, err
	}

	var l *loan
	if entry.State == vmm.EntryPresent {
		l = m.loans.get(entry.Frame)
	}
	if l == nil || l.borrower != borrower.PID() || l.borrowerAddr != borrowerAddr ||
		l.lender != lender.PID() || l.lenderAddr != lenderAddr {
		return false, ErrShareViolation
	}
	restored := *l

	if _, err = borrower.Unmap(destPage); err != nil {
		return false, err
	}
	if err = lender.Update(srcPage, vmm.EntryPresent, restored.lenderFlags); err != nil {
		_ = borrower.Map(destPage, entry.Frame, entry.Flags)
		return false, err
	}

	m.loans.remove(restored.frame)
	return restored.mutable, nil
}

// revokeLoans ends every loan pid takes part in as lender or borrower and
// returns the number of loans revoked.
func (m *Manager) revokeLoans(pid mm.PID) int {
	assertKernelContext()

	var revoked int
	for i := m.loans.len() - 1; i >= 0; i-- {
		l := m.loans.active[i]
		if l.lender != pid && l.borrower != pid {
			continue
		}

		if borrower, ok := m.spaces[l.borrower]; ok {
			_, _ = borrower.Unmap(mm.PageFromAddress(l.borrowerAddr))
		}
		if lender, ok := m.spaces[l.lender]; ok {
			_ = lender.Update(mm.PageFromAddress(l.lenderAddr), vmm.EntryPresent, l.lenderFlags)
		}

		m.loans.remove(l.frame)
		revoked++
	}

	return revoked
}

// sharingSpaces resolves the two processes taking part in a lend or move.
func (m *Manager) sharingSpaces(from, to mm.PID) (*vmm.AddressSpace, *vmm.AddressSpace, *kernel.Error) {
	src, err := m.space(from)
	if err != nil {
		return nil, nil, err
	}
	dest, err := m.space(to)
	if err != nil {
		return nil, nil, err
	}
	return src, dest, nil
}

// destination validates the source range and picks the destination range
// in dest. A zero destAddr selects the first free range of the message
// area.
func destination(dest *vmm.AddressSpace, srcAddr, destAddr, size uintptr) (uintptr, *kernel.Error) {
	if err := checkUserRange(srcAddr, size); err != nil {
		return 0, err
	}

	if destAddr == 0 {
		var err *kernel.Error
		if destAddr, err = dest.FindFree(mm.DefaultMessageBase, size); err != nil {
			return 0, err
		}
	}

	return destAddr, checkUserRange(destAddr, size)
}

// LendMemory lends size bytes starting at lenderAddr to borrower. The pages
// appear at borrowerAddr in the borrower's address space, or at the first
// free range of its message area if borrowerAddr is zero. Either every page
// is lent or, on error, none is.
func (m *Manager) LendMemory(lender mm.PID, lenderAddr uintptr, borrower mm.PID, borrowerAddr, size uintptr, mutable bool) (LoanHandle, *kernel.Error) {
	defer m.leave(m.enter())

	src, dest, err := m.sharingSpaces(lender, borrower)
	if err != nil {
		return LoanHandle{}, err
	}
	if borrowerAddr, err = destination(dest, lenderAddr, borrowerAddr, size); err != nil {
		return LoanHandle{}, err
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if err = m.lendPage(src, lenderAddr+offset, dest, borrowerAddr+offset, mutable); err != nil {
			for offset > 0 {
				offset -= mm.PageSize
				_, _ = m.returnPage(dest, borrowerAddr+offset, src, lenderAddr+offset)
			}
			return LoanHandle{}, err
		}
	}

	return LoanHandle{
		Lender:       src.PID(),
		Borrower:     dest.PID(),
		LenderAddr:   lenderAddr,
		BorrowerAddr: borrowerAddr,
		Size:         size,
		Mutable:      mutable,
	}, nil
}

// ReturnMemory ends the loans described by handle and returns the number
// of bytes given back to the lender. Either every page is returned or, on
// error, none is.
func (m *Manager) ReturnMemory(handle LoanHandle) (uintptr, *kernel.Error) {
	defer m.leave(m.enter())

	if handle.Lender == mm.NoOwner || handle.Borrower == mm.NoOwner {
		return 0, ErrInvalidArgument
	}
	dest, src, err := m.sharingSpaces(handle.Borrower, handle.Lender)
	if err != nil {
		return 0, err
	}
	if err = checkUserRange(handle.LenderAddr, handle.Size); err != nil {
		return 0, err
	}
	if err = checkUserRange(handle.BorrowerAddr, handle.Size); err != nil {
		return 0, err
	}

	// Pages already returned are lent again with the mutability of their
	// loan record; the handle's Mutable field is not trusted.
	returned := make([]bool, 0, handle.Size>>mm.PageShift)
	for offset := uintptr(0); offset < handle.Size; offset += mm.PageSize {
		mutable, err := m.returnPage(dest, handle.BorrowerAddr+offset, src, handle.LenderAddr+offset)
		if err != nil {
			for i := len(returned) - 1; i >= 0; i-- {
				back := uintptr(i) << mm.PageShift
				_ = m.lendPage(src, handle.LenderAddr+back, dest, handle.BorrowerAddr+back, returned[i])
			}
			return 0, err
		}
		returned = append(returned, mutable)
	}

	return handle.Size, nil
}

// MoveMemory moves size bytes starting at srcAddr to dest, transferring
// ownership of the frames. The pages land at destAddr, or at the first free
// range of the destination's message area if destAddr is zero, and are
// mapped with flags. Zero flags keep the source flags. Either every page is
// moved or, on error, none is.
func (m *Manager) MoveMemory(src mm.PID, srcAddr uintptr, dest mm.PID, destAddr, size uintptr, flags mm.MemoryFlags) (uintptr, *kernel.Error) {
	defer m.leave(m.enter())

	if flags&^mm.AccessMask != 0 {
		return 0, ErrInvalidArgument
	}
	if flags != 0 {
		flags |= mm.FlagUser
	}

	from, to, err := m.sharingSpaces(src, dest)
	if err != nil {
		return 0, err
	}
	if destAddr, err = destination(to, srcAddr, destAddr, size); err != nil {
		return 0, err
	}

	moved := make([]mm.MemoryFlags, 0, size>>mm.PageShift)
	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		origFlags, err := m.movePage(from, srcAddr+offset, to, destAddr+offset, flags)
		if err != nil {
			for i := len(moved) - 1; i >= 0; i-- {
				back := uintptr(i) << mm.PageShift
				_, _ = m.movePage(to, destAddr+back, from, srcAddr+back, moved[i])
			}
			return 0, err
		}
		moved = append(moved, origFlags)
	}

	return destAddr, nil
}
