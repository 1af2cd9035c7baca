// Package mem ties the physical frame allocator and the address spaces of
// all processes together. A single Manager instance, set up by Init,
// serializes every memory operation of the kernel: each public method
// disables interrupts and holds the manager's spinlock for its duration.
package mem

import (
	"lendos/kernel"
	"lendos/kernel/cpu"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/physmem"
	"lendos/kernel/mm/vmm"
	"lendos/kernel/sync"
)

var (
	// ErrProcessNotFound is returned for PIDs without an address space.
	ErrProcessNotFound = &kernel.Error{Module: "mem", Message: "process has no address space"}

	// ErrProcessExists is returned when creating a second address space
	// for the same process.
	ErrProcessExists = &kernel.Error{Module: "mem", Message: "process already has an address space"}

	// ErrUnalignedAddress is returned when an address or size is not a
	// multiple of the page size.
	ErrUnalignedAddress = &kernel.Error{Module: "mem", Message: "address is not page aligned"}

	// ErrShareViolation is returned when an operation would break the
	// ownership rules of lent or borrowed pages.
	ErrShareViolation = &kernel.Error{Module: "mem", Message: "page is shared with another process"}

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = &kernel.Error{Module: "mem", Message: "invalid argument"}

	errNotInitialized   = &kernel.Error{Module: "mem", Message: "memory manager used before initialization"}
	errNotKernelContext = &kernel.Error{Module: "mem", Message: "page lending attempted with interrupts enabled"}

	// the following functions are mocked by tests.
	panicFn             = kfmt.Panic
	interruptsEnabledFn = cpu.InterruptsEnabled

	// kernelManager is the instance returned by Kernel.
	kernelManager *Manager
)

// FrameAllocator is the view of the physical allocator used by Manager.
type FrameAllocator interface {
	vmm.FrameAllocator
	ClaimFrame(frame mm.Frame, owner mm.PID) *kernel.Error
	TransferFrame(frame mm.Frame, from, to mm.PID) *kernel.Error
	Owner(frame mm.Frame) (mm.PID, bool)
	ReleaseOwner(pid mm.PID) uint32
	TotalFrames() uint32
	ReservedFrames() uint32
	FreeFrames() uint32
	FramesOwnedBy(pid mm.PID) uint32
	Owners() []mm.PID
}

// Manager owns the address spaces of all processes and the loan table.
type Manager struct {
	lock sync.Spinlock

	frames  FrameAllocator
	arena   *physmem.Arena
	backend vmm.Backend
	asids   *vmm.ASIDAllocator

	spaces  map[mm.PID]*vmm.AddressSpace
	current mm.PID

	loans loanTable
}

// New creates a manager that stores translations with backend, takes
// frames from frames and accesses frame contents through arena. Up to
// asidLimit-1 processes can have an address space at the same time. The
// kernel address space is created and activated.
func New(backend vmm.Backend, frames FrameAllocator, arena *physmem.Arena, asidLimit int) (*Manager, *kernel.Error) {
	m := &Manager{
		frames:  frames,
		arena:   arena,
		backend: backend,
		asids:   vmm.NewASIDAllocator(asidLimit),
		spaces:  make(map[mm.PID]*vmm.AddressSpace),
		loans:   newLoanTable(arena.FirstFrame(), arena.FrameCount()),
	}

	kernelSpace, err := vmm.NewAddressSpace(mm.KernelPID, backend, m.asids)
	if err != nil {
		return nil, err
	}
	m.spaces[mm.KernelPID] = kernelSpace
	m.current = mm.KernelPID
	kernelSpace.Activate()

	kfmt.Printf("[mem] using %s backend; %d ASIDs available\n", backend.Name(), asidLimit-1)
	return m, nil
}

// Init sets up the manager returned by Kernel.
func Init(backend vmm.Backend, frames FrameAllocator, arena *physmem.Arena, asidLimit int) *kernel.Error {
	m, err := New(backend, frames, arena, asidLimit)
	if err != nil {
		return err
	}

	kernelManager = m
	return nil
}

// Kernel returns the manager set up by Init.
func Kernel() *Manager {
	if kernelManager == nil {
		panicFn(errNotInitialized)
	}
	return kernelManager
}

// enter acquires the manager lock and then disables interrupts. It returns
// the previous interrupt state which must be passed to leave. The interrupt
// flag is only touched while the lock is held so that a caller spinning on
// the lock never records the state of the current holder.
func (m *Manager) enter() bool {
	m.lock.Acquire()
	return cpu.DisableInterrupts()
}

func (m *Manager) leave(wasEnabled bool) {
	cpu.RestoreInterrupts(wasEnabled)
	m.lock.Release()
}

// assertKernelContext halts if the caller runs with interrupts enabled.
func assertKernelContext() {
	if interruptsEnabledFn() {
		panicFn(errNotKernelContext)
	}
}

// space returns the address space of pid. mm.NoOwner selects the current
// process.
func (m *Manager) space(pid mm.PID) (*vmm.AddressSpace, *kernel.Error) {
	if pid == mm.NoOwner {
		pid = m.current
	}

	as, ok := m.spaces[pid]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return as, nil
}

// Current returns the process whose address space is active.
func (m *Manager) Current() mm.PID {
	defer m.leave(m.enter())
	return m.current
}

// CreateSpace sets up an empty address space for pid.
func (m *Manager) CreateSpace(pid mm.PID) *kernel.Error {
	defer m.leave(m.enter())

	if !pid.Valid() {
		return ErrInvalidArgument
	}
	if _, exists := m.spaces[pid]; exists {
		return ErrProcessExists
	}

	as, err := vmm.NewAddressSpace(pid, m.backend, m.asids)
	if err != nil {
		return err
	}

	m.spaces[pid] = as
	return nil
}

// DestroySpace tears down the address space of a terminated process. Every
// loan the process takes part in is revoked, the frames it owns are freed
// and its ASID is released.
func (m *Manager) DestroySpace(pid mm.PID) *kernel.Error {
	defer m.leave(m.enter())

	switch pid {
	case mm.KernelPID:
		return ErrInvalidArgument
	case mm.NoOwner:
		return ErrProcessNotFound
	}
	as, err := m.space(pid)
	if err != nil {
		return err
	}

	revoked := m.revokeLoans(pid)

	type mapped struct {
		page  mm.Page
		frame mm.Frame
	}
	var pages []mapped
	as.Visit(func(page mm.Page, entry vmm.Entry) bool {
		if entry.State.HasFrame() {
			pages = append(pages, mapped{page, entry.Frame})
		}
		return true
	})

	for _, p := range pages {
		_, _ = as.Unmap(p.page)

		switch owner, _ := m.frames.Owner(p.frame); owner {
		case pid, mm.KernelPID:
			m.releaseFrame(p.frame, owner)
		default:
			kfmt.Printf("[mem] pid %d: page 0x%x maps frame 0x%x owned by pid %d\n", uint32(pid), uint64(p.page.Address()), uint64(p.frame), uint32(owner))
		}
	}

	if pid == m.current {
		m.current = mm.KernelPID
		m.spaces[mm.KernelPID].Activate()
	}

	as.Destroy()
	delete(m.spaces, pid)

	if leaked := m.frames.ReleaseOwner(pid); leaked != 0 {
		kfmt.Printf("[mem] pid %d: reclaimed %d unmapped frames\n", uint32(pid), leaked)
	}

	kfmt.Printf("[mem] pid %d: address space destroyed; %d loans revoked, %d pages released\n", uint32(pid), revoked, len(pages))
	return nil
}

// Activate switches to the address space of pid.
func (m *Manager) Activate(pid mm.PID) *kernel.Error {
	defer m.leave(m.enter())

	as, err := m.space(pid)
	if err != nil {
		return err
	}

	as.Activate()
	m.current = as.PID()
	return nil
}
