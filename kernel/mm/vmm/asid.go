package vmm

// KernelASID tags the translations of the kernel address space. It is never
// handed out to processes.
const KernelASID = uint16(0)

// ASIDAllocator hands out address space identifiers. An ASID is unique
// among live address spaces; releasing it bumps its generation so that the
// next space using it flushes any translations cached under the previous
// owner before it becomes active.
type ASIDAllocator struct {
	inUse       []bool
	generations []uint32

	// lastActivated records, for each ASID, the generation that was
	// active the last time the ASID was loaded into the root register.
	lastActivated []uint32

	next  int
	count int
}

// NewASIDAllocator creates an allocator for ASIDs in the range [1, limit).
// ASID 0 is reserved for the kernel.
func NewASIDAllocator(limit int) *ASIDAllocator {
	if limit < 2 {
		limit = 2
	}
	if limit > 1<<16 {
		limit = 1 << 16
	}

	alloc := &ASIDAllocator{
		inUse:         make([]bool, limit),
		generations:   make([]uint32, limit),
		lastActivated: make([]uint32, limit),
		next:          1,
	}
	alloc.inUse[KernelASID] = true

	// Generations start at 1 so the first activation of any ASID flushes
	// whatever the boot code left behind.
	for i := range alloc.generations {
		alloc.generations[i] = 1
	}
	return alloc
}

// Alloc reserves a free ASID and returns it together with its generation.
func (a *ASIDAllocator) Alloc() (uint16, uint32, bool) {
	limit := len(a.inUse)
	for scanned := 0; scanned < limit; scanned++ {
		asid := a.next
		if a.next++; a.next == limit {
			a.next = 1
		}

		if a.inUse[asid] {
			continue
		}

		a.inUse[asid] = true
		a.count++
		return uint16(asid), a.generations[asid], true
	}

	return 0, 0, false
}

// Release returns asid to the free pool.
func (a *ASIDAllocator) Release(asid uint16) {
	if asid == KernelASID || int(asid) >= len(a.inUse) || !a.inUse[asid] {
		return
	}

	a.inUse[asid] = false
	a.generations[asid]++
	a.count--
}

// InUse returns the number of ASIDs held by processes.
func (a *ASIDAllocator) InUse() int {
	return a.count
}

// markActivated records that asid is loaded with the given generation and
// reports whether the translations cached for asid belong to a different
// generation and must be flushed.
func (a *ASIDAllocator) markActivated(asid uint16, generation uint32) bool {
	stale := a.lastActivated[asid] != generation
	a.lastActivated[asid] = generation
	return stale
}
