package pmm

import (
	"math/bits"

	"lendos/kernel"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/multiboot"
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// uses it to skip fully allocated pools without scanning the bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// used frame; bit (63 - i%64) of block i/64 corresponds to frame i.
	freeBitmap []uint64

	// owners records the owning process of each frame in the pool.
	owners []mm.PID
}

// Allocator implements a physical frame allocator that tracks frame
// ownership across the available memory pools.
type Allocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of pages owned by mm.ReservedPID.
	reservedPages uint32

	pools []framePool

	// ownedPages counts the pages held by each live process.
	ownedPages map[mm.PID]uint32

	// next-fit hint: the pool and bitmap block where the last search
	// ended. Searches resume there which keeps allocation O(1) amortized.
	hintPool, hintBlock int
}

// init creates one pool per available region of the boot memory map and
// marks reserved regions and the kernel image as reserved.
func (alloc *Allocator) init(kernelStart, kernelEnd uintptr) *kernel.Error {
	*alloc = Allocator{ownedPages: make(map[mm.PID]uint32)}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
		if regionEndFrame < regionStartFrame || region.Length < uint64(mm.PageSize) {
			return true
		}

		alloc.addPool(regionStartFrame, regionEndFrame)
		return true
	})

	if len(alloc.pools) == 0 {
		return errNoMemoryRegions
	}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			return true
		}

		// Round outwards so partially covered frames are never handed out.
		start := mm.FrameFromAddress(uintptr(region.PhysAddress))
		end := mm.FrameFromAddress(uintptr(region.PhysAddress + region.Length + pageSizeMinus1))
		alloc.reserveRange(start, end)
		return true
	})

	if kernelEnd > kernelStart {
		alloc.reserveRange(mm.FrameFromAddress(kernelStart), mm.FrameFromAddress(mm.RoundUp(kernelEnd)))
	}

	return nil
}

func (alloc *Allocator) addPool(start, end mm.Frame) {
	pageCount := uint32(end - start + 1)
	pool := framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
		owners:     make([]mm.PID, pageCount),
	}

	// Bits past the last frame of the pool are marked as used so the
	// search never returns them.
	if tail := pageCount & 63; tail != 0 {
		pool.freeBitmap[len(pool.freeBitmap)-1] = ^uint64(0) >> tail
	}

	alloc.pools = append(alloc.pools, pool)
	alloc.totalPages += pageCount
}

// reserveRange marks the free frames in [start, end) as kernel-reserved.
func (alloc *Allocator) reserveRange(start, end mm.Frame) {
	for frame := start; frame < end; frame++ {
		alloc.MarkReserved(frame)
	}
}

// MarkReserved flags a free frame as permanently reserved for the kernel.
// Frames outside the managed pools or already owned are left untouched.
// It is only meant to be used while booting.
func (alloc *Allocator) MarkReserved(frame mm.Frame) {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || alloc.ownerAt(poolIndex, frame) != mm.NoOwner {
		return
	}

	alloc.markFrame(poolIndex, frame, markReserved)
	alloc.pools[poolIndex].owners[frame-alloc.pools[poolIndex].startFrame] = mm.ReservedPID
	alloc.reservedPages++
}

// AllocFrame reserves a free frame and records owner as its owner. It
// returns ErrOutOfMemory if no frame is available.
func (alloc *Allocator) AllocFrame(owner mm.PID) (mm.Frame, *kernel.Error) {
	if !owner.Valid() {
		return mm.InvalidFrame, errInvalidOwner
	}

	poolCount := len(alloc.pools)
	if poolCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}
	for scanned := 0; scanned <= poolCount; scanned++ {
		poolIndex := (alloc.hintPool + scanned) % poolCount
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		startBlock := 0
		if scanned == 0 {
			startBlock = alloc.hintBlock
		}

		for blockIndex := startBlock; blockIndex < len(pool.freeBitmap); blockIndex++ {
			block := pool.freeBitmap[blockIndex]
			if block == ^uint64(0) {
				continue
			}

			frame := pool.startFrame + mm.Frame(blockIndex<<6+bits.LeadingZeros64(^block))
			alloc.markFrame(poolIndex, frame, markReserved)
			alloc.setOwner(poolIndex, frame, owner)
			alloc.hintPool, alloc.hintBlock = poolIndex, blockIndex
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// ClaimFrame assigns a specific free frame to owner. It is used when a
// process maps a fixed physical range.
func (alloc *Allocator) ClaimFrame(frame mm.Frame, owner mm.PID) *kernel.Error {
	if !owner.Valid() {
		return errInvalidOwner
	}

	poolIndex := alloc.poolForFrame(frame)
	switch {
	case poolIndex < 0:
		return ErrFrameNotManaged
	case alloc.ownerAt(poolIndex, frame) != mm.NoOwner:
		return ErrFrameInUse
	}

	alloc.markFrame(poolIndex, frame, markReserved)
	alloc.setOwner(poolIndex, frame, owner)
	return nil
}

// FreeFrame releases a frame held by owner. Freeing a frame that owner does
// not hold means the ownership records are corrupt; this is reported as a
// fatal error and the allocator state is left unchanged.
func (alloc *Allocator) FreeFrame(frame mm.Frame, owner mm.PID) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || !owner.Valid() || alloc.ownerAt(poolIndex, frame) != owner {
		kfmt.Printf("[pmm] frame 0x%x: free by pid %d rejected\n", uint64(frame), uint32(owner))
		panicFn(errDoubleFree)
		return errDoubleFree
	}

	alloc.setOwner(poolIndex, frame, mm.NoOwner)
	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// TransferFrame changes the owner of frame from one process to another.
func (alloc *Allocator) TransferFrame(frame mm.Frame, from, to mm.PID) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || !to.Valid() || alloc.ownerAt(poolIndex, frame) != from {
		panicFn(errBadTransfer)
		return errBadTransfer
	}

	alloc.setOwner(poolIndex, frame, to)
	return nil
}

// ReleaseOwner frees every frame still owned by pid and returns the number
// of frames released.
func (alloc *Allocator) ReleaseOwner(pid mm.PID) uint32 {
	if !pid.Valid() || alloc.ownedPages[pid] == 0 {
		return 0
	}

	var released uint32
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for i, owner := range pool.owners {
			if owner != pid {
				continue
			}

			frame := pool.startFrame + mm.Frame(i)
			alloc.setOwner(poolIndex, frame, mm.NoOwner)
			alloc.markFrame(poolIndex, frame, markFree)
			released++
		}
	}

	return released
}

// Owner returns the process owning frame. The second return value is false
// for frames outside the managed pools.
func (alloc *Allocator) Owner(frame mm.Frame) (mm.PID, bool) {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return mm.NoOwner, false
	}
	return alloc.ownerAt(poolIndex, frame), true
}

// TotalFrames returns the number of frames across all pools.
func (alloc *Allocator) TotalFrames() uint32 { return alloc.totalPages }

// ReservedFrames returns the number of kernel-reserved frames.
func (alloc *Allocator) ReservedFrames() uint32 { return alloc.reservedPages }

// FreeFrames returns the number of unowned frames.
func (alloc *Allocator) FreeFrames() uint32 {
	var free uint32
	for i := range alloc.pools {
		free += alloc.pools[i].freeCount
	}
	return free
}

// FramesOwnedBy returns the number of frames owned by pid.
func (alloc *Allocator) FramesOwnedBy(pid mm.PID) uint32 {
	if pid == mm.ReservedPID {
		return alloc.reservedPages
	}
	return alloc.ownedPages[pid]
}

// Owners returns the processes that currently own at least one frame.
func (alloc *Allocator) Owners() []mm.PID {
	owners := make([]mm.PID, 0, len(alloc.ownedPages))
	for pid := range alloc.ownedPages {
		owners = append(owners, pid)
	}
	return owners
}

func (alloc *Allocator) ownerAt(poolIndex int, frame mm.Frame) mm.PID {
	pool := &alloc.pools[poolIndex]
	return pool.owners[frame-pool.startFrame]
}

func (alloc *Allocator) setOwner(poolIndex int, frame mm.Frame, owner mm.PID) {
	pool := &alloc.pools[poolIndex]
	slot := &pool.owners[frame-pool.startFrame]

	if prev := *slot; prev.Valid() {
		if alloc.ownedPages[prev]--; alloc.ownedPages[prev] == 0 {
			delete(alloc.ownedPages, prev)
		}
	}
	if owner.Valid() {
		alloc.ownedPages[owner]++
	}
	*slot = owner
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *Allocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		if alloc.pools[poolIndex].freeBitmap[block]&mask != 0 {
			alloc.pools[poolIndex].freeBitmap[block] &^= mask
			alloc.pools[poolIndex].freeCount++
		}
	case markReserved:
		if alloc.pools[poolIndex].freeBitmap[block]&mask == 0 {
			alloc.pools[poolIndex].freeBitmap[block] |= mask
			alloc.pools[poolIndex].freeCount--
		}
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *Allocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// printStats logs the pool layout and frame accounting.
func (alloc *Allocator) printStats() {
	kfmt.Printf("[pmm] frame pools:\n")
	for _, pool := range alloc.pools {
		kfmt.Printf("\t[0x%10x - 0x%10x] frames: %d\n",
			uint64(pool.startFrame.Address()),
			uint64(pool.endFrame.Address()+mm.PageSize-1),
			uint32(pool.endFrame-pool.startFrame+1),
		)
	}
	kfmt.Printf("[pmm] total: %d frames, reserved: %d, free: %d\n", alloc.totalPages, alloc.reservedPages, alloc.FreeFrames())
}
