// Package pmm tracks the ownership of every physical frame.
//
// Frames are grouped in pools, one per available region of the boot memory
// map. Each pool keeps a bitmap of used frames, used to find free frames
// quickly, and an owner table recording which process holds each frame.
package pmm

import (
	"lendos/kernel"
	"lendos/kernel/kfmt"
)

var (
	// FrameAllocator is the allocator instance set up by Init.
	FrameAllocator Allocator

	// panicFn reports fatal ownership violations. It is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrFrameInUse is returned when claiming a frame that already has an owner.
	ErrFrameInUse = &kernel.Error{Module: "pmm", Message: "frame is already owned"}

	// ErrFrameNotManaged is returned for frames outside of all memory pools.
	ErrFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not part of physical memory"}

	errNoMemoryRegions = &kernel.Error{Module: "pmm", Message: "boot memory map lists no available regions"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "attempt to free a frame not owned by the caller"}
	errBadTransfer     = &kernel.Error{Module: "pmm", Message: "attempt to transfer a frame not owned by the source process"}
	errInvalidOwner    = &kernel.Error{Module: "pmm", Message: "frames can only be assigned to valid process IDs"}
)

// Init sets up FrameAllocator from the boot memory map. Frames covering the
// kernel image [kernelStart, kernelEnd) are marked as reserved.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := FrameAllocator.init(kernelStart, kernelEnd); err != nil {
		return err
	}

	FrameAllocator.printStats()
	return nil
}
