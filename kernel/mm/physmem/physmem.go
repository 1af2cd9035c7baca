// Package physmem provides access to the contents of physical frames.
//
// On the hosted target physical RAM is an anonymous host mapping covering the
// span of the boot memory map; the arena never moves, so page table entries
// can be addressed through raw pointers into it exactly like a kernel's
// direct map.
package physmem

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"lendos/kernel"
	"lendos/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	mmapFn    = unix.Mmap
	munmapFn  = unix.Munmap
	madviseFn = unix.Madvise

	// discardPages is set when the host discards anonymous pages at the
	// same granularity the kernel uses and refills them with zeroes.
	discardPages = runtime.GOOS == "linux" && uintptr(unix.Getpagesize()) == mm.PageSize

	errMapFailed     = &kernel.Error{Module: "physmem", Message: "unable to map physical memory arena"}
	errEmptyArena    = &kernel.Error{Module: "physmem", Message: "physical memory arena must span at least one frame"}
	errFrameNotInRAM = &kernel.Error{Module: "physmem", Message: "frame is outside of physical memory"}
)

// Arena is a window onto a contiguous range of physical frames.
type Arena struct {
	firstFrame mm.Frame
	frameCount uintptr
	mem        []byte
}

// NewArena maps a window covering the physical range [base, base+size).
// Both values are rounded outwards to frame boundaries.
func NewArena(base, size uintptr) (*Arena, *kernel.Error) {
	first := mm.FrameFromAddress(base)
	last := mm.FrameFromAddress(mm.RoundUp(base + size))
	if last <= first {
		return nil, errEmptyArena
	}

	count := uintptr(last - first)
	mem, err := mmapFn(-1, 0, int(count<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errMapFailed
	}

	return &Arena{firstFrame: first, frameCount: count, mem: mem}, nil
}

// Close releases the host mapping. The arena must not be used afterwards.
func (a *Arena) Close() {
	if a.mem != nil {
		_ = munmapFn(a.mem)
		a.mem = nil
	}
}

// FirstFrame returns the first frame backed by the arena.
func (a *Arena) FirstFrame() mm.Frame { return a.firstFrame }

// FrameCount returns the number of frames backed by the arena.
func (a *Arena) FrameCount() uintptr { return a.frameCount }

// Contains returns true if frame is backed by this arena.
func (a *Arena) Contains(frame mm.Frame) bool {
	return frame >= a.firstFrame && uintptr(frame-a.firstFrame) < a.frameCount
}

// Frame returns the contents of frame as a PageSize-long slice aliasing the
// arena.
func (a *Arena) Frame(frame mm.Frame) ([]byte, *kernel.Error) {
	if !a.Contains(frame) {
		return nil, errFrameNotInRAM
	}

	offset := uintptr(frame-a.firstFrame) << mm.PageShift
	return a.mem[offset : offset+mm.PageSize : offset+mm.PageSize], nil
}

// Pointer returns a pointer to the first byte of frame.
func (a *Arena) Pointer(frame mm.Frame) (unsafe.Pointer, *kernel.Error) {
	buf, err := a.Frame(frame)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(&buf[0]), nil
}

// Zero clears the contents of frame. The host is told the backing pages
// can be discarded, which hands back zero-filled pages on next access.
func (a *Arena) Zero(frame mm.Frame) *kernel.Error {
	buf, err := a.Frame(frame)
	if err != nil {
		return err
	}

	if !discardPages || madviseFn(buf, unix.MADV_DONTNEED) != nil {
		memset(buf, 0)
	}
	return nil
}

// Fill sets every byte of frame to value.
func (a *Arena) Fill(frame mm.Frame, value byte) *kernel.Error {
	buf, err := a.Frame(frame)
	if err != nil {
		return err
	}
	memset(buf, value)
	return nil
}

// memset sets the first element of buf and then makes log2(len(buf))
// copies of the already filled prefix.
func memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}
