package kmain

import (
	"strconv"

	"lendos/kernel"
	"lendos/kernel/cpu"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/mem"
	"lendos/kernel/mm/physmem"
	"lendos/kernel/mm/pmm"
	"lendos/kernel/mm/vmm"
	"lendos/kernel/mm/vmm/hosted"
	"lendos/kernel/mm/vmm/pagetable"
	"lendos/multiboot"
)

// defaultASIDLimit is used when the command line does not specify asids=N.
const defaultASIDLimit = 256

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemory       = &kernel.Error{Module: "kmain", Message: "memory map does not describe any available RAM"}
	errUnknownBackend = &kernel.Error{Module: "kmain", Message: "unknown page table backend"}
	errBadASIDLimit   = &kernel.Error{Module: "kmain", Message: "invalid ASID limit"}
)

// Kmain boots the memory management core from the boot information block
// in info. The physical addresses of the kernel image are passed in
// kernelStart and kernelEnd so their frames are never allocated.
//
// Kmain is not expected to return. If it does, the CPU is halted.
func Kmain(info []byte, kernelStart, kernelEnd uintptr) {
	if err := boot(info, kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	panicFn(errKmainReturned)
}

func boot(info []byte, kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := multiboot.SetInfo(info); err != nil {
		return err
	}
	cmdLine := multiboot.GetBootCmdLine()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		return err
	}

	arena, err := ramArena()
	if err != nil {
		return err
	}

	backend, err := selectBackend(cmdLine["backend"], arena)
	if err != nil {
		return err
	}

	asidLimit := defaultASIDLimit
	if v, ok := cmdLine["asids"]; ok {
		if asidLimit, err = parseASIDLimit(v); err != nil {
			return err
		}
	}

	if err = mem.Init(backend, &pmm.FrameAllocator, arena, asidLimit); err != nil {
		return err
	}
	kfmt.Printf("[kmain] memory manager ready (backend: %s, asids: %d)\n", backend.Name(), asidLimit)

	cpu.EnableInterrupts()
	mem.Kernel().PrintStats()
	return nil
}

// ramArena backs the physical range spanned by the available regions of
// the memory map.
func ramArena() (*physmem.Arena, *kernel.Error) {
	var start, end uint64 = ^uint64(0), 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}
		if region.PhysAddress < start {
			start = region.PhysAddress
		}
		if regionEnd := region.PhysAddress + region.Length; regionEnd > end {
			end = regionEnd
		}
		return true
	})

	start = uint64(mm.RoundUp(uintptr(start)))
	end &^= uint64(mm.PageSize - 1)
	if end <= start {
		return nil, errNoMemory
	}

	kfmt.Printf("[kmain] physical memory: [0x%16x - 0x%16x]\n", start, end-1)
	return physmem.NewArena(uintptr(start), uintptr(end-start))
}

// selectBackend returns the page table backend named by the backend=
// command line option.
func selectBackend(name string, arena *physmem.Arena) (vmm.Backend, *kernel.Error) {
	switch name {
	case "", "pagetable":
		return pagetable.New(arena, &pmm.FrameAllocator), nil
	case "hosted":
		return hosted.New(&pmm.FrameAllocator), nil
	default:
		return nil, errUnknownBackend
	}
}

func parseASIDLimit(v string) (int, *kernel.Error) {
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 2 || limit > 1<<16 {
		return 0, errBadASIDLimit
	}
	return limit, nil
}
