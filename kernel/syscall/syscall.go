// Package syscall decodes the memory management system calls issued by
// processes and forwards them to the kernel's memory manager.
package syscall

import (
	"lendos/kernel/mm"
	"lendos/kernel/mm/mem"
)

// Number selects the operation performed by a SysCall.
type Number uint32

const (
	// MapMemory maps Args[2] bytes at Args[1] with flags Args[3]. A
	// non-zero Args[0] maps that physical range; a zero Args[1] picks the
	// first free range of the heap area. Values[0] holds the address.
	MapMemory Number = iota + 1

	// UnmapMemory removes Args[1] bytes of mappings starting at Args[0].
	UnmapMemory

	// LendMemory lends Args[3] bytes at Args[1] to process Args[0], where
	// they appear at Args[2]. A non-zero Args[4] makes the loan mutable.
	// Values[0] holds the borrower address.
	LendMemory

	// ReturnMemory gives back Args[3] bytes at Args[2] that process
	// Args[0] lent from Args[1]. Args[4] repeats the loan's mutability.
	// Values[0] holds the number of bytes returned.
	ReturnMemory

	// MoveMemory moves Args[3] bytes at Args[1] to process Args[0] at
	// Args[2] with flags Args[4]. Values[0] holds the destination address.
	MoveMemory

	// UpdateMemoryFlags changes the flags of Args[1] bytes at Args[0] to
	// Args[2].
	UpdateMemoryFlags
)

// SysCall is a decoded system call.
type SysCall struct {
	Number Number
	Args   [6]uintptr
}

// Result is returned to the process that issued a SysCall.
type Result struct {
	Code   ErrorCode
	Values [2]uintptr
}

// kernelFn returns the manager that services system calls. Tests override
// it to use a private manager.
var kernelFn = mem.Kernel

// Dispatch executes call on behalf of pid.
func Dispatch(pid mm.PID, call SysCall) Result {
	var (
		m     = kernelFn()
		args  = call.Args
		value uintptr
	)

	switch call.Number {
	case MapMemory:
		flags, ok := flagsArg(args[3])
		if !ok {
			return failure(InvalidArgument)
		}
		virtAddr, err := m.MapMemory(pid, args[0], args[1], args[2], flags)
		if err != nil {
			return failure(codeFor(err))
		}
		value = virtAddr
	case UnmapMemory:
		if err := m.UnmapMemory(pid, args[0], args[1]); err != nil {
			return failure(codeFor(err))
		}
	case LendMemory:
		borrower, ok := pidArg(args[0])
		if !ok {
			return failure(ProcessNotFound)
		}
		handle, err := m.LendMemory(pid, args[1], borrower, args[2], args[3], args[4] != 0)
		if err != nil {
			return failure(codeFor(err))
		}
		value = handle.BorrowerAddr
	case ReturnMemory:
		lender, ok := pidArg(args[0])
		if !ok {
			return failure(ProcessNotFound)
		}
		size, err := m.ReturnMemory(mem.LoanHandle{
			Lender:       lender,
			Borrower:     pid,
			LenderAddr:   args[1],
			BorrowerAddr: args[2],
			Size:         args[3],
			Mutable:      args[4] != 0,
		})
		if err != nil {
			return failure(codeFor(err))
		}
		value = size
	case MoveMemory:
		dest, ok := pidArg(args[0])
		if !ok {
			return failure(ProcessNotFound)
		}
		flags, ok := flagsArg(args[4])
		if !ok {
			return failure(InvalidArgument)
		}
		destAddr, err := m.MoveMemory(pid, args[1], dest, args[2], args[3], flags)
		if err != nil {
			return failure(codeFor(err))
		}
		value = destAddr
	case UpdateMemoryFlags:
		flags, ok := flagsArg(args[2])
		if !ok {
			return failure(InvalidArgument)
		}
		if err := m.UpdateMemoryFlags(pid, args[0], args[1], flags); err != nil {
			return failure(codeFor(err))
		}
	default:
		return failure(InvalidSyscall)
	}

	return Result{Values: [2]uintptr{value}}
}

func failure(code ErrorCode) Result {
	return Result{Code: code}
}

// pidArg converts a syscall argument to a PID that may own an address
// space.
func pidArg(arg uintptr) (mm.PID, bool) {
	pid := mm.PID(arg)
	if uintptr(pid) != arg || !pid.Valid() || pid == mm.KernelPID {
		return 0, false
	}
	return pid, true
}

func flagsArg(arg uintptr) (mm.MemoryFlags, bool) {
	flags := mm.MemoryFlags(arg)
	return flags, uintptr(flags) == arg
}
