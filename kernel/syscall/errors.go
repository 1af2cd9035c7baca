package syscall

import (
	"lendos/kernel"
	"lendos/kernel/mm/mem"
	"lendos/kernel/mm/pmm"
	"lendos/kernel/mm/vmm"
)

// ErrorCode is the numeric error returned to a process in Result.Code.
type ErrorCode uint32

const (
	// NoError indicates that the call succeeded.
	NoError ErrorCode = iota

	// UnalignedAddress is returned for addresses or sizes that are not a
	// multiple of the page size.
	UnalignedAddress

	// BadAddress is returned for addresses outside the user area or pages
	// that are not mapped.
	BadAddress

	// OutOfMemory is returned when no physical frame or no free virtual
	// range can satisfy the call.
	OutOfMemory

	// AlreadyMapped is returned when a destination page is in use.
	AlreadyMapped

	// ProcessNotFound is returned when a pid argument has no address space.
	ProcessNotFound

	// ShareViolation is returned when a page is lent, borrowed or not
	// owned by the process that attempts to share it.
	ShareViolation

	// AccessDenied is returned when a mapping does not permit an access.
	AccessDenied

	// InvalidArgument is returned for flag values or sizes the call does
	// not accept.
	InvalidArgument

	// InvalidSyscall is returned for unknown call numbers.
	InvalidSyscall

	// InternalError is returned for kernel errors that have no dedicated
	// code.
	InternalError
)

var codeNames = [...]string{
	NoError:          "NoError",
	UnalignedAddress: "UnalignedAddress",
	BadAddress:       "BadAddress",
	OutOfMemory:      "OutOfMemory",
	AlreadyMapped:    "AlreadyMapped",
	ProcessNotFound:  "ProcessNotFound",
	ShareViolation:   "ShareViolation",
	AccessDenied:     "AccessDenied",
	InvalidArgument:  "InvalidArgument",
	InvalidSyscall:   "InvalidSyscall",
	InternalError:    "InternalError",
}

// String implements fmt.Stringer for ErrorCode.
func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "UnknownError"
}

// errorCodes maps the errors the memory manager reports to the codes seen
// by processes.
var errorCodes = map[*kernel.Error]ErrorCode{
	pmm.ErrOutOfMemory:     OutOfMemory,
	pmm.ErrFrameInUse:      AlreadyMapped,
	pmm.ErrFrameNotManaged: BadAddress,

	vmm.ErrBadAddress:    BadAddress,
	vmm.ErrAlreadyMapped: AlreadyMapped,
	vmm.ErrAccessDenied:  AccessDenied,
	vmm.ErrPageReserved:  BadAddress,
	vmm.ErrOutOfASIDs:    OutOfMemory,
	vmm.ErrNoFreeRange:   OutOfMemory,

	mem.ErrProcessNotFound:  ProcessNotFound,
	mem.ErrProcessExists:    InvalidArgument,
	mem.ErrUnalignedAddress: UnalignedAddress,
	mem.ErrShareViolation:   ShareViolation,
	mem.ErrInvalidArgument:  InvalidArgument,
}

// codeFor returns the ErrorCode for err.
func codeFor(err *kernel.Error) ErrorCode {
	if err == nil {
		return NoError
	}
	if code, ok := errorCodes[err]; ok {
		return code
	}
	return InternalError
}
