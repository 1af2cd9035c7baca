package mm

// PID identifies a process. Frame ownership is recorded by PID.
type PID uint32

const (
	// NoOwner marks a free frame.
	NoOwner PID = 0

	// KernelPID is the process that owns kernel data structures and
	// pages that have not yet been handed to a user process.
	KernelPID PID = 1

	// ReservedPID marks frames that are never handed out, such as the
	// kernel image or firmware ranges reported by the bootloader.
	ReservedPID = ^PID(0)
)

// Valid returns true if pid can own an address space.
func (pid PID) Valid() bool {
	return pid != NoOwner && pid != ReservedPID
}
