package syscall

import (
	"io"

	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
)

// Regs contains a snapshot of the register values when a process entered
// the kernel through the syscall instruction. The call number is passed in
// RAX and the arguments in RDI, RSI, RDX, R10, R8 and R9. On return RAX
// holds the error code and RDI, RSI the result values.
type Regs struct {
	RAX uint64
	RDI uint64
	RSI uint64
	RDX uint64
	R10 uint64
	R8  uint64
	R9  uint64
}

// Call decodes the syscall described by the register snapshot.
func (r *Regs) Call() SysCall {
	return SysCall{
		Number: Number(r.RAX),
		Args:   [6]uintptr{uintptr(r.RDI), uintptr(r.RSI), uintptr(r.RDX), uintptr(r.R10), uintptr(r.R8), uintptr(r.R9)},
	}
}

// Store writes res into the registers that are restored when the process
// resumes.
func (r *Regs) Store(res Result) {
	r.RAX = uint64(res.Code)
	r.RDI = uint64(res.Values[0])
	r.RSI = uint64(res.Values[1])
}

// DumpTo outputs the register contents to w.
func (r *Regs) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RDI = %16x\n", r.RAX, r.RDI)
	kfmt.Fprintf(w, "RSI = %16x RDX = %16x\n", r.RSI, r.RDX)
	kfmt.Fprintf(w, "R10 = %16x R8  = %16x\n", r.R10, r.R8)
	kfmt.Fprintf(w, "R9  = %16x\n", r.R9)
}

// Trap services the syscall raised by pid with the registers in r and
// stores the result back into r.
func Trap(pid mm.PID, r *Regs) {
	res := Dispatch(pid, r.Call())
	if res.Code == InvalidSyscall {
		kfmt.Printf("[syscall] pid %d: invalid syscall\n", uint32(pid))
		sink := kfmt.GetOutputSink()
		if sink != nil {
			sink = &kfmt.PrefixWriter{Sink: sink, Prefix: []byte("[syscall] ")}
		}
		r.DumpTo(sink)
	}
	r.Store(res)
}
