package syscall

import (
	"bytes"
	"strings"
	"testing"

	"lendos/kernel"
	"lendos/kernel/cpu"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/mem"
	"lendos/kernel/mm/physmem"
	"lendos/kernel/mm/pmm"
	"lendos/kernel/mm/vmm/hosted"
	"lendos/multiboot"
)

const (
	lender   = mm.PID(2)
	borrower = mm.PID(3)
)

// setupKernel points Dispatch at a fresh manager with two processes.
func setupKernel(t *testing.T) *mem.Manager {
	t.Helper()

	const (
		arenaBase  = uintptr(0x800000)
		frameCount = 64
	)

	info := new(multiboot.InfoBuilder).AddMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: uint64(arenaBase), Length: uint64(frameCount) << mm.PageShift, Type: multiboot.MemAvailable},
	}).Bytes()
	if err := multiboot.SetInfo(info); err != nil {
		t.Fatal(err)
	}
	if err := pmm.Init(0, 0); err != nil {
		t.Fatal(err)
	}

	arena, err := physmem.NewArena(arenaBase, frameCount<<mm.PageShift)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(arena.Close)

	cpu.FlushTLB()
	cpu.EnableInterrupts()

	m, err := mem.New(hosted.New(&pmm.FrameAllocator), &pmm.FrameAllocator, arena, 8)
	if err != nil {
		t.Fatal(err)
	}
	for _, pid := range []mm.PID{lender, borrower} {
		if err = m.CreateSpace(pid); err != nil {
			t.Fatal(err)
		}
	}

	origKernel := kernelFn
	kernelFn = func() *mem.Manager { return m }
	t.Cleanup(func() { kernelFn = origKernel })

	return m
}

func call(number Number, args ...uintptr) SysCall {
	c := SysCall{Number: number}
	copy(c.Args[:], args)
	return c
}

func mustSucceed(t *testing.T, pid mm.PID, c SysCall) uintptr {
	t.Helper()
	res := Dispatch(pid, c)
	if res.Code != NoError {
		t.Fatalf("expected syscall %d by pid %d to succeed; got %s", c.Number, pid, res.Code)
	}
	return res.Values[0]
}

func TestDispatchLendingRoundTrip(t *testing.T) {
	m := setupKernel(t)

	rw := uintptr(mm.FlagR | mm.FlagW)
	virtAddr := mustSucceed(t, lender, call(MapMemory, 0, 0, mm.PageSize, rw))
	if virtAddr != mm.DefaultHeapBase {
		t.Fatalf("expected mapping at 0x%x; got 0x%x", mm.DefaultHeapBase, virtAddr)
	}
	if err := m.CopyToUser(lender, virtAddr, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	borrowed := mustSucceed(t, lender, call(LendMemory, uintptr(borrower), virtAddr, 0, mm.PageSize, 1))
	if borrowed != mm.DefaultMessageBase {
		t.Fatalf("expected loan at 0x%x; got 0x%x", mm.DefaultMessageBase, borrowed)
	}
	if err := m.CopyToUser(borrower, borrowed, []byte("pong")); err != nil {
		t.Fatal(err)
	}

	// only the borrower can return the loan
	if res := Dispatch(lender, call(ReturnMemory, uintptr(lender), virtAddr, borrowed, mm.PageSize, 1)); res.Code != BadAddress {
		t.Fatalf("expected BadAddress; got %s", res.Code)
	}

	if size := mustSucceed(t, borrower, call(ReturnMemory, uintptr(lender), virtAddr, borrowed, mm.PageSize, 1)); size != mm.PageSize {
		t.Fatalf("expected %d bytes to be returned; got %d", mm.PageSize, size)
	}
	if res := Dispatch(borrower, call(ReturnMemory, uintptr(lender), virtAddr, borrowed, mm.PageSize, 1)); res.Code != BadAddress {
		t.Fatalf("expected second return to fail with BadAddress; got %s", res.Code)
	}

	buf := make([]byte, 4)
	if err := m.CopyFromUser(lender, virtAddr, buf); err != nil {
		t.Fatal(err)
	}
	if got := string(buf); got != "pong" {
		t.Fatalf("expected lender to read pong; got %q", got)
	}

	destAddr := mustSucceed(t, lender, call(MoveMemory, uintptr(borrower), virtAddr, 0, mm.PageSize, uintptr(mm.FlagR)))
	if !m.AddressAvailable(lender, virtAddr) || m.AddressAvailable(borrower, destAddr) {
		t.Fatal("expected page to move to the borrower")
	}
	if res := Dispatch(borrower, call(UpdateMemoryFlags, destAddr, mm.PageSize, rw)); res.Code != NoError {
		t.Fatalf("expected flag update to succeed; got %s", res.Code)
	}
	if err := m.CopyToUser(borrower, destAddr, []byte("mine")); err != nil {
		t.Fatal(err)
	}
	mustSucceed(t, borrower, call(UnmapMemory, destAddr, mm.PageSize))
}

func TestDispatchErrors(t *testing.T) {
	setupKernel(t)

	rw := uintptr(mm.FlagR | mm.FlagW)
	virtAddr := mustSucceed(t, lender, call(MapMemory, 0, 0, mm.PageSize, rw))
	mustSucceed(t, lender, call(LendMemory, uintptr(borrower), virtAddr, 0, mm.PageSize, 0))

	specs := []struct {
		pid     mm.PID
		call    SysCall
		expCode ErrorCode
	}{
		{lender, call(MapMemory, 0, virtAddr+1, mm.PageSize, rw), UnalignedAddress},
		{lender, call(MapMemory, 0, 0, mm.PageSize, 1<<40), InvalidArgument},
		{lender, call(MapMemory, 0, 0, mm.PageSize, uintptr(mm.FlagUser)), InvalidArgument},
		{lender, call(MapMemory, 0, 0, 128*mm.PageSize, rw), OutOfMemory},
		{lender, call(MapMemory, 0, virtAddr, mm.PageSize, rw), AlreadyMapped},
		{lender, call(MapMemory, 0, mm.UserAreaEnd, mm.PageSize, rw), BadAddress},
		{lender, call(UnmapMemory, mm.DefaultLoadBase, mm.PageSize), BadAddress},
		{lender, call(UnmapMemory, virtAddr, mm.PageSize), ShareViolation},
		{lender, call(LendMemory, 0, virtAddr, 0, mm.PageSize, 0), ProcessNotFound},
		{lender, call(LendMemory, uintptr(mm.KernelPID), virtAddr, 0, mm.PageSize, 0), ProcessNotFound},
		{lender, call(LendMemory, 1<<40, virtAddr, 0, mm.PageSize, 0), ProcessNotFound},
		{lender, call(LendMemory, 42, virtAddr, 0, mm.PageSize, 0), ProcessNotFound},
		{lender, call(LendMemory, uintptr(borrower), virtAddr, 0, mm.PageSize, 0), ShareViolation},
		{borrower, call(LendMemory, uintptr(lender), mm.DefaultMessageBase, 0, mm.PageSize, 0), ShareViolation},
		{borrower, call(MoveMemory, uintptr(lender), mm.DefaultMessageBase, 0, mm.PageSize, 0), ShareViolation},
		{borrower, call(MoveMemory, uintptr(lender), mm.DefaultMessageBase, 0, mm.PageSize, 1<<33), InvalidArgument},
		{borrower, call(UpdateMemoryFlags, mm.DefaultMessageBase, mm.PageSize, rw), ShareViolation},
		{borrower, call(UpdateMemoryFlags, mm.DefaultMessageBase, 0, rw), InvalidArgument},
		{borrower, call(ReturnMemory, 0, virtAddr, mm.DefaultMessageBase, mm.PageSize, 0), ProcessNotFound},
		{lender, call(Number(99)), InvalidSyscall},
	}

	for specIndex, spec := range specs {
		if res := Dispatch(spec.pid, spec.call); res.Code != spec.expCode {
			t.Errorf("[spec %d] expected code %s; got %s", specIndex, spec.expCode, res.Code)
		}
	}
}

func TestCodeFor(t *testing.T) {
	if got := codeFor(nil); got != NoError {
		t.Fatalf("expected NoError; got %s", got)
	}

	unknown := &kernel.Error{Module: "test", Message: "unknown"}
	if got := codeFor(unknown); got != InternalError {
		t.Fatalf("expected InternalError; got %s", got)
	}

	// errors are matched by identity
	clone := *mem.ErrShareViolation
	if got := codeFor(&clone); got != InternalError {
		t.Fatalf("expected InternalError for a copy of a known error; got %s", got)
	}
	if got := codeFor(mem.ErrShareViolation); got != ShareViolation {
		t.Fatalf("expected ShareViolation; got %s", got)
	}
}

func TestErrorCodeString(t *testing.T) {
	specs := []struct {
		code ErrorCode
		exp  string
	}{
		{NoError, "NoError"},
		{ShareViolation, "ShareViolation"},
		{InternalError, "InternalError"},
		{ErrorCode(1234), "UnknownError"},
	}

	for specIndex, spec := range specs {
		if got := spec.code.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestTrap(t *testing.T) {
	setupKernel(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	regs := Regs{RAX: uint64(MapMemory), RSI: uint64(mm.DefaultLoadBase), RDX: uint64(mm.PageSize), R10: uint64(mm.FlagR)}
	Trap(lender, &regs)
	if regs.RAX != uint64(NoError) || regs.RDI != uint64(mm.DefaultLoadBase) {
		t.Fatalf("expected RAX = 0 and RDI = 0x%x; got RAX = %d, RDI = 0x%x", mm.DefaultLoadBase, regs.RAX, regs.RDI)
	}

	buf.Reset()
	regs = Regs{RAX: 0xbad, R9: 0xf00}
	Trap(lender, &regs)
	if regs.RAX != uint64(InvalidSyscall) {
		t.Fatalf("expected RAX = %d; got %d", InvalidSyscall, regs.RAX)
	}

	for _, exp := range []string{"[syscall] pid 2: invalid syscall", "[syscall] RAX = 0000000000000bad", "[syscall] R9  = 0000000000000f00"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
