package cpu

import "testing"

func TestInterruptFlag(t *testing.T) {
	defer EnableInterrupts()

	EnableInterrupts()
	if wasEnabled := DisableInterrupts(); !wasEnabled {
		t.Fatal("expected DisableInterrupts to report that interrupts were enabled")
	}
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled")
	}

	// nested sections only re-enable interrupts on the outermost exit
	wasEnabled := DisableInterrupts()
	if wasEnabled {
		t.Fatal("expected DisableInterrupts to report that interrupts were disabled")
	}
	RestoreInterrupts(wasEnabled)
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to remain disabled")
	}

	RestoreInterrupts(true)
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled")
	}
}

func TestSwitchRoot(t *testing.T) {
	defer SwitchRoot(ActiveRoot())

	SwitchRoot(0x1000, 7)
	if tableAddr, asid := ActiveRoot(); tableAddr != 0x1000 || asid != 7 {
		t.Fatalf("expected root 0x1000 with ASID 7; got 0x%x with ASID %d", tableAddr, asid)
	}
}

func TestHalt(t *testing.T) {
	defer func() {
		if err, ok := recover().(ErrHalted); !ok {
			t.Fatalf("expected Halt to panic with ErrHalted; got %v", err)
		}
	}()

	Halt()
}

func TestTLB(t *testing.T) {
	FlushTLB()
	defer FlushTLB()

	FillTLB(1, 0x2000_0123, 0x5000_0fff, true)
	FillTLB(1, 0x2000_1000, 0x6000_0000, false)
	FillTLB(2, 0x2000_0000, 0x7000_0000, false)

	specs := []struct {
		asid        uint16
		virtAddr    uintptr
		expPhys     uintptr
		expWritable bool
		expOK       bool
	}{
		{1, 0x2000_0010, 0x5000_0010, true, true},
		{1, 0x2000_1ff0, 0x6000_0ff0, false, true},
		{2, 0x2000_0010, 0x7000_0010, false, true},
		{2, 0x2000_1000, 0, false, false},
		{3, 0x2000_0000, 0, false, false},
	}

	for specIndex, spec := range specs {
		physAddr, writable, ok := LookupTLB(spec.asid, spec.virtAddr)
		if physAddr != spec.expPhys || writable != spec.expWritable || ok != spec.expOK {
			t.Errorf("[spec %d] expected (0x%x, %t, %t); got (0x%x, %t, %t)", specIndex, spec.expPhys, spec.expWritable, spec.expOK, physAddr, writable, ok)
		}
	}

	FlushTLBEntry(1, 0x2000_0fff)
	if _, _, ok := LookupTLB(1, 0x2000_0000); ok {
		t.Fatal("expected entry to be flushed")
	}
	if _, _, ok := LookupTLB(1, 0x2000_1000); !ok {
		t.Fatal("expected unrelated entry to survive a single entry flush")
	}

	FlushASID(1)
	if _, _, ok := LookupTLB(1, 0x2000_1000); ok {
		t.Fatal("expected ASID 1 entries to be flushed")
	}
	if _, _, ok := LookupTLB(2, 0x2000_0000); !ok {
		t.Fatal("expected ASID 2 entries to survive an ASID 1 flush")
	}

	FlushTLB()
	if _, _, ok := LookupTLB(2, 0x2000_0000); ok {
		t.Fatal("expected all entries to be flushed")
	}
}
