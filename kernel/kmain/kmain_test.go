package kmain

import (
	"bytes"
	"strings"
	"testing"

	"lendos/kernel"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/mem"
	"lendos/multiboot"
)

func bootInfo(cmdLine string, entries ...multiboot.MemoryMapEntry) []byte {
	b := new(multiboot.InfoBuilder).AddMemoryMap(entries)
	if cmdLine != "" {
		b.AddCmdLine(cmdLine)
	}
	return b.Bytes()
}

var ram = []multiboot.MemoryMapEntry{
	{PhysAddress: 0x1000, Length: 0x9e000, Type: multiboot.MemAvailable},
	{PhysAddress: 0x9f000, Length: 0x61000, Type: multiboot.MemReserved},
	{PhysAddress: 0x100000, Length: 0x100000, Type: multiboot.MemAvailable},
}

func TestKmain(t *testing.T) {
	defer func(origPanic func(interface{})) {
		panicFn = origPanic
		kfmt.SetOutputSink(nil)
	}(panicFn)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	for _, backend := range []string{"pagetable", "hosted"} {
		t.Run(backend, func(t *testing.T) {
			buf.Reset()

			var panicErr interface{}
			panicFn = func(e interface{}) { panicErr = e }

			Kmain(bootInfo("backend="+backend+" asids=16", ram...), 0x100000, 0x120000)
			if panicErr != errKmainReturned {
				t.Fatalf("expected Kmain to halt with errKmainReturned; got %v", panicErr)
			}

			m := mem.Kernel()
			if err := m.CreateSpace(2); err != nil {
				t.Fatal(err)
			}
			virtAddr, err := m.MapMemory(2, 0, 0, mm.PageSize, mm.FlagR|mm.FlagW)
			if err != nil {
				t.Fatal(err)
			}
			if err = m.CopyToUser(2, virtAddr, []byte("booted")); err != nil {
				t.Fatal(err)
			}

			stats := m.Stats()
			if exp := uint32(0x9e + 0x100); stats.TotalFrames != exp {
				t.Fatalf("expected %d frames; got %d", exp, stats.TotalFrames)
			}
			if stats.ReservedFrames != 0x20 {
				t.Fatalf("expected the kernel image to reserve 32 frames; got %d", stats.ReservedFrames)
			}

			for _, exp := range []string{
				"[kmain] memory manager ready (backend: " + backend + ", asids: 16)",
				"[mem] 1 processes",
			} {
				if !strings.Contains(buf.String(), exp) {
					t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
				}
			}
		})
	}
}

func TestKmainErrors(t *testing.T) {
	defer func(origPanic func(interface{})) {
		panicFn = origPanic
	}(panicFn)

	specs := []struct {
		info   []byte
		expErr *kernel.Error
	}{
		{bootInfo("backend=mips", ram...), errUnknownBackend},
		{bootInfo("asids=1", ram...), errBadASIDLimit},
		{bootInfo("asids=lots", ram...), errBadASIDLimit},
	}

	for specIndex, spec := range specs {
		var panicErr interface{}
		panicFn = func(e interface{}) { panicErr = e }

		Kmain(spec.info, 0, 0)
		if panicErr != spec.expErr {
			t.Errorf("[spec %d] expected Kmain to halt with %v; got %v", specIndex, spec.expErr, panicErr)
		}
	}

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }
	Kmain([]byte{1, 2, 3}, 0, 0)
	if panicErr == nil {
		t.Fatal("expected a truncated boot information block to halt Kmain")
	}
}
