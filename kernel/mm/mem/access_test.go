package mem

import (
	"bytes"
	"strings"
	"testing"

	"lendos/kernel"
	"lendos/kernel/kfmt"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

func TestHandlePageFault(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	forEachBackend(t, func(t *testing.T, m *Manager) {
		buf.Reset()

		reserved, err := m.MapMemory(pidA, 0, 0, 2*mm.PageSize, mm.FlagR|mm.FlagReserve)
		if err != nil {
			t.Fatal(err)
		}

		if err = m.HandlePageFault(pidA, reserved+0x10, false); err != nil {
			t.Fatalf("expected fault on a reserved page to be resolved; got %v", err)
		}
		if _, err = m.VirtToPhys(pidA, reserved); err != nil {
			t.Fatalf("expected page to be committed; got %v", err)
		}
		if _, err = m.VirtToPhys(pidA, reserved+mm.PageSize); err != vmm.ErrPageReserved {
			t.Fatalf("expected second page to remain reserved; got %v", err)
		}

		// a write fault on a read-only reserved page commits the frame but
		// still cannot be satisfied
		if err = m.HandlePageFault(pidA, reserved+mm.PageSize, true); err != vmm.ErrAccessDenied {
			t.Fatalf("expected ErrAccessDenied; got %v", err)
		}

		specs := []struct {
			pid     mm.PID
			addr    uintptr
			write   bool
			wantErr *kernel.Error
		}{
			{pidA, reserved, true, vmm.ErrAccessDenied},
			{pidA, mm.DefaultLoadBase, false, vmm.ErrBadAddress},
			{42, reserved, false, ErrProcessNotFound},
		}

		for specIndex, spec := range specs {
			if err = m.HandlePageFault(spec.pid, spec.addr, spec.write); err != spec.wantErr {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.wantErr, err)
			}
		}

		if exp := "unrecoverable page fault"; !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected log output to contain %q; got %q", exp, buf.String())
		}
	})
}

func TestCopyAcrossPages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m *Manager) {
		virtAddr := mapPages(t, m, pidA, 3)

		data := make([]byte, 2*mm.PageSize+16)
		for i := range data {
			data[i] = byte(i % 251)
		}
		if err := m.CopyToUser(pidA, virtAddr+8, data); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, len(data))
		if err := m.CopyFromUser(pidA, virtAddr+8, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("expected data read back to match the data written")
		}

		// reading past the mapped range stops at the first unmapped page
		if err := m.CopyFromUser(pidA, virtAddr+2*mm.PageSize, make([]byte, mm.PageSize+1)); err != vmm.ErrBadAddress {
			t.Fatalf("expected ErrBadAddress; got %v", err)
		}
		if err := m.CopyToUser(pidA, mm.UserAreaEnd, []byte{1}); err != vmm.ErrBadAddress {
			t.Fatalf("expected ErrBadAddress; got %v", err)
		}
		if err := m.CopyToUser(42, virtAddr, []byte{1}); err != ErrProcessNotFound {
			t.Fatalf("expected ErrProcessNotFound; got %v", err)
		}
	})
}
