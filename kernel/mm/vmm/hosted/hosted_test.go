package hosted

import (
	"testing"

	"lendos/kernel"
	"lendos/kernel/mm"
	"lendos/kernel/mm/vmm"
)

type countingFrames struct {
	next   mm.Frame
	owners map[mm.Frame]mm.PID
	fail   bool
}

func (f *countingFrames) AllocFrame(owner mm.PID) (mm.Frame, *kernel.Error) {
	if f.fail {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
	}
	f.next++
	f.owners[f.next] = owner
	return f.next, nil
}

func (f *countingFrames) FreeFrame(frame mm.Frame, owner mm.PID) *kernel.Error {
	if f.owners[frame] != owner {
		return &kernel.Error{Module: "test", Message: "bad free"}
	}
	delete(f.owners, frame)
	return nil
}

func setupSpace(t *testing.T) (*countingFrames, *vmm.AddressSpace) {
	frames := &countingFrames{next: 0x200, owners: make(map[mm.Frame]mm.PID)}
	space, err := vmm.NewAddressSpace(7, New(frames), vmm.NewASIDAllocator(4))
	if err != nil {
		t.Fatal(err)
	}
	return frames, space
}

func TestRootFrame(t *testing.T) {
	frames, space := setupSpace(t)
	if owner := frames.owners[space.Root()]; owner != space.PID() {
		t.Fatalf("expected root frame to be owned by pid %d; got %d", space.PID(), owner)
	}

	space.Destroy()
	if len(frames.owners) != 0 {
		t.Fatalf("expected root frame to be released; %d frames still owned", len(frames.owners))
	}

	if _, err := space.Backend().Lookup(space, 0); err != errNoState {
		t.Fatalf("expected errNoState after destroy; got %v", err)
	}

	frames.fail = true
	if _, err := vmm.NewAddressSpace(8, New(frames), vmm.NewASIDAllocator(4)); err == nil {
		t.Fatal("expected address space creation to fail")
	}
}

func TestNoIdentityMapping(t *testing.T) {
	_, space := setupSpace(t)

	for _, addr := range []uintptr{0, mm.PageSize, mm.DefaultHeapBase, 0x201000} {
		if _, err := space.Translate(addr); err != vmm.ErrBadAddress {
			t.Errorf("expected unmapped address 0x%x to fail translation; got %v", addr, err)
		}
		if !space.Available(addr) {
			t.Errorf("expected address 0x%x to be available", addr)
		}
	}
}

func TestMapSequence(t *testing.T) {
	_, space := setupSpace(t)
	page := mm.PageFromAddress(mm.DefaultHeapBase)

	if err := space.Map(page, 0x30, mm.FlagR|mm.FlagW); err != nil {
		t.Fatal(err)
	}
	if err := space.Map(page, 0x31, mm.FlagR); err != vmm.ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}
	if phys, err := space.Translate(page.Address() + 4); err != nil || phys != 0x30004 {
		t.Fatalf("expected 0x30004; got 0x%x (err %v)", phys, err)
	}

	if err := space.Update(page, vmm.EntryLent, mm.FlagR|mm.FlagW); err != nil {
		t.Fatal(err)
	}
	if err := space.Map(page, 0x30, mm.FlagR); err != vmm.ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped for lent entry; got %v", err)
	}
	if err := space.Update(page, vmm.EntryReserved, mm.FlagR); err != vmm.ErrBadEntryState {
		t.Fatalf("expected ErrBadEntryState; got %v", err)
	}

	entry, err := space.Unmap(page)
	if err != nil || entry.State != vmm.EntryLent || entry.Frame != 0x30 {
		t.Fatalf("expected lent entry for frame 0x30; got %+v (err %v)", entry, err)
	}

	if err = space.Reserve(page, mm.FlagR); err != nil {
		t.Fatal(err)
	}
	if err = space.Reserve(page, mm.FlagR); err != vmm.ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}
	if err = space.Map(page, 0x32, mm.FlagR); err != nil {
		t.Fatalf("expected reservation to be committed; got %v", err)
	}
}

func TestVisitToleratesRemoval(t *testing.T) {
	_, space := setupSpace(t)
	for i := 0; i < 4; i++ {
		_ = space.Map(mm.PageFromAddress(mm.DefaultHeapBase)+mm.Page(i), mm.Frame(0x40+i), mm.FlagR)
	}

	var frames []mm.Frame
	space.Visit(func(page mm.Page, entry vmm.Entry) bool {
		frames = append(frames, entry.Frame)
		// drop the next page while visiting
		_, _ = space.Unmap(page + 1)
		return true
	})

	exp := []mm.Frame{0x40, 0x42}
	if len(frames) != len(exp) {
		t.Fatalf("expected frames %v; got %v", exp, frames)
	}
	for i := range exp {
		if frames[i] != exp[i] {
			t.Errorf("expected frame %d; got %d", exp[i], frames[i])
		}
	}
}
