package pagetable

import (
	"lendos/kernel"
	"lendos/kernel/mm"
)

// pageTable is the in-memory layout of a translation table.
type pageTable [entriesPerTable]pageTableEntry

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// table returns the translation table stored in frame.
func (b *Backend) table(frame mm.Frame) (*pageTable, *kernel.Error) {
	ptr, err := b.arena.Pointer(frame)
	if err != nil {
		return nil, err
	}
	return (*pageTable)(ptr), nil
}

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. If walkFn returns false then
// the walk is aborted. For every level but the last, walkFn must leave the
// entry pointing to the next table if it wants the walk to continue.
func (b *Backend) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	tableFrame := root
	for level := uint8(0); level < pageLevels; level++ {
		table, err := b.table(tableFrame)
		if err != nil {
			return err
		}

		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &table[entryIndex]

		if !walkFn(level, pte) {
			return nil
		}

		tableFrame = pte.Frame()
	}

	return nil
}

// tableVisitor is invoked by visitTables for each leaf entry in use.
type tableVisitor func(virtAddr uintptr, pte *pageTableEntry) bool

// visitTables walks the table tree rooted at tableFrame depth first in
// ascending address order. Leaf entries are passed to leafFn and tables
// are passed to tableFn once their contents have been visited. It returns
// false if leafFn stopped the walk.
func (b *Backend) visitTables(tableFrame mm.Frame, level uint8, baseAddr uintptr, leafFn tableVisitor, tableFn func(mm.Frame)) bool {
	table, err := b.table(tableFrame)
	if err != nil {
		return true
	}

	for index := range table {
		pte := &table[index]
		if *pte == 0 {
			continue
		}

		virtAddr := baseAddr | uintptr(index)<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if leafFn != nil && !leafFn(virtAddr, pte) {
				return false
			}
			continue
		}

		if pte.HasFlags(FlagHugePage) {
			continue
		}

		if !b.visitTables(pte.Frame(), level+1, virtAddr, leafFn, tableFn) {
			return false
		}
	}

	if tableFn != nil {
		tableFn(tableFrame)
	}
	return true
}
