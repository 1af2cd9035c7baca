package pagetable

const (
	// pageLevels is the number of translation table levels.
	pageLevels = 4

	// entriesPerTable is the number of entries in each table. A table
	// fills exactly one frame.
	entriesPerTable = 512

	// ptePhysPageMask extracts the physical frame address from an entry.
	// Bits 12-51 hold the address.
	ptePhysPageMask = uint64(0x000ffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which
	// amounts to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the entry translates to a frame.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when the entry maps a 2M or 1G page instead of
	// pointing to the next table level.
	FlagHugePage

	// FlagGlobal prevents the TLB from dropping the translation when the
	// root register is reloaded.
	FlagGlobal

	// The next three bits are ignored by the MMU and are used to keep
	// track of entries that are not present.

	// flagReserved marks a page reserved for lazy allocation.
	flagReserved

	// flagLent marks a page whose frame is lent out mutably.
	flagLent

	// flagReadable records the read permission, which the hardware format
	// folds into FlagPresent.
	flagReadable

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
