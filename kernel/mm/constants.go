package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)

// Fixed layout of a user address space.
const (
	// DefaultHeapBase is where anonymous allocations start when the
	// caller does not supply an address hint.
	DefaultHeapBase = uintptr(0x2000_0000)

	// DefaultMessageBase is where pages lent or moved to a process land
	// when the lender does not pick a destination address.
	DefaultMessageBase = uintptr(0x4000_0000)

	// DefaultLoadBase is the default load address of program images.
	DefaultLoadBase = uintptr(0x6000_0000)

	// UserAreaEnd is the first address above the user portion of every
	// address space.
	UserAreaEnd = uintptr(0xff00_0000)
)

// PageAligned returns true if addr is a multiple of PageSize.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// RoundUp rounds size up to the next multiple of PageSize.
func RoundUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}
