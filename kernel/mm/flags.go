package mm

// MemoryFlags describes the access a mapping grants. They are the
// architecture-neutral flags used by the syscall surface; each page table
// backend translates them into its own entry format.
type MemoryFlags uint32

const (
	// FlagR allows reads.
	FlagR MemoryFlags = 1 << iota

	// FlagW allows writes.
	FlagW

	// FlagX allows instruction fetches.
	FlagX

	// FlagNoCache disables caching, used for device ranges.
	FlagNoCache

	// FlagUser makes the page accessible from user mode.
	FlagUser

	// FlagReserve asks MapMemory to reserve the range and commit frames
	// lazily on first touch.
	FlagReserve
)

// AccessMask covers the flags a process may request for its own mappings.
const AccessMask = FlagR | FlagW | FlagX | FlagNoCache

// Has returns true if all of the supplied flags are set.
func (f MemoryFlags) Has(flags MemoryFlags) bool {
	return f&flags == flags
}

// String renders the flags in "rwxcu" form with '-' for cleared flags.
func (f MemoryFlags) String() string {
	var (
		out   [5]byte
		chars = "rwxcu"
	)
	for i := range out {
		if f&(1<<uint(i)) != 0 {
			out[i] = chars[i]
		} else {
			out[i] = '-'
		}
	}
	return string(out[:])
}
