// Package multiboot decodes the boot information block handed to the kernel
// by the bootloader. The block uses the multiboot2 layout: an 8-byte header
// followed by 8-byte aligned tags. The memory manager consumes the memory
// map tag; the command line tag selects boot options.
package multiboot

import (
	"encoding/binary"
	"strings"

	"lendos/kernel"
)

var (
	infoData  []byte
	cmdLineKV map[string]string

	errInfoTruncated = &kernel.Error{Module: "multiboot", Message: "boot information block is truncated"}
	errBadTag        = &kernel.Error{Module: "multiboot", Message: "boot information tag exceeds block size"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize covers the totalSize and reserved dwords.
	infoHeaderSize = 8

	// tagHeaderSize covers the tag type and size dwords.
	tagHeaderSize = 8

	// mmapHeaderSize covers the entry size and entry version dwords.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfo installs the boot information block and validates its tag chain.
// It must be invoked before any other function exported by this package.
func SetInfo(data []byte) *kernel.Error {
	if len(data) < infoHeaderSize+tagHeaderSize {
		return errInfoTruncated
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize > len(data) || totalSize < infoHeaderSize+tagHeaderSize {
		return errInfoTruncated
	}

	data = data[:totalSize]
	for offset := infoHeaderSize; ; {
		if offset+tagHeaderSize > len(data) {
			return errInfoTruncated
		}

		tag := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))
		if size < tagHeaderSize || offset+size > len(data) {
			return errBadTag
		}

		if tag == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	infoData = data
	cmdLineKV = nil
	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload := findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur := payload[mmapHeaderSize:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value map to themselves.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	// The command line is a C-style NULL-terminated string
	cmdLine := string(findTagByType(tagBootCmdLine))
	if idx := strings.IndexByte(cmdLine, 0); idx != -1 {
		cmdLine = cmdLine[:idx]
	}

	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// findTagByType scans the info block for a tag of the requested type and
// returns its payload (excluding the tag header) or nil if the tag is not
// present.
func findTagByType(want tagType) []byte {
	if infoData == nil {
		return nil
	}

	for offset := infoHeaderSize; offset+tagHeaderSize <= len(infoData); {
		tag := tagType(binary.LittleEndian.Uint32(infoData[offset:]))
		size := int(binary.LittleEndian.Uint32(infoData[offset+4:]))
		switch tag {
		case tagMbSectionEnd:
			return nil
		case want:
			return infoData[offset+tagHeaderSize : offset+size]
		}

		offset += (size + 7) &^ 7
	}

	return nil
}
