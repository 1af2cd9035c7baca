package cpu

// tlbKey identifies a cached translation.
type tlbKey struct {
	asid uint16
	page uintptr
}

// tlbEntry is a cached translation: the physical page address and the
// access bits that were valid when the entry was filled.
type tlbEntry struct {
	physPage uintptr
	writable bool
}

// tlb caches recent translations tagged by ASID.
var tlb = map[tlbKey]tlbEntry{}

// FillTLB caches a translation for the page containing virtAddr.
func FillTLB(asid uint16, virtAddr, physAddr uintptr, writable bool) {
	tlb[tlbKey{asid, virtAddr &^ pageMask}] = tlbEntry{physPage: physAddr &^ pageMask, writable: writable}
}

// LookupTLB returns the cached physical address for virtAddr if the TLB
// holds a translation for it under the given ASID.
func LookupTLB(asid uint16, virtAddr uintptr) (physAddr uintptr, writable, ok bool) {
	entry, ok := tlb[tlbKey{asid, virtAddr &^ pageMask}]
	if !ok {
		return 0, false, false
	}
	return entry.physPage | (virtAddr & pageMask), entry.writable, true
}

// FlushTLBEntry flushes the TLB entry for a particular virtual address and
// ASID.
func FlushTLBEntry(asid uint16, virtAddr uintptr) {
	delete(tlb, tlbKey{asid, virtAddr &^ pageMask})
}

// FlushASID drops every cached translation tagged with asid.
func FlushASID(asid uint16) {
	for key := range tlb {
		if key.asid == asid {
			delete(tlb, key)
		}
	}
}

// FlushTLB drops all cached translations.
func FlushTLB() {
	tlb = map[tlbKey]tlbEntry{}
}

// pageMask covers the offset bits of a 4K page.
const pageMask = uintptr(1<<12) - 1
