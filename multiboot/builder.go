package multiboot

import "encoding/binary"

// InfoBuilder assembles a boot information block. Bootloader shims and the
// mkmemmap tool use it to hand a memory map to the kernel.
type InfoBuilder struct {
	tags []byte
}

// AddMemoryMap appends a memory map tag describing entries.
func (b *InfoBuilder) AddMemoryMap(entries []MemoryMapEntry) *InfoBuilder {
	payload := make([]byte, mmapHeaderSize+len(entries)*mmapEntrySize)
	binary.LittleEndian.PutUint32(payload, mmapEntrySize)
	for i, entry := range entries {
		cur := payload[mmapHeaderSize+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(cur, entry.PhysAddress)
		binary.LittleEndian.PutUint64(cur[8:], entry.Length)
		binary.LittleEndian.PutUint32(cur[16:], uint32(entry.Type))
	}
	return b.addTag(tagMemoryMap, payload)
}

// AddCmdLine appends a boot command line tag.
func (b *InfoBuilder) AddCmdLine(cmdLine string) *InfoBuilder {
	return b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// Bytes returns the encoded block, terminated by an end tag.
func (b *InfoBuilder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)
	out = append(out, make([]byte, tagHeaderSize)...)
	binary.LittleEndian.PutUint32(out[len(out)-4:], tagHeaderSize)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func (b *InfoBuilder) addTag(tag tagType, payload []byte) *InfoBuilder {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}
