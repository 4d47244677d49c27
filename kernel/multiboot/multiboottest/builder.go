// Package multiboottest assembles multiboot2 boot information blocks for
// tests and for hosted simulations of the boot process.
package multiboottest

import (
	"encoding/binary"
	"unsafe"

	"github.com/Kaperstone/hermitgo/kernel/multiboot"
)

const (
	tagEnd       = 0
	tagCmdLine   = 1
	tagMemoryMap = 6

	memoryMapEntrySize = 24
)

// Builder accumulates tags for a boot information block.
type Builder struct {
	tags []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// MemoryMap appends a memory map tag with the given entries.
func (b *Builder) MemoryMap(entries ...multiboot.MemoryMapEntry) *Builder {
	payload := make([]byte, 0, 8+len(entries)*memoryMapEntrySize)
	payload = binary.LittleEndian.AppendUint32(payload, memoryMapEntrySize)
	payload = binary.LittleEndian.AppendUint32(payload, 0)
	for _, entry := range entries {
		payload = binary.LittleEndian.AppendUint64(payload, entry.PhysAddress)
		payload = binary.LittleEndian.AppendUint64(payload, entry.Length)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(entry.Type))
		payload = binary.LittleEndian.AppendUint32(payload, 0)
	}
	return b.tag(tagMemoryMap, payload)
}

// CmdLine appends a NULL-terminated boot command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	payload := append([]byte(cmdLine), 0)
	return b.tag(tagCmdLine, payload)
}

// Bytes returns the encoded boot information block including the fixed
// header and the terminating tag.
func (b *Builder) Bytes() []byte {
	end := binary.LittleEndian.AppendUint32(nil, tagEnd)
	end = binary.LittleEndian.AppendUint32(end, 8)

	totalSize := 8 + len(b.tags) + len(end)
	out := make([]byte, 0, totalSize)
	out = binary.LittleEndian.AppendUint32(out, uint32(totalSize))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, b.tags...)
	return append(out, end...)
}

// Build places the encoded block in 8-byte aligned storage.
func (b *Builder) Build() *Info {
	data := b.Bytes()
	words := make([]uint64, (len(data)+7)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8), data)
	return &Info{words: words}
}

func (b *Builder) tag(tagType uint32, payload []byte) *Builder {
	b.tags = binary.LittleEndian.AppendUint32(b.tags, tagType)
	b.tags = binary.LittleEndian.AppendUint32(b.tags, uint32(8+len(payload)))
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}

// Info is an encoded boot information block held in memory. The block stays
// valid for as long as the Info value is reachable.
type Info struct {
	words []uint64
}

// Ptr returns the address of the block, suitable for multiboot.SetInfoPtr
// while physical addresses are identity mapped.
func (i *Info) Ptr() uintptr {
	return uintptr(unsafe.Pointer(&i.words[0]))
}
