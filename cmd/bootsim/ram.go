package main

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
)

const (
	// Layout of the simulated machine. The boot information lives in
	// conventional memory below the kernel and the VGA framebuffer sits in
	// the legacy hole, so neither is ever handed out by the allocator.
	bootInfoAddr     uintptr = 0x9000
	conventionalEnd  uintptr = 0x9fc00
	extendedStart    uintptr = 0x100000
	acpiTablesLength uintptr = 0x10000
	framebufferAddr  uintptr = 0xb8000

	minRAM = 4 * extendedStart
)

// simulatedRAM is an anonymous mapping that stands in for physical memory.
// Physical address 0 is the first byte of the mapping.
type simulatedRAM struct {
	mem []byte
}

// mapRAM maps size bytes of zeroed memory.
func mapRAM(size uintptr) (*simulatedRAM, error) {
	if size < minRAM || !mm.IsPageMultiple(size) {
		return nil, errors.Newf("RAM size 0x%x must be a multiple of 0x%x and at least 0x%x", size, mm.PageSize, minRAM)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping 0x%x bytes of simulated RAM", size)
	}

	return &simulatedRAM{mem: mem}, nil
}

// Size returns the amount of simulated physical memory.
func (r *simulatedRAM) Size() uintptr {
	return uintptr(len(r.mem))
}

// PhysToVirt translates a simulated physical address into a host address.
func (r *simulatedRAM) PhysToVirt(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0])) + physAddr
}

// CopyIn writes data at the physical address physAddr.
func (r *simulatedRAM) CopyIn(physAddr uintptr, data []byte) error {
	if physAddr+uintptr(len(data)) > r.Size() {
		return errors.Newf("0x%x bytes at 0x%x do not fit in simulated RAM", len(data), physAddr)
	}
	copy(r.mem[physAddr:], data)
	return nil
}

// MemoryMap returns the memory map a PC-compatible firmware would report
// for this machine.
func (r *simulatedRAM) MemoryMap() []multiboot.MemoryMapEntry {
	acpiStart := r.Size() - acpiTablesLength
	return []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(conventionalEnd), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(conventionalEnd), Length: uint64(extendedStart - conventionalEnd), Type: multiboot.MemReserved},
		{PhysAddress: uint64(extendedStart), Length: uint64(acpiStart - extendedStart), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(acpiStart), Length: uint64(acpiTablesLength), Type: multiboot.MemAcpiReclaimable},
	}
}

// Unmap releases the mapping. The simulated memory must not be accessed
// afterwards.
func (r *simulatedRAM) Unmap() error {
	return errors.Wrap(unix.Munmap(r.mem), "unmapping simulated RAM")
}
