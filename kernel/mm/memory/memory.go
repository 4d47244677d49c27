// Package memory is the entry point to the kernel's memory management. It
// owns the node pool used by the physical memory manager and sequences pool
// maintenance around physical memory operations.
package memory

import (
	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/mm/freelist"
	"github.com/Kaperstone/hermitgo/kernel/mm/pmm"
	"github.com/Kaperstone/hermitgo/kernel/mm/pool"
)

var (
	// nodes backs the physical free list. Its bootstrap chunk lives in the
	// kernel image so discovery can run before any allocator exists.
	nodes pool.Pool
)

// Init resets the node pool and initializes the physical memory manager.
func Init(kernelStart, kernelEnd uintptr, info pmm.BootInfo) *kernel.Error {
	nodes.Init()
	return pmm.Init(kernelStart, kernelEnd, info, &nodes)
}

// Allocate reserves size bytes of physical memory. See pmm.Allocate.
func Allocate(size uintptr) uintptr {
	return pmm.Allocate(size)
}

// AllocateAligned reserves size bytes of physical memory aligned to
// alignment. See pmm.AllocateAligned.
func AllocateAligned(size, alignment uintptr) uintptr {
	return pmm.AllocateAligned(size, alignment)
}

// Deallocate releases [physAddr, physAddr+size). The node pool is refilled
// before the free list is locked so that merging the range back never finds
// the pool empty.
func Deallocate(physAddr, size uintptr) {
	nodes.Maintain()
	pmm.Deallocate(physAddr, size)
}

// FreeBytes returns the number of free bytes of physical memory.
func FreeBytes() uintptr {
	return pmm.FreeBytes()
}

// PrintInformation prints the physical memory free list.
func PrintInformation() {
	pmm.PrintInformation()
}

// SetFitPolicy selects the policy used by Allocate. See pmm.SetFitPolicy.
func SetFitPolicy(policy freelist.FitPolicy) {
	pmm.SetFitPolicy(policy)
}

// ReserveNodes keeps enough free list nodes in reserve for cores concurrent
// allocator calls and refills the pool to that level.
func ReserveNodes(cores int) {
	nodes.Reserve(cores)
	nodes.Maintain()
}

// NodePoolFrames returns the number of page frames the node pool has taken
// from physical memory. The pool never returns them.
func NodePoolFrames() int {
	chunks := nodes.Capacity() / pool.NodesPerChunk
	if chunks == 0 {
		return 0
	}
	return chunks - 1
}
