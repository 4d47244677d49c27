// Package pmm implements the physical memory manager. It discovers the free
// physical memory at boot and serves page-granular allocations from a
// freelist.FreeList. All exported functions are safe to call concurrently
// once Init has returned.
package pmm

import (
	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/mm/freelist"
	"github.com/Kaperstone/hermitgo/kernel/mm/pool"
)

// BootInfo carries the boot-time sources that describe physical memory. A
// zero field means the corresponding source is absent.
type BootInfo struct {
	// MultibootInfo is the physical address of the multiboot2 information
	// block.
	MultibootInfo uintptr

	// Limit is the physical address one past the end of usable RAM.
	Limit uintptr
}

var (
	// freeList tracks the free physical memory regions.
	freeList freelist.FreeList

	// nodes is the pool that freeList draws its nodes from.
	nodes *pool.Pool

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errInvalidSize      = &kernel.Error{Module: "pmm", Message: "size must be a non-zero multiple of the page size"}
	errInvalidAlignment = &kernel.Error{Module: "pmm", Message: "alignment must be a non-zero multiple of the page size"}
	errSizeNotAligned   = &kernel.Error{Module: "pmm", Message: "size is not a multiple of the requested alignment"}
	errAddrBelowKernel  = &kernel.Error{Module: "pmm", Message: "physical address is not above the kernel image"}
	errAddrNotAligned   = &kernel.Error{Module: "pmm", Message: "physical address is not page aligned"}
)

// Init records the kernel image bounds, discovers the free physical memory
// and registers Allocate as the system's frame allocator. The free list
// draws its nodes from the supplied pool.
func Init(kernelStart, kernelEnd uintptr, info BootInfo, nodePool *pool.Pool) *kernel.Error {
	mm.SetKernelBounds(kernelStart, kernelEnd)

	nodes = nodePool
	freeList.Init(nodePool)

	source, err := discover(info)
	if err != nil {
		return err
	}

	kfmt.Printf("[pmm] discovered %d KiB of free memory in %d region(s) using the %s\n",
		uint64(freeList.FreeBytes()>>10), freeList.Len(), source.String(),
	)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)

	mm.SetFrameAllocator(allocFrame)
	return nil
}

// Allocate reserves size bytes of physical memory and returns their start
// address. The size must be a non-zero multiple of mm.PageSize. Running out
// of physical memory is fatal.
func Allocate(size uintptr) uintptr {
	if size == 0 || !mm.IsPageMultiple(size) {
		kfmt.Printf("[pmm] allocation size 0x%x is not a non-zero multiple of 0x%x\n", size, mm.PageSize)
		panicFn(errInvalidSize)
		return 0
	}

	addr, err := freeList.Allocate(size)
	if err != nil {
		kfmt.Printf("[pmm] could not allocate 0x%x bytes of physical memory\n", size)
		panicFn(err)
		return 0
	}

	return addr
}

// AllocateAligned reserves size bytes of physical memory starting at an
// address that is a multiple of alignment. The alignment must be a non-zero
// multiple of mm.PageSize and size must be a non-zero multiple of the
// alignment. The node pool is refilled before the free list is scanned since
// carving an aligned range may need a new list node.
func AllocateAligned(size, alignment uintptr) uintptr {
	switch {
	case alignment == 0 || !mm.IsPageMultiple(alignment):
		kfmt.Printf("[pmm] alignment 0x%x is not a non-zero multiple of 0x%x\n", alignment, mm.PageSize)
		panicFn(errInvalidAlignment)
		return 0
	case size == 0 || size%alignment != 0:
		kfmt.Printf("[pmm] size 0x%x is not a non-zero multiple of the alignment 0x%x\n", size, alignment)
		panicFn(errSizeNotAligned)
		return 0
	}

	nodes.Maintain()

	addr, err := freeList.AllocateAligned(size, alignment)
	if err != nil {
		kfmt.Printf("[pmm] could not allocate 0x%x bytes of physical memory aligned to 0x%x\n", size, alignment)
		panicFn(err)
		return 0
	}

	return addr
}

// Deallocate returns [physAddr, physAddr+size) to the free list.
//
// Deallocate must only be called through memory.Deallocate, which refills
// the node pool first. Called directly it may find the pool empty while the
// free list lock is held.
func Deallocate(physAddr, size uintptr) {
	switch {
	case physAddr < mm.KernelEndAddress():
		kfmt.Printf("[pmm] physical address 0x%x is below the kernel end address 0x%x\n", physAddr, mm.KernelEndAddress())
		panicFn(errAddrBelowKernel)
		return
	case !mm.IsPageMultiple(physAddr):
		kfmt.Printf("[pmm] physical address 0x%x is not a multiple of 0x%x\n", physAddr, mm.PageSize)
		panicFn(errAddrNotAligned)
		return
	case size == 0 || !mm.IsPageMultiple(size):
		kfmt.Printf("[pmm] deallocation size 0x%x is not a non-zero multiple of 0x%x\n", size, mm.PageSize)
		panicFn(errInvalidSize)
		return
	}

	if err := freeList.Deallocate(physAddr, size); err != nil {
		kfmt.Printf("[pmm] could not release [0x%x - 0x%x]\n", physAddr, physAddr+size)
		panicFn(err)
	}
}

// SetFitPolicy selects how Allocate picks the free region it serves an
// allocation from. Init restores freelist.FirstFit.
func SetFitPolicy(policy freelist.FitPolicy) {
	freeList.SetFitPolicy(policy)
}

// FitPolicy returns the policy used by Allocate.
func FitPolicy() freelist.FitPolicy {
	return freeList.Policy()
}

// FreeBytes returns the number of free bytes of physical memory.
func FreeBytes() uintptr {
	return freeList.FreeBytes()
}

// VisitFreeRegions invokes visitor for every free region in address order.
func VisitFreeRegions(visitor func(freelist.Region) bool) {
	freeList.Visit(visitor)
}

// PrintInformation prints the list of free physical memory regions.
func PrintInformation() {
	freeList.PrintInformation(kfmt.GetOutputSink(), " PHYSICAL MEMORY FREE LIST ")
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return mm.FrameFromAddress(Allocate(mm.PageSize)), nil
}
