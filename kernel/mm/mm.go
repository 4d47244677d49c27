// Package mm contains the memory management primitives shared by the
// physical memory allocator and its collaborators.
package mm

var (
	kernelStart, kernelEnd uintptr

	// physToVirtFn translates a physical address into an address the
	// running code can dereference. The kernel runs with physical memory
	// identity-mapped so the default is the identity function.
	physToVirtFn = func(physAddr uintptr) uintptr { return physAddr }
)

// SetKernelBounds records the physical address range occupied by the kernel
// image. The end address is exclusive.
func SetKernelBounds(start, end uintptr) {
	kernelStart, kernelEnd = start, end
}

// KernelStartAddress returns the physical address where the kernel image
// starts.
func KernelStartAddress() uintptr { return kernelStart }

// KernelEndAddress returns the first physical address past the kernel image.
func KernelEndAddress() uintptr { return kernelEnd }

// SetPhysToVirt installs the function used by PhysToVirt. Passing nil restores
// the identity mapping.
func SetPhysToVirt(fn func(uintptr) uintptr) {
	if fn == nil {
		fn = func(physAddr uintptr) uintptr { return physAddr }
	}
	physToVirtFn = fn
}

// PhysToVirt returns the address through which the physical address physAddr
// can be accessed.
func PhysToVirt(physAddr uintptr) uintptr {
	return physToVirtFn(physAddr)
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^(PageSize - 1)
}

// PageAlignDown rounds addr down to the page that contains it.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^(PageSize - 1)
}

// AlignUp rounds addr up to the next multiple of alignment. The alignment
// does not need to be a power of two.
func AlignUp(addr, alignment uintptr) uintptr {
	if rem := addr % alignment; rem != 0 {
		return addr + alignment - rem
	}
	return addr
}

// IsPageMultiple returns true if v is a multiple of PageSize.
func IsPageMultiple(v uintptr) bool {
	return v&(PageSize-1) == 0
}
