package pmm

import (
	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/mm/freelist"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
)

// Source identifies where the physical memory layout was discovered.
type Source uint8

const (
	// SourceMultiboot uses the memory map supplied by a multiboot2 boot
	// loader.
	SourceMultiboot Source = iota

	// SourceLimit treats everything between the kernel end and a single
	// upper limit supplied by the boot protocol as free memory.
	SourceLimit

	// SourceNone is reported when no source could describe the memory.
	SourceNone
)

// String implements fmt.Stringer for Source.
func (s Source) String() string {
	switch s {
	case SourceMultiboot:
		return "multiboot memory map"
	case SourceLimit:
		return "memory limit"
	default:
		return "none"
	}
}

var (
	// Absent sources; discovery moves on to the next strategy.
	errNoMemoryMap = &kernel.Error{Module: "pmm", Message: "no multiboot information supplied"}
	errNoLimit     = &kernel.Error{Module: "pmm", Message: "no memory limit supplied"}

	errMissingMemoryMap = &kernel.Error{Module: "pmm", Message: "could not find a memory map in the multiboot information"}
	errNoUsableMemory   = &kernel.Error{Module: "pmm", Message: "could not find any available RAM above the kernel image"}
	errNoPhysicalMemory = &kernel.Error{Module: "pmm", Message: "no source describes the physical memory layout"}

	// strategies lists the discovery strategies in priority order.
	strategies = [...]struct {
		source Source
		detect func(BootInfo) *kernel.Error
	}{
		{SourceMultiboot, detectFromMultiboot},
		{SourceLimit, detectFromLimit},
	}
)

// discover populates the free list using the first strategy whose source is
// present. A present source that yields no usable memory is an error; it
// does not fall through to the next strategy.
func discover(info BootInfo) (Source, *kernel.Error) {
	for _, strategy := range strategies {
		switch err := strategy.detect(info); err {
		case nil:
			return strategy.source, nil
		case errNoMemoryMap, errNoLimit:
			continue
		default:
			return strategy.source, err
		}
	}

	return SourceNone, errNoPhysicalMemory
}

func detectFromMultiboot(info BootInfo) *kernel.Error {
	multiboot.SetInfoPtr(info.MultibootInfo)
	if info.MultibootInfo == 0 {
		return errNoMemoryMap
	}

	if !multiboot.HasMemoryMap() {
		return errMissingMemoryMap
	}

	var (
		err       *kernel.Error
		kernelEnd = mm.KernelEndAddress()
	)

	kfmt.Printf("[pmm] system memory map:\n")
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		start := uintptr(region.PhysAddress)
		end := uintptr(region.PhysAddress + region.Length)
		if region.Type != multiboot.MemAvailable || end <= kernelEnd {
			return true
		}

		// Regions that cover the kernel image start right after it
		if start < kernelEnd {
			start = kernelEnd
		}

		err = addRegion(start, end)
		return err == nil
	})

	switch {
	case err != nil:
		return err
	case freeList.Len() == 0:
		return errNoUsableMemory
	}

	return nil
}

func detectFromLimit(info BootInfo) *kernel.Error {
	if info.Limit == 0 {
		return errNoLimit
	}

	if err := addRegion(mm.KernelEndAddress(), info.Limit); err != nil {
		return err
	}

	if freeList.Len() == 0 {
		return errNoUsableMemory
	}
	return nil
}

// addRegion rounds [start, end) inwards to page boundaries and adds it to
// the free list. Ranges that are smaller than a page after rounding are
// ignored.
func addRegion(start, end uintptr) *kernel.Error {
	start, end = mm.PageAlignUp(start), mm.PageAlignDown(end)
	if start >= end {
		return nil
	}

	kfmt.Printf("[pmm] free region: [0x%10x - 0x%10x]\n", start, end)
	return freeList.Insert(freelist.Region{Start: start, End: end})
}
