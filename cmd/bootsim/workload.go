package main

import (
	"math/rand"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/mm/memory"
)

const (
	maxBlockPages     = 8
	maxAlignmentShift = 4
)

// workloadStats summarizes the operations issued by one core.
type workloadStats struct {
	allocs        int
	alignedAllocs int
	frees         int
}

func (s *workloadStats) add(other workloadStats) {
	s.allocs += other.allocs
	s.alignedAllocs += other.alignedAllocs
	s.frees += other.frees
}

type block struct {
	addr, size uintptr
}

// runWorkload issues ops random allocation requests from each core in
// parallel. Every core keeps at most budget bytes allocated, stamps each page
// it owns and checks the stamps before releasing it. All memory is released
// before runWorkload returns.
func runWorkload(cores uint32, ops int, seed int64, budget uintptr) (workloadStats, error) {
	var (
		wg    sync.WaitGroup
		stats = make([]workloadStats, cores)
		errs  = make([]error, cores)
	)

	for core := uint32(0); core < cores; core++ {
		wg.Add(1)
		go func(core uint32) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if r != errKernelHalted {
						panic(r)
					}
					errs[core] = errors.Wrapf(errKernelHalted, "core %d", core)
				}
			}()
			stats[core], errs[core] = coreWorkload(core, ops, rand.New(rand.NewSource(seed+int64(core))), budget)
		}(core)
	}
	wg.Wait()

	var total workloadStats
	for core := range stats {
		total.add(stats[core])
	}

	var combined error
	for _, err := range errs {
		combined = errors.CombineErrors(combined, err)
	}
	return total, combined
}

func coreWorkload(core uint32, ops int, rng *rand.Rand, budget uintptr) (workloadStats, error) {
	var (
		stats workloadStats
		live  []block
		inUse uintptr
	)

	release := func(idx int) error {
		b := live[idx]
		for offset := uintptr(0); offset < b.size; offset += mm.PageSize {
			if got, exp := *stamp(b.addr + offset), stampValue(core, b.addr+offset); got != exp {
				return errors.Newf("core %d: page 0x%x holds stamp 0x%x; expected 0x%x", core, b.addr+offset, got, exp)
			}
		}

		memory.Deallocate(b.addr, b.size)
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
		inUse -= b.size
		stats.frees++
		return nil
	}

	for op := 0; op < ops; op++ {
		var alignment uintptr
		size := uintptr(rng.Intn(maxBlockPages)+1) * mm.PageSize
		if rng.Intn(2) == 0 {
			// Aligned requests must be a multiple of their alignment.
			alignment = mm.PageSize << uint(rng.Intn(maxAlignmentShift+1))
			size = mm.AlignUp(size, alignment)
		}

		if len(live) > 0 && (inUse+size > budget || rng.Intn(3) == 0) {
			if err := release(rng.Intn(len(live))); err != nil {
				return stats, err
			}
			continue
		}
		if inUse+size > budget {
			continue
		}

		b := block{size: size}
		if alignment == 0 {
			b.addr = memory.Allocate(size)
			stats.allocs++
		} else {
			b.addr = memory.AllocateAligned(size, alignment)
			if b.addr%alignment != 0 {
				return stats, errors.Newf("core %d: block at 0x%x is not aligned to 0x%x", core, b.addr, alignment)
			}
			stats.alignedAllocs++
		}

		for offset := uintptr(0); offset < b.size; offset += mm.PageSize {
			*stamp(b.addr + offset) = stampValue(core, b.addr+offset)
		}
		live = append(live, b)
		inUse += b.size
	}

	for len(live) > 0 {
		if err := release(len(live) - 1); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// stamp returns the first word of the physical page at addr.
func stamp(addr uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(mm.PhysToVirt(addr)))
}

func stampValue(core uint32, addr uintptr) uint64 {
	return uint64(core)<<56 | uint64(addr)
}
