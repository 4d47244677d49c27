package pmm

import (
	"bytes"
	"runtime"
	"testing"
	"unsafe"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/mm/freelist"
	"github.com/Kaperstone/hermitgo/kernel/mm/pool"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
	"github.com/Kaperstone/hermitgo/kernel/multiboot/multiboottest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = mm.PageSize

// setup installs a recording panic handler, captures kfmt output and
// restores all global state when the test completes.
func setup(t *testing.T) (*pool.Pool, *bytes.Buffer, *[]*kernel.Error) {
	t.Helper()

	var (
		buf    bytes.Buffer
		panics []*kernel.Error
	)

	panicFn = func(e interface{}) {
		err, _ := e.(*kernel.Error)
		panics = append(panics, err)
	}
	kfmt.SetOutputSink(&buf)

	t.Cleanup(func() {
		panicFn = kfmt.Panic
		kfmt.SetOutputSink(nil)
		mm.SetFrameAllocator(nil)
		mm.SetKernelBounds(0, 0)
		multiboot.SetInfoPtr(0)
	})

	nodes := new(pool.Pool)
	nodes.Init()
	return nodes, &buf, &panics
}

func freeRegions() []freelist.Region {
	var out []freelist.Region
	VisitFreeRegions(func(r freelist.Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

func entry(phys, length uint64, typ multiboot.MemoryEntryType) multiboot.MemoryMapEntry {
	return multiboot.MemoryMapEntry{PhysAddress: phys, Length: length, Type: typ}
}

func TestInitFromMultiboot(t *testing.T) {
	nodes, buf, _ := setup(t)

	info := multiboottest.NewBuilder().MemoryMap(
		entry(0, 0x9fc00, multiboot.MemAvailable),
		entry(0x9fc00, 0x400, multiboot.MemReserved),
		entry(0x100000, 0x7f00000, multiboot.MemAvailable),
		entry(0x8000000, 0x100000, multiboot.MemReserved),
		entry(0x8100800, 0xffc00, multiboot.MemAvailable),
		entry(0x8300000, 0x800, multiboot.MemAvailable),
	).Build()
	defer runtime.KeepAlive(info)

	err := Init(0x100000, 0x2ff800, BootInfo{MultibootInfo: info.Ptr()}, nodes)
	require.Nil(t, err)

	exp := []freelist.Region{
		{Start: 0x300000, End: 0x8000000},
		{Start: 0x8101000, End: 0x8200000},
	}
	assert.Equal(t, exp, freeRegions())
	assert.Equal(t, uintptr(0x7d00000+0xff000), FreeBytes())
	assert.Equal(t, uintptr(0x2ff800), mm.KernelEndAddress())
	assert.Contains(t, buf.String(), "using the multiboot memory map")

	frame, err := mm.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.FrameFromAddress(0x300000), frame, "expected pmm to be registered as the frame allocator")
}

func TestInitFromLimit(t *testing.T) {
	nodes, buf, _ := setup(t)

	require.Nil(t, Init(0x100000, 0x200800, BootInfo{Limit: 0x1000800}, nodes))
	assert.Equal(t, []freelist.Region{{Start: 0x201000, End: 0x1000000}}, freeRegions())
	assert.Contains(t, buf.String(), "using the memory limit")
}

func TestInitPrefersMultiboot(t *testing.T) {
	nodes, _, _ := setup(t)

	info := multiboottest.NewBuilder().MemoryMap(
		entry(0x100000, 0x100000, multiboot.MemAvailable),
	).Build()
	defer runtime.KeepAlive(info)

	require.Nil(t, Init(0x100000, 0x110000, BootInfo{MultibootInfo: info.Ptr(), Limit: 0x8000000}, nodes))
	assert.Equal(t, []freelist.Region{{Start: 0x110000, End: 0x200000}}, freeRegions())
}

func TestInitErrors(t *testing.T) {
	noMemoryMap := multiboottest.NewBuilder().CmdLine("console=serial").Build()
	onlyReserved := multiboottest.NewBuilder().MemoryMap(
		entry(0, 0x9fc00, multiboot.MemAvailable),
		entry(0x100000, 0x7f00000, multiboot.MemReserved),
		entry(0x8000000, 0x800, multiboot.MemAvailable),
	).Build()
	defer runtime.KeepAlive(noMemoryMap)
	defer runtime.KeepAlive(onlyReserved)

	specs := []struct {
		info   BootInfo
		expErr *kernel.Error
	}{
		{BootInfo{}, errNoPhysicalMemory},
		{BootInfo{MultibootInfo: noMemoryMap.Ptr()}, errMissingMemoryMap},
		{BootInfo{MultibootInfo: onlyReserved.Ptr()}, errNoUsableMemory},
		// a present but empty memory map does not fall back to the limit
		{BootInfo{MultibootInfo: onlyReserved.Ptr(), Limit: 0x8000000}, errNoUsableMemory},
		{BootInfo{Limit: 0x100000}, errNoUsableMemory},
	}

	for specIndex, spec := range specs {
		nodes, _, _ := setup(t)
		if err := Init(0x100000, 0x200000, spec.info, nodes); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestConcreteScenario(t *testing.T) {
	nodes, _, panics := setup(t)
	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))

	addr := Allocate(0x2000)
	assert.Equal(t, uintptr(0x10000), addr)
	assert.Equal(t, []freelist.Region{{Start: 0x12000, End: 0x100000}}, freeRegions())

	Deallocate(0x10000, 0x2000)
	assert.Equal(t, []freelist.Region{{Start: 0x10000, End: 0x100000}}, freeRegions())
	assert.Empty(t, *panics)
}

func TestPreconditions(t *testing.T) {
	specs := []struct {
		name   string
		call   func()
		expErr *kernel.Error
		expMsg string
	}{
		{"allocate zero", func() { Allocate(0) }, errInvalidSize, "allocation size 0x0"},
		{"allocate unaligned", func() { Allocate(0x1001) }, errInvalidSize, "allocation size 0x1001"},
		{"aligned zero alignment", func() { AllocateAligned(0x2000, 0) }, errInvalidAlignment, "alignment 0x0"},
		{"aligned sub-page alignment", func() { AllocateAligned(0x2000, 0x800) }, errInvalidAlignment, "alignment 0x800"},
		{"aligned non page multiple alignment", func() { AllocateAligned(0x3000, 0x1800) }, errInvalidAlignment, "alignment 0x1800"},
		{"aligned size not multiple", func() { AllocateAligned(0x3000, 0x2000) }, errSizeNotAligned, "size 0x3000"},
		{"aligned zero size", func() { AllocateAligned(0, 0x2000) }, errSizeNotAligned, "size 0x0"},
		{"deallocate below kernel end", func() { Deallocate(0x1000, 0x1000) }, errAddrBelowKernel, "below the kernel end address 0x10000"},
		{"deallocate unaligned address", func() { Deallocate(0x20800, 0x1000) }, errAddrNotAligned, "0x20800"},
		{"deallocate zero size", func() { Deallocate(0x20000, 0) }, errInvalidSize, "deallocation size 0x0"},
		{"deallocate unaligned size", func() { Deallocate(0x20000, 0x10) }, errInvalidSize, "deallocation size 0x10"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			nodes, buf, panics := setup(t)
			require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))
			before := FreeBytes()
			buf.Reset()

			spec.call()

			require.Len(t, *panics, 1)
			assert.Equal(t, spec.expErr, (*panics)[0])
			assert.Contains(t, buf.String(), spec.expMsg)
			assert.Equal(t, before, FreeBytes())
		})
	}
}

func TestExhaustion(t *testing.T) {
	nodes, buf, panics := setup(t)
	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))
	total := FreeBytes()

	var allocated uintptr
	for len(*panics) == 0 {
		addr := Allocate(0x7000)
		if len(*panics) != 0 {
			break
		}
		assert.True(t, addr >= 0x10000 && addr+0x7000 <= 0x100000, "address 0x%x out of range", addr)
		allocated += 0x7000
	}

	require.Len(t, *panics, 1)
	assert.Equal(t, "freelist", (*panics)[0].Module)
	assert.Equal(t, "out of memory", (*panics)[0].Message)
	assert.Contains(t, buf.String(), "could not allocate 0x7000 bytes")
	assert.Equal(t, total-allocated, FreeBytes())

	*panics = nil
	AllocateAligned(0x100000, 0x100000)
	require.Len(t, *panics, 1)
	assert.Contains(t, buf.String(), "aligned to 0x100000")
}

func TestDoubleFreeIsFatal(t *testing.T) {
	nodes, _, panics := setup(t)
	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))

	Deallocate(0x20000, 0x1000)
	require.Len(t, *panics, 1)
	assert.Equal(t, "freelist", (*panics)[0].Module)
}

func TestAllocateAlignedMaintainsPool(t *testing.T) {
	nodes, _, panics := setup(t)

	// Back the simulated physical memory with a host buffer so the pool can
	// store nodes in the page it allocates.
	const pages = 64
	ram := make([]byte, (pages+1)*int(page))
	base := mm.PageAlignUp(uintptr(unsafe.Pointer(&ram[0])))
	defer runtime.KeepAlive(ram)

	require.Nil(t, Init(base, base, BootInfo{Limit: base + pages*page}, nodes))
	for nodes.Free() >= pool.LowWatermark {
		_, err := nodes.Get()
		require.Nil(t, err)
	}

	addr := AllocateAligned(4*page, 4*page)
	require.Empty(t, *panics)
	assert.Zero(t, addr%(4*page))
	assert.True(t, addr >= base && addr+4*page <= base+pages*page)
	assert.Equal(t, 2*pool.NodesPerChunk, nodes.Capacity(), "expected the pool to grow by one chunk")
	assert.Equal(t, uintptr(pages-5)*page, FreeBytes())
}

func TestPrintInformation(t *testing.T) {
	nodes, buf, _ := setup(t)
	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))
	buf.Reset()

	PrintInformation()
	assert.Contains(t, buf.String(), " PHYSICAL MEMORY FREE LIST ")
	assert.Contains(t, buf.String(), "0x0000000000010000 - 0x0000000000100000 (960 KiB)")
}

func TestSourceString(t *testing.T) {
	specs := []struct {
		input Source
		exp   string
	}{
		{SourceMultiboot, "multiboot memory map"},
		{SourceLimit, "memory limit"},
		{SourceNone, "none"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestSetFitPolicy(t *testing.T) {
	nodes, _, _ := setup(t)
	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))
	assert.Equal(t, freelist.FirstFit, FitPolicy())

	SetFitPolicy(freelist.BestFit)
	assert.Equal(t, freelist.BestFit, FitPolicy())

	require.Nil(t, Init(0x8000, 0x10000, BootInfo{Limit: 0x100000}, nodes))
	assert.Equal(t, freelist.FirstFit, FitPolicy())
}
