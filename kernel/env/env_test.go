package env

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
	"github.com/Kaperstone/hermitgo/kernel/multiboot/multiboottest"
	"github.com/stretchr/testify/assert"
)

func TestBootFlags(t *testing.T) {
	defer SetBootFlags(true, false)

	assert.True(t, IsSingleKernel())
	assert.False(t, IsHypervisor())

	SetBootFlags(false, true)
	assert.False(t, IsSingleKernel())
	assert.True(t, IsHypervisor())
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)
	defer multiboot.SetInfoPtr(0)

	specs := []struct {
		cmdLine    string
		expConsole ConsoleMode
		expMaxCPUs uint32
		expAlloc   AllocPolicy
		expOutput  string
	}{
		{"", ConsoleBoth, 0, AllocFirstFit, "console: both, pmm: firstfit"},
		{"console=serial", ConsoleSerial, 0, AllocFirstFit, "console: serial"},
		{"console=vga maxcpus=3", ConsoleVGA, 3, AllocFirstFit, "console: vga"},
		{"console=both maxcpus=0", ConsoleBoth, 0, AllocFirstFit, "ignoring invalid maxcpus 0"},
		{"console=lcd maxcpus=two", ConsoleBoth, 0, AllocFirstFit, "ignoring invalid console lcd"},
		{"quiet maxcpus=two", ConsoleBoth, 0, AllocFirstFit, "ignoring invalid maxcpus two"},
		{"pmm=bestfit", ConsoleBoth, 0, AllocBestFit, "pmm: bestfit"},
		{"pmm=firstfit", ConsoleBoth, 0, AllocFirstFit, "pmm: firstfit"},
		{"pmm=worstfit", ConsoleBoth, 0, AllocFirstFit, "ignoring invalid pmm policy worstfit"},
	}

	for specIndex, spec := range specs {
		info := multiboottest.NewBuilder().CmdLine(spec.cmdLine).Build()
		multiboot.SetInfoPtr(info.Ptr())
		buf.Reset()

		Init()
		runtime.KeepAlive(info)

		assert.Equal(t, spec.expConsole, Console(), "[spec %d]", specIndex)
		assert.Equal(t, spec.expMaxCPUs, MaxCPUs(), "[spec %d]", specIndex)
		assert.Equal(t, spec.expAlloc, Alloc(), "[spec %d]", specIndex)
		assert.Contains(t, buf.String(), spec.expOutput, "[spec %d]", specIndex)
	}
}

func TestInitWithoutBootInfo(t *testing.T) {
	multiboot.SetInfoPtr(0)
	Init()

	assert.Equal(t, ConsoleBoth, Console())
	assert.Zero(t, MaxCPUs())

	_, ok := CmdLineValue("console")
	assert.False(t, ok)
}

func TestSetBootFlagsResetsOptions(t *testing.T) {
	defer Reset()
	defer multiboot.SetInfoPtr(0)
	kfmt.SetOutputSink(&bytes.Buffer{})
	defer kfmt.SetOutputSink(nil)

	info := multiboottest.NewBuilder().CmdLine("console=vga maxcpus=2 pmm=bestfit").Build()
	multiboot.SetInfoPtr(info.Ptr())
	Init()
	runtime.KeepAlive(info)
	multiboot.SetInfoPtr(0)

	assert.Equal(t, ConsoleVGA, Console())
	assert.Equal(t, uint32(2), MaxCPUs())
	assert.Equal(t, AllocBestFit, Alloc())

	// A following boot starts from the defaults, not the previous options.
	SetBootFlags(false, true)
	assert.Equal(t, ConsoleBoth, Console())
	assert.Zero(t, MaxCPUs())
	assert.Equal(t, AllocFirstFit, Alloc())

	Reset()
	assert.True(t, IsSingleKernel())
	assert.False(t, IsHypervisor())
}

func TestAllocPolicyString(t *testing.T) {
	assert.Equal(t, "firstfit", AllocFirstFit.String())
	assert.Equal(t, "bestfit", AllocBestFit.String())
	assert.Equal(t, "unknown", AllocPolicy(7).String())
}

func TestConsoleModeString(t *testing.T) {
	assert.Equal(t, "serial", ConsoleSerial.String())
	assert.Equal(t, "vga", ConsoleVGA.String())
	assert.Equal(t, "both", ConsoleBoth.String())
	assert.Equal(t, "none", ConsoleMode(0).String())
}
