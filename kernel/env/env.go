// Package env exposes the boot environment: the flags handed over by the boot
// loader and the options parsed from the kernel command line.
package env

import (
	"strconv"

	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
)

// ConsoleMode selects the devices that receive kernel messages in
// single-kernel mode.
type ConsoleMode uint8

const (
	// ConsoleSerial routes messages to the serial port.
	ConsoleSerial ConsoleMode = 1 << iota

	// ConsoleVGA routes messages to the VGA text console.
	ConsoleVGA

	// ConsoleBoth routes messages to both devices.
	ConsoleBoth = ConsoleSerial | ConsoleVGA
)

// String implements fmt.Stringer for ConsoleMode.
func (m ConsoleMode) String() string {
	switch m {
	case ConsoleSerial:
		return "serial"
	case ConsoleVGA:
		return "vga"
	case ConsoleBoth:
		return "both"
	default:
		return "none"
	}
}

// AllocPolicy selects how the physical memory manager picks the free region
// that serves an unaligned allocation.
type AllocPolicy uint8

const (
	// AllocFirstFit uses the lowest region that is large enough.
	AllocFirstFit AllocPolicy = iota

	// AllocBestFit uses the smallest region that is large enough.
	AllocBestFit
)

// String implements fmt.Stringer for AllocPolicy.
func (p AllocPolicy) String() string {
	switch p {
	case AllocFirstFit:
		return "firstfit"
	case AllocBestFit:
		return "bestfit"
	default:
		return "unknown"
	}
}

var (
	singleKernel = true
	hypervisor   bool

	console     = ConsoleBoth
	maxCPUs     uint32
	allocPolicy = AllocFirstFit
)

// SetBootFlags records the mode flags supplied by the boot loader and resets
// the command line options to their defaults until Init parses them. It is
// called by the kernel entry point before any other kernel code runs.
func SetBootFlags(isSingleKernel, isHypervisor bool) {
	singleKernel = isSingleKernel
	hypervisor = isHypervisor
	resetOptions()
}

// Reset restores the boot flags and the command line options to their
// defaults.
func Reset() {
	SetBootFlags(true, false)
}

func resetOptions() {
	console = ConsoleBoth
	maxCPUs = 0
	allocPolicy = AllocFirstFit
}

// IsSingleKernel returns true if this kernel instance owns the machine's
// output devices. Otherwise it shares the machine with other kernels and
// writes its messages to the kernel message buffer.
func IsSingleKernel() bool { return singleKernel }

// IsHypervisor returns true if the kernel was booted by a hypervisor that
// provides the hardware environment directly.
func IsHypervisor() bool { return hypervisor }

// Console returns the selected console mode.
func Console() ConsoleMode { return console }

// MaxCPUs returns the processor limit set on the command line or 0 if there
// is none.
func MaxCPUs() uint32 { return maxCPUs }

// Alloc returns the allocation policy selected with the pmm command line
// option.
func Alloc() AllocPolicy { return allocPolicy }

// Init parses the kernel command line. Unknown keys are ignored and invalid
// values are reported and replaced by their defaults. It must be called after
// the memory manager is initialized.
func Init() {
	resetOptions()

	if v, ok := CmdLineValue("console"); ok {
		switch v {
		case "serial":
			console = ConsoleSerial
		case "vga":
			console = ConsoleVGA
		case "both":
			console = ConsoleBoth
		default:
			kfmt.Printf("[env] ignoring invalid console %s\n", v)
		}
	}

	if v, ok := CmdLineValue("maxcpus"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			kfmt.Printf("[env] ignoring invalid maxcpus %s\n", v)
		} else {
			maxCPUs = uint32(n)
		}
	}

	if v, ok := CmdLineValue("pmm"); ok {
		switch v {
		case "firstfit":
			allocPolicy = AllocFirstFit
		case "bestfit":
			allocPolicy = AllocBestFit
		default:
			kfmt.Printf("[env] ignoring invalid pmm policy %s\n", v)
		}
	}

	kfmt.Printf("[env] single-kernel: %t, hypervisor: %t, console: %s, pmm: %s\n",
		singleKernel, hypervisor, console.String(), allocPolicy.String())
}

// CmdLineValue returns the value of key on the kernel command line.
func CmdLineValue(key string) (string, bool) {
	v, ok := multiboot.GetBootCmdLine()[key]
	return v, ok
}
