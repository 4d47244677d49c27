// Package kmain contains the kernel entry point invoked by the rt0 code.
package kmain

import (
	"github.com/Kaperstone/hermitgo/device/serial"
	"github.com/Kaperstone/hermitgo/device/video/console"
	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/boot"
	"github.com/Kaperstone/hermitgo/kernel/env"
	"github.com/Kaperstone/hermitgo/kernel/hal"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm/pmm"
)

// Flags passed by the boot loader.
const (
	// FlagMultiKernel is set when the kernel shares the machine with other
	// kernels and must not touch the console devices.
	FlagMultiKernel uint32 = 1 << iota

	// FlagHypervisor is set when the kernel runs as a guest.
	FlagHypervisor
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Config describes the machine handed over by the boot loader.
type Config struct {
	Arch    boot.Arch
	Serial  hal.OutputDevice
	Display hal.OutputDevice

	// MultibootInfoPtr is the physical address of the multiboot2
	// information block or 0 if the kernel was not loaded by a multiboot
	// loader. MemoryLimit is used when no memory map is available.
	MultibootInfoPtr uintptr
	MemoryLimit      uintptr

	KernelStart uintptr
	KernelEnd   uintptr
	Flags       uint32
}

// Boot brings every core online and returns the orchestrator that drove the
// boot. Any failure along the way is fatal.
func Boot(cfg Config) *boot.Orchestrator {
	env.SetBootFlags(cfg.Flags&FlagMultiKernel == 0, cfg.Flags&FlagHypervisor != 0)

	o := boot.New(boot.Config{
		Arch:        cfg.Arch,
		Serial:      cfg.Serial,
		Display:     cfg.Display,
		KernelStart: cfg.KernelStart,
		KernelEnd:   cfg.KernelEnd,
		BootInfo: pmm.BootInfo{
			MultibootInfo: cfg.MultibootInfoPtr,
			Limit:         cfg.MemoryLimit,
		},
	})

	o.MessageOutputInit()
	o.BootProcessorInit()
	o.BootApplicationProcessors()
	return o
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the architecture support code,
// the address of the multiboot info payload provided by the bootloader, the
// physical addresses for the kernel start/end and the boot loader flags.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(arch boot.Arch, multibootInfoPtr, kernelStart, kernelEnd uintptr, flags uint32) {
	Boot(Config{
		Arch:             arch,
		Serial:           serial.NewPort(serial.DefaultPort, serial.DefaultBaudRate),
		Display:          console.NewVgaTextConsole(80, 25, console.DefaultFramebuffer),
		MultibootInfoPtr: multibootInfoPtr,
		KernelStart:      kernelStart,
		KernelEnd:        kernelEnd,
		Flags:            flags,
	})

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
