package main

import (
	"os"

	"golang.org/x/exp/slog"

	"github.com/Kaperstone/hermitgo/kernel"
)

// hostArch implements boot.Arch for a host process. There are no descriptor
// tables or interrupt controllers to program so every call is logged and
// succeeds; application processors are goroutines.
type hostArch struct {
	log   *slog.Logger
	cores uint32
	mhz   uint32

	// halted is called when an application processor goroutine stops
	// because the kernel halted.
	halted func(core uint32, reason interface{})
}

func (a *hostArch) trace(msg string, core uint32) *kernel.Error {
	a.log.Debug(msg, "core", core)
	return nil
}

func (a *hostArch) InitPerCore(core uint32) *kernel.Error {
	return a.trace("init per-core data", core)
}

func (a *hostArch) ConfigureProcessor(core uint32) *kernel.Error {
	return a.trace("configure processor", core)
}

func (a *hostArch) InitGDT() *kernel.Error { return a.trace("init GDT", 0) }

func (a *hostArch) AddCurrentCore(core uint32) *kernel.Error {
	return a.trace("add core to GDT", core)
}

func (a *hostArch) InstallIDT(core uint32) *kernel.Error { return a.trace("install IDT", core) }

func (a *hostArch) InitPIC() *kernel.Error { return a.trace("init PIC", 0) }

func (a *hostArch) InstallIRQ() *kernel.Error { return a.trace("install IRQ handlers", 0) }

func (a *hostArch) EnableInterrupts(core uint32) *kernel.Error {
	return a.trace("enable interrupts", core)
}

func (a *hostArch) DetectFrequency() (uint32, *kernel.Error) {
	a.log.Debug("detect frequency", "mhz", a.mhz)
	return a.mhz, nil
}

func (a *hostArch) InitPCI() *kernel.Error { return a.trace("init PCI", 0) }

func (a *hostArch) InitACPI() *kernel.Error { return a.trace("init ACPI", 0) }

func (a *hostArch) InitAPIC() *kernel.Error { return a.trace("init APIC", 0) }

func (a *hostArch) InitX2APIC(core uint32) *kernel.Error { return a.trace("init x2APIC", core) }

func (a *hostArch) InitLocalAPIC(core uint32) *kernel.Error {
	return a.trace("init local APIC", core)
}

func (a *hostArch) InstallTimerHandler() *kernel.Error { return a.trace("install timer handler", 0) }

func (a *hostArch) ProcessorCount() uint32 { return a.cores }

func (a *hostArch) WakeApplicationProcessors(count uint32, entry func(core uint32)) *kernel.Error {
	a.log.Info("waking application processors", "count", count)
	for core := uint32(1); core <= count; core++ {
		go func(core uint32) {
			defer func() {
				if r := recover(); r != nil {
					a.halted(core, r)
				}
			}()
			entry(core)
			a.log.Debug("application processor online", "core", core)
		}(core)
	}
	return nil
}

// exitOnHalt terminates the process when an application processor halts.
// The boot processor is blocked waiting for the core and cannot observe the
// failure itself.
func exitOnHalt(log *slog.Logger) func(core uint32, reason interface{}) {
	return func(core uint32, reason interface{}) {
		log.Error("application processor halted", "core", core, "reason", reason)
		os.Exit(2)
	}
}
