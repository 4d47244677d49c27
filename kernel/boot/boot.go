// Package boot drives the bring-up of the boot processor and the application
// processors. The architecture specific work is delegated to an Arch
// implementation; this package owns the ordering of the steps and the phase
// every core is in.
package boot

import (
	"sync/atomic"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/cpu"
	"github.com/Kaperstone/hermitgo/kernel/env"
	"github.com/Kaperstone/hermitgo/kernel/hal"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm/freelist"
	"github.com/Kaperstone/hermitgo/kernel/mm/memory"
	"github.com/Kaperstone/hermitgo/kernel/mm/pmm"
	"github.com/Kaperstone/hermitgo/kernel/sync"
)

// MaxCores is the maximum number of cores tracked by an Orchestrator.
const MaxCores = 256

// Phase describes how far the boot sequence has progressed.
type Phase uint32

// The boot phases in the order they are entered.
const (
	PhaseUninitialized Phase = iota
	PhaseSerialReady
	PhaseBootProcessorInitializing
	PhaseBootProcessorOnline
	PhaseWakingApplicationProcessors
	PhaseAllCoresOnline
)

// String implements fmt.Stringer for Phase.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseSerialReady:
		return "serial ready"
	case PhaseBootProcessorInitializing:
		return "boot processor initializing"
	case PhaseBootProcessorOnline:
		return "boot processor online"
	case PhaseWakingApplicationProcessors:
		return "waking application processors"
	case PhaseAllCoresOnline:
		return "all cores online"
	default:
		return "unknown"
	}
}

// CoreState describes the initialization state of a single core.
type CoreState uint32

// The core states in the order they are entered.
const (
	CoreOffline CoreState = iota
	CoreInitializing
	CoreOnline
)

// String implements fmt.Stringer for CoreState.
func (s CoreState) String() string {
	switch s {
	case CoreOffline:
		return "offline"
	case CoreInitializing:
		return "initializing"
	case CoreOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Arch is implemented by the architecture support code. Every method runs on
// the core it configures; methods taking a core argument are also called by
// application processors.
type Arch interface {
	InitPerCore(core uint32) *kernel.Error
	ConfigureProcessor(core uint32) *kernel.Error
	InitGDT() *kernel.Error
	AddCurrentCore(core uint32) *kernel.Error
	InstallIDT(core uint32) *kernel.Error
	InitPIC() *kernel.Error
	InstallIRQ() *kernel.Error
	EnableInterrupts(core uint32) *kernel.Error

	// DetectFrequency returns the processor frequency in MHz.
	DetectFrequency() (uint32, *kernel.Error)

	InitPCI() *kernel.Error
	InitACPI() *kernel.Error
	InitAPIC() *kernel.Error
	InitX2APIC(core uint32) *kernel.Error
	InitLocalAPIC(core uint32) *kernel.Error
	InstallTimerHandler() *kernel.Error

	// WakeApplicationProcessors starts count application processors. Each
	// one must call entry with its core number, numbered from 1.
	WakeApplicationProcessors(count uint32, entry func(core uint32)) *kernel.Error

	// ProcessorCount returns the number of processors including the boot
	// processor.
	ProcessorCount() uint32
}

// Config holds the collaborators and the boot loader information used by an
// Orchestrator.
type Config struct {
	Arch Arch

	// Serial and Display are optional output devices. They are only
	// initialized in single-kernel mode.
	Serial  hal.OutputDevice
	Display hal.OutputDevice

	KernelStart uintptr
	KernelEnd   uintptr
	BootInfo    pmm.BootInfo
}

var (
	// The following functions are mocked by tests.
	panicFn          = kfmt.Panic
	detectFeaturesFn = cpu.DetectFeatures
	isIntelFn        = cpu.IsIntel
	memoryInitFn     = memory.Init
	memoryInfoFn     = memory.PrintInformation
	memoryReserveFn  = memory.ReserveNodes
	memoryFitFn      = memory.SetFitPolicy

	errPhase        = &kernel.Error{Module: "boot", Message: "operation invoked in the wrong boot phase"}
	errStepOrder    = &kernel.Error{Module: "boot", Message: "boot step invoked before its predecessor completed"}
	errInvalidCore  = &kernel.Error{Module: "boot", Message: "invalid core number"}
	errCoreNotReset = &kernel.Error{Module: "boot", Message: "core initialized more than once"}
	errNoCores      = &kernel.Error{Module: "boot", Message: "architecture reports no processors"}
)

// step is a single entry of a boot sequence. Steps with a non-nil when
// function are skipped if it returns false.
type step struct {
	name string
	when func(o *Orchestrator) bool
	run  func(o *Orchestrator, core uint32) *kernel.Error
}

// bootProcessorSteps lists the initialization of the boot processor in
// execution order.
var bootProcessorSteps = [...]step{
	{name: "detect processor features", run: func(*Orchestrator, uint32) *kernel.Error {
		return detectFeaturesFn()
	}},
	{name: "configure processor", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.ConfigureProcessor(core)
	}},
	{name: "init display", when: displayEnabled, run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return hal.InitDisplay(o.cfg.Display)
	}},
	{name: "init memory", run: func(o *Orchestrator, _ uint32) *kernel.Error {
		if err := memoryInitFn(o.cfg.KernelStart, o.cfg.KernelEnd, o.cfg.BootInfo); err != nil {
			return err
		}
		memoryInfoFn()
		return nil
	}},
	{name: "init environment", run: func(*Orchestrator, uint32) *kernel.Error {
		env.Init()
		if env.Alloc() == env.AllocBestFit {
			memoryFitFn(freelist.BestFit)
		} else {
			memoryFitFn(freelist.FirstFit)
		}
		return nil
	}},
	{name: "init GDT", run: func(o *Orchestrator, core uint32) *kernel.Error {
		if err := o.cfg.Arch.InitGDT(); err != nil {
			return err
		}
		return o.cfg.Arch.AddCurrentCore(core)
	}},
	{name: "install IDT", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.InstallIDT(core)
	}},
	{name: "init PIC", when: notHypervisor, run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InitPIC()
	}},
	{name: "install IRQ handlers", run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InstallIRQ()
	}},
	{name: "enable interrupts", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.EnableInterrupts(core)
	}},
	{name: "detect frequency", run: func(o *Orchestrator, _ uint32) *kernel.Error {
		mhz, err := o.cfg.Arch.DetectFrequency()
		if err != nil {
			return err
		}
		o.mhz = mhz
		printProcessorInfo(mhz)
		return nil
	}},
	{name: "init PCI", when: singleKernelOnBareMetal, run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InitPCI()
	}},
	{name: "init ACPI", when: singleKernelOnBareMetal, run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InitACPI()
	}},
	{name: "init APIC", run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InitAPIC()
	}},
	{name: "install timer handler", run: func(o *Orchestrator, _ uint32) *kernel.Error {
		return o.cfg.Arch.InstallTimerHandler()
	}},
	{name: "mark core online", run: markCoreOnline},
}

// applicationProcessorSteps lists the initialization of an application
// processor in execution order.
var applicationProcessorSteps = [...]step{
	{name: "init per-core data", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.InitPerCore(core)
	}},
	{name: "configure processor", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.ConfigureProcessor(core)
	}},
	{name: "add core to GDT", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.AddCurrentCore(core)
	}},
	{name: "install IDT", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.InstallIDT(core)
	}},
	{name: "init x2APIC", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.InitX2APIC(core)
	}},
	{name: "init local APIC", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.InitLocalAPIC(core)
	}},
	{name: "enable interrupts", run: func(o *Orchestrator, core uint32) *kernel.Error {
		return o.cfg.Arch.EnableInterrupts(core)
	}},
	{name: "mark core online", run: markCoreOnline},
}

// markCoreOnline publishes the core state before the counter so that a core
// waiting on the counter observes every counted core as online.
func markCoreOnline(o *Orchestrator, core uint32) *kernel.Error {
	atomic.StoreUint32(&o.cores[core], uint32(CoreOnline))
	o.online.Increment()
	return nil
}

func displayEnabled(o *Orchestrator) bool {
	return o.cfg.Display != nil && singleKernelOnBareMetal(o)
}

func notHypervisor(*Orchestrator) bool { return !env.IsHypervisor() }

func singleKernelOnBareMetal(*Orchestrator) bool { return env.IsSingleKernel() && !env.IsHypervisor() }

// Orchestrator sequences the boot of all cores.
type Orchestrator struct {
	cfg Config

	phase  uint32
	cores  [MaxCores]uint32
	online OnlineCounter

	// progress holds the number of boot steps each core has completed or
	// skipped.
	progress [MaxCores]uint32

	// expected is the number of cores BootApplicationProcessors waits for.
	expected uint32

	// mhz is the frequency reported by the frequency detection step.
	mhz uint32
}

// New returns an Orchestrator in PhaseUninitialized.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Phase returns the current boot phase.
func (o *Orchestrator) Phase() Phase {
	return Phase(atomic.LoadUint32(&o.phase))
}

// CoreState returns the state of the given core.
func (o *Orchestrator) CoreState(core uint32) CoreState {
	if core >= MaxCores {
		return CoreOffline
	}
	return CoreState(atomic.LoadUint32(&o.cores[core]))
}

// OnlineCores returns the number of cores that completed their
// initialization.
func (o *Orchestrator) OnlineCores() uint32 {
	return o.online.Load()
}

// Frequency returns the boot processor frequency in MHz, or 0 before the
// frequency detection step ran.
func (o *Orchestrator) Frequency() uint32 {
	return o.mhz
}

// MessageOutputInit prepares the boot processor for printing messages. In
// single-kernel mode the serial port is initialized; kernel output is then
// routed through the HAL. Output produced before this call is kept in the
// early message buffer and flushed to the HAL.
func (o *Orchestrator) MessageOutputInit() {
	if !o.enterPhase(PhaseUninitialized, PhaseSerialReady, "message output init") {
		return
	}

	if err := o.cfg.Arch.InitPerCore(0); err != nil {
		o.fatal("init per-core data", err)
		return
	}

	if env.IsSingleKernel() && o.cfg.Serial != nil {
		if err := hal.InitSerial(o.cfg.Serial); err != nil {
			o.fatal("init serial", err)
			return
		}
	}

	kfmt.SetOutputSink(hal.Output())
}

// BootProcessorInit runs the boot processor initialization steps. It must be
// called after MessageOutputInit. On return the boot processor is counted as
// online.
func (o *Orchestrator) BootProcessorInit() {
	if !o.enterPhase(PhaseSerialReady, PhaseBootProcessorInitializing, "boot processor init") {
		return
	}

	atomic.StoreUint32(&o.cores[0], uint32(CoreInitializing))
	if !o.runSteps(bootProcessorSteps[:], 0) {
		return
	}

	kfmt.Printf("[boot] boot processor online\n")
	atomic.StoreUint32(&o.phase, uint32(PhaseBootProcessorOnline))
}

// BootApplicationProcessors wakes the application processors and blocks
// until all of them are online. The number of processors waited for is
// capped by the maxcpus command line option.
func (o *Orchestrator) BootApplicationProcessors() {
	if !o.enterPhase(PhaseBootProcessorOnline, PhaseWakingApplicationProcessors, "boot application processors") {
		return
	}

	expected := o.cfg.Arch.ProcessorCount()
	if expected == 0 {
		o.fatal("count processors", errNoCores)
		return
	}
	if limit := env.MaxCPUs(); limit != 0 && limit < expected {
		expected = limit
	}
	if expected > MaxCores {
		expected = MaxCores
	}
	atomic.StoreUint32(&o.expected, expected)

	// Every online core may allocate concurrently from here on.
	memoryReserveFn(int(expected))

	if expected > 1 {
		kfmt.Printf("[boot] waking %d application processors\n", expected-1)
		if err := o.cfg.Arch.WakeApplicationProcessors(expected-1, o.ApplicationProcessorInit); err != nil {
			o.fatal("wake application processors", err)
			return
		}

		sync.WaitUntil(func() bool { return o.online.Load() >= expected })
	}

	kfmt.Printf("[boot] %d cores online\n", o.online.Load())
	atomic.StoreUint32(&o.phase, uint32(PhaseAllCoresOnline))
}

// ApplicationProcessorInit is the entry point of an application processor.
// It is only valid while the boot processor waits in
// BootApplicationProcessors and may be called concurrently by several cores.
func (o *Orchestrator) ApplicationProcessorInit(core uint32) {
	if phase := o.Phase(); phase != PhaseWakingApplicationProcessors {
		kfmt.Printf("[boot] core %d started in phase %s\n", core, phase.String())
		panicFn(errPhase)
		return
	}

	if core == 0 || core >= atomic.LoadUint32(&o.expected) {
		kfmt.Printf("[boot] unexpected core %d\n", core)
		panicFn(errInvalidCore)
		return
	}

	if !atomic.CompareAndSwapUint32(&o.cores[core], uint32(CoreOffline), uint32(CoreInitializing)) {
		kfmt.Printf("[boot] core %d is already %s\n", core, o.CoreState(core).String())
		panicFn(errCoreNotReset)
		return
	}

	o.runSteps(applicationProcessorSteps[:], core)
}

// enterPhase moves the orchestrator from the from phase to the to phase. It
// reports a fatal error and returns false if the current phase is not from.
func (o *Orchestrator) enterPhase(from, to Phase, op string) bool {
	if atomic.CompareAndSwapUint32(&o.phase, uint32(from), uint32(to)) {
		return true
	}

	kfmt.Printf("[boot] %s requires phase %s; current phase is %s\n", op, from.String(), o.Phase().String())
	panicFn(errPhase)
	return false
}

// runSteps executes steps in order on the given core. It returns false after
// the first failure.
func (o *Orchestrator) runSteps(steps []step, core uint32) bool {
	for i := range steps {
		if !o.runStep(steps, i, core) {
			return false
		}
	}

	return true
}

// runStep executes steps[index] on the given core after checking that the
// core completed or skipped every step before it.
func (o *Orchestrator) runStep(steps []step, index int, core uint32) bool {
	s := &steps[index]
	if atomic.LoadUint32(&o.progress[core]) != uint32(index) {
		kfmt.Printf("[boot] core %d reached step %s after %d steps\n", core, s.name, atomic.LoadUint32(&o.progress[core]))
		o.fatal(s.name, errStepOrder)
		return false
	}

	if s.when == nil || s.when(o) {
		if err := s.run(o, core); err != nil {
			o.fatal(s.name, err)
			return false
		}
	}

	atomic.StoreUint32(&o.progress[core], uint32(index+1))
	return true
}

func (o *Orchestrator) fatal(stepName string, err *kernel.Error) {
	kfmt.Printf("[boot] step %s failed\n", stepName)
	panicFn(err)
}
