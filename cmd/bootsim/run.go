package main

import (
	"io"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/Kaperstone/hermitgo/device/video/console"
	"github.com/Kaperstone/hermitgo/kernel/boot"
	"github.com/Kaperstone/hermitgo/kernel/hal"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/kmain"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/mm/memory"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
	"github.com/Kaperstone/hermitgo/kernel/multiboot/multiboottest"
	"github.com/Kaperstone/hermitgo/kernel/sync"
)

var errKernelHalted = errors.New("kernel halted")

// runOptions holds the flags of the run command.
type runOptions struct {
	ramMiB      uint64
	kernelEnd   uint64
	cores       uint32
	ops         int
	seed        int64
	cmdLine     string
	limitOnly   bool
	multiKernel bool
	hypervisor  bool
	vga         bool
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the simulated machine and run an allocation workload",
		Long: `The run command maps the simulated physical memory, writes a multiboot
information block describing it, boots every core and then issues random
allocation and deallocation requests from all cores at once. The run fails if
any core observes memory it does not own or if the free memory does not
return to its post-boot value.

Example:
  bootsim run --ram 128 --cores 8
  bootsim run --limit-only --multi-kernel
  bootsim run --vga --cmdline "console=vga"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd.OutOrStdout(), newLogger(cmd.ErrOrStderr()), opts)
		},
	}

	cmd.Flags().Uint64Var(&opts.ramMiB, "ram", 64, "Simulated RAM size in MiB")
	cmd.Flags().Uint64Var(&opts.kernelEnd, "kernel-end", 0x400000, "Physical address where the kernel image ends")
	cmd.Flags().Uint32Var(&opts.cores, "cores", 4, "Number of processors")
	cmd.Flags().IntVar(&opts.ops, "ops", 2000, "Allocation requests issued by every core")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "Workload random seed")
	cmd.Flags().StringVar(&opts.cmdLine, "cmdline", "", "Kernel command line")
	cmd.Flags().BoolVar(&opts.limitOnly, "limit-only", false, "Describe memory with a single upper limit instead of a memory map")
	cmd.Flags().BoolVar(&opts.multiKernel, "multi-kernel", false, "Boot in multi-kernel mode; output goes to the kernel message buffer")
	cmd.Flags().BoolVar(&opts.hypervisor, "hypervisor", false, "Boot as a hypervisor guest")
	cmd.Flags().BoolVar(&opts.vga, "vga", false, "Print the VGA text console after the run")
	return cmd
}

// runBoot boots the simulated machine, runs the workload and checks that
// every page was returned.
func runBoot(out io.Writer, log *slog.Logger, opts runOptions) (err error) {
	if opts.cores == 0 || opts.cores > boot.MaxCores {
		return errors.Newf("core count must be between 1 and %d", boot.MaxCores)
	}

	kernelEnd := uintptr(opts.kernelEnd)
	if kernelEnd <= extendedStart {
		return errors.Newf("kernel end 0x%x must be above the kernel load address 0x%x", kernelEnd, extendedStart)
	}

	ram, err := mapRAM(uintptr(opts.ramMiB) << 20)
	if err != nil {
		return err
	}
	if kernelEnd >= ram.Size() {
		err = errors.Newf("kernel end 0x%x is outside the 0x%x bytes of RAM", kernelEnd, ram.Size())
		return errors.CombineErrors(err, ram.Unmap())
	}

	mm.SetPhysToVirt(ram.PhysToVirt)
	kfmt.SetHaltFn(func() { panic(errKernelHalted) })
	sync.SetYieldFn(runtime.Gosched)
	defer func() {
		hal.DetachDevices()
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltFn(nil)
		sync.SetYieldFn(nil)
		mm.SetFrameAllocator(nil)
		mm.SetPhysToVirt(nil)
		multiboot.SetInfoPtr(0)
		err = errors.CombineErrors(err, ram.Unmap())
	}()

	cfg := kmain.Config{
		Arch: &hostArch{
			log:    log,
			cores:  opts.cores,
			mhz:    3000,
			halted: exitOnHalt(log),
		},
		Serial:      &hostSerial{w: out},
		KernelStart: extendedStart,
		KernelEnd:   kernelEnd,
	}
	if opts.multiKernel {
		cfg.Flags |= kmain.FlagMultiKernel
	}
	if opts.hypervisor {
		cfg.Flags |= kmain.FlagHypervisor
	}

	var vgaConsole *console.VgaTextConsole
	if opts.vga {
		vgaConsole = console.NewVgaTextConsole(80, 25, framebufferAddr)
		vgaConsole.DisableHardwareCursor()
		cfg.Display = vgaConsole
	}

	if opts.limitOnly {
		cfg.MemoryLimit = ram.Size()
	} else {
		info := multiboottest.NewBuilder().
			MemoryMap(ram.MemoryMap()...).
			CmdLine(opts.cmdLine).
			Bytes()
		if err = ram.CopyIn(bootInfoAddr, info); err != nil {
			return err
		}
		cfg.MultibootInfoPtr = bootInfoAddr
	}

	log.Info("booting",
		"ram", ram.Size(),
		"cores", opts.cores,
		"limit_only", opts.limitOnly,
		"multi_kernel", opts.multiKernel,
		"hypervisor", opts.hypervisor,
	)

	o, err := bootKernel(cfg)
	if err != nil {
		return err
	}
	log.Info("boot complete", "phase", o.Phase().String(), "online_cores", o.OnlineCores())

	freeAfterBoot := memory.FreeBytes()
	framesAfterBoot := memory.NodePoolFrames()
	budget := mm.PageAlignDown(freeAfterBoot / uintptr(2*opts.cores))

	stats, err := runWorkload(opts.cores, opts.ops, opts.seed, budget)
	if err != nil {
		return errors.Wrap(err, "workload")
	}
	log.Info("workload complete",
		"allocs", stats.allocs,
		"aligned_allocs", stats.alignedAllocs,
		"frees", stats.frees,
		"pool_frames", memory.NodePoolFrames(),
	)

	poolGrowth := uintptr(memory.NodePoolFrames()-framesAfterBoot) * mm.PageSize
	if free := memory.FreeBytes(); free+poolGrowth != freeAfterBoot {
		return errors.Newf("free memory is 0x%x bytes after the workload; expected 0x%x", free, freeAfterBoot-poolGrowth)
	}

	if opts.multiKernel {
		if _, err = io.Copy(out, hal.MessageBuffer()); err != nil {
			return errors.Wrap(err, "copying the kernel message buffer")
		}
	}

	if vgaConsole != nil {
		dumpConsole(out, vgaConsole)
	}
	return nil
}

// bootKernel runs the boot sequence on the calling goroutine, which plays the
// boot processor. A kernel panic on the boot processor is returned as an
// error.
func bootKernel(cfg kmain.Config) (o *boot.Orchestrator, err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != errKernelHalted {
				panic(r)
			}
			err = errors.WithHint(errKernelHalted, "the kernel output above names the failed boot step")
		}
	}()

	return kmain.Boot(cfg), nil
}

// dumpConsole prints the console contents inside a frame. Nothing is printed
// if the console was never initialized.
func dumpConsole(out io.Writer, cons *console.VgaTextConsole) {
	lines := cons.Lines()
	if lines == nil {
		return
	}

	width, _ := cons.Dimensions()
	border := "+" + strings.Repeat("-", int(width)) + "+\n"

	io.WriteString(out, border)
	for _, line := range lines {
		io.WriteString(out, "|"+line+strings.Repeat(" ", int(width)-len([]rune(line)))+"|\n")
	}
	io.WriteString(out, border)
}
