package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "bootsim",
	Short: "Simulate the kernel boot sequence in a host process",
	Long: `bootsim runs the kernel's physical memory manager and multi-core boot
sequence on the host. Physical memory is backed by an anonymous mapping, the
boot loader information is synthesized and application processors run as
goroutines.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every architecture call")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger returns the logger used for simulator diagnostics. Kernel output
// is not logged; it goes to the simulated serial port.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelWarn
	case verbose:
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
