// Command dynload is a thin wrapper over the dynload package: load an
// ELF image through the full lifecycle (open, info, watch), mirroring
// what a dynamic linker's own diagnostics tooling (ldd, ld.so --list,
// LD_DEBUG) would show for a process.
//
// Grounded on zboralski/galago's cmd/galago/main.go, whose cobra root
// command plus an "info" subcommand this CLI keeps the shape of; "open"
// and "watch" are new, built the same way (cobra.Command + RunE) for
// operations that main.go never needed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/galago/dynload/internal/dllog"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynload",
		Short: "Inspect and drive the ELF dynamic linker core from the command line",
		Long: `dynload exercises the loader core directly: parse an ELF image's
dynamic section without mapping it, load one as a process's main program
and watch its Link Map build up, or open/close shared objects against a
running Loader.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose structured logging")

	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *dllog.Logger {
	if verbose {
		dllog.Init(true)
		return dllog.New(true)
	}
	return dllog.NewNop()
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
