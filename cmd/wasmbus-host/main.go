package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wasmbus-host",
	Short: "wasmbus-host runs a lattice member hosting WebAssembly components and capability providers",
	Long: `wasmbus-host is a single-process host that compiles and runs sandboxed
WebAssembly components, supervises capability provider processes, and joins
a NATS lattice to receive control-plane commands from the rest of the fleet.

Running the binary with no subcommand starts the host; see "run --help" for
the bootstrap flags.`,
	Version: Version,
	RunE:    runHost,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"wasmbus-host version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	addRunFlags(rootCmd)

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("wasmbus-host version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}
