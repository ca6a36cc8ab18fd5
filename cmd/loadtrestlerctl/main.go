// Command loadtrestlerctl is the thin CLI-glue binary outside the core
// engine: it wires flags into an internal/config.Args, drives a local
// (non-distributed) run, starts/stops a run on a manual controller's
// control plane, and replays or compares on-disk record logs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loadtrestlerctl",
	Short: "loadtrestlerctl drives, dispatches, and replays loadtrestler runs",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchStartCmd)
	rootCmd.AddCommand(dispatchStopCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(compareCmd)
}
