package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "poolz",
		Short: "Parallel map worker pool demos and benchmarks",
		Long: `poolz is a CLI tool for exploring the poolz worker pool through an
interactive demonstration and configurable benchmarks.

Run the demo to watch ordered parallel mapping with progress and worker
recycling, or drive a benchmark scenario from a YAML file and inspect the
worker insights it produces.`,
		Version: version,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Disable default completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(benchCmd)
}
