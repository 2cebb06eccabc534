// Package main provides the memprof-demo binary. It runs an allocating
// workload with heap profiling bootstrapped, and doubles as the profiling
// daemon when re-executed by memprof.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/internal/cli"
	"github.com/coral-mesh/memprof/internal/cli/demo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "memprof-demo",
		Short:         "memprof demo - allocating workload under heap profiling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(demo.NewRunCmd())
	rootCmd.AddCommand(cli.NewVersionCmd("memprof-demo"))

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
