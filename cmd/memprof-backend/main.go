// Package main provides the memprof-backend binary, a reference tracing
// backend that profiling daemons register with.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/internal/cli"
	"github.com/coral-mesh/memprof/internal/cli/serve"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "memprof-backend",
		Short:         "memprof backend - collects heap profiling sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serve.NewServeCmd())
	rootCmd.AddCommand(cli.NewVersionCmd("memprof-backend"))

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
