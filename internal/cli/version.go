package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/pkg/version"
)

// NewVersionCmd creates the version command for the named binary.
func NewVersionCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return version.Fprint(cmd.OutOrStdout(), name)
		},
	}
}
