package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display proclineage version and the supported SQL dialects.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "proclineage v%s\n", version)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Column lineage for stored procedures (dialects: %s)\n",
				strings.Join(lineage.Dialects(), ", "))
		},
	}
}
