package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the rssmcp command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rssmcp",
		Short:        "Feed registry served as tools over a line-delimited JSON protocol",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newFeedsCmd())
	return root
}
