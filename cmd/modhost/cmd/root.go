package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command for the modhost binary
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - Module runtime for the business dashboard",
		Long: `modhost hosts independently versioned dashboard modules.
It loads a module manifest, resolves module dependencies and serves
module status and views over HTTP.`,
		Version:       PrintVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewCheckCommand())
	cmd.AddCommand(NewOrderCommand())

	return cmd
}

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modhost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
