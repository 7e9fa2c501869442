package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for switchboard",
	Long:  `Generate documentation for switchboard, see the subcommands`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
