package cli

import (
	"github.com/spf13/cobra"
)

var rootAdmCmd = &cobra.Command{
	Use:   "upmadm",
	Short: "Administrative CLI for upm state and source databases",
	Long: `upmadm is the administrative companion to upm. It handles the state
database schema, the registry of source and destination databases, identity
map indexes and validation of migration definitions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteAdmin runs the admin root command
func ExecuteAdmin() error {
	return rootAdmCmd.Execute()
}

func init() {
	addGlobalFlags(rootAdmCmd)
}
