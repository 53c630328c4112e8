package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionJSON bool

func newVersionCmd(name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Displays version, commit, and build date information.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionJSON {
				return jsonOut(cmd, map[string]any{
					"version":    Version,
					"commit":     GitCommit,
					"build_date": BuildDate,
					"go":         runtime.Version(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", name, Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
	return cmd
}

func init() {
	rootCmd.AddCommand(newVersionCmd("upm"))
	rootAdmCmd.AddCommand(newVersionCmd("upmadm"))
}
