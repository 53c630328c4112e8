package cli

import (
	"fmt"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [selectors...]",
	Short: "Delete imported records and clear identity maps",
	Long: `Rollback deletes every destination record of the selected migrations,
stubs included, and empties their identity maps. Migrations are rolled back
in reverse dependency order.`,
	RunE: appctx.WithApp(appctx.WithManager(), runRollback),
}

var (
	rollbackAll   bool
	rollbackGroup string
)

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().BoolVar(&rollbackAll, "all", false, "Roll back every migration")
	rollbackCmd.Flags().StringVar(&rollbackGroup, "group", "", "Roll back the migrations of this group")
}

func runRollback(app *appctx.App, cmd *cobra.Command, args []string) error {
	ids, err := selectMigrations(app, args, rollbackGroup, rollbackAll)
	if err != nil {
		return err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		exec, err := app.Manager.Executable(id)
		if err != nil {
			return err
		}
		run, err := exec.Rollback(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: rolled back %d entries\n", id, run.Counts.Processed)
	}
	return nil
}
