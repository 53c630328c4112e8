package cli

import (
	"fmt"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <migration>...",
	Short: "Clear stale run locks",
	Long: `Reset removes the run lock of a migration whose import or rollback died
without releasing it. Only use it when no executable of the migration is
running; the lock is what keeps two of them from writing the same map.`,
	Args: cobra.MinimumNArgs(1),
	RunE: appctx.WithApp(appctx.WithManager(), runReset),
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(app *appctx.App, cmd *cobra.Command, args []string) error {
	for _, id := range args {
		if _, err := app.Manager.Migration(id); err != nil {
			return err
		}
		cleared, err := app.Store.Locks.Clear(id)
		if err != nil {
			return err
		}
		if cleared {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: lock cleared\n", id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not locked\n", id)
		}
	}
	return nil
}
