package cli

import (
	"fmt"
	"strings"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var validateAdmCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check migration definitions",
	Long: `Validate loads every migration definition and builds its source,
destination and process pipeline, then checks the dependency graph and the
stub graph. It prints the run order by dependency level. Nothing is read
from or written to the migrated databases.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.WithManager(), runValidateAdm),
}

func init() {
	rootAdmCmd.AddCommand(validateAdmCmd)
}

func runValidateAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	ids := app.Manager.IDs()
	levels := app.Manager.Levels(ids)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %d migration(s) valid\n", len(ids))
	for i, level := range levels {
		fmt.Fprintf(out, "  %d: %s\n", i+1, strings.Join(level, ", "))
	}
	return nil
}
