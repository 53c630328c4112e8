package cli

import (
	"fmt"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/migrate"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [selectors...]",
	Short: "Show migration progress",
	Long: `Shows, for each selected migration in dependency order, the number of
source rows and the identity map counts by status. Without selectors every
migration is shown.

Selectors are migration ids, globs over ids (d7_*) or group:<name>.`,
	RunE: appctx.WithApp(appctx.WithManager(), runStatus),
}

var statusGroup string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusGroup, "group", "", "Only migrations of this group")
}

func runStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	ids, err := app.Manager.Select(args, statusGroup)
	if err != nil {
		return err
	}

	var all []*migrate.Status
	var rows [][]string
	for _, id := range ids {
		st, err := app.Manager.Status(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		all = append(all, st)

		total := itoa(st.Total)
		if st.Total < 0 {
			total = "?"
			app.Logger.WithField("migration", id).Warn(st.SourceError)
		}
		last := "-"
		if st.LastRun != nil {
			last = formatTime(st.LastRun.StartedAt)
			if st.LastRun.Error != nil {
				last += " (failed)"
			}
		}
		rows = append(rows, []string{
			id, st.Group, st.State, total,
			itoa(st.Map.Imported), itoa(st.Map.NeedsUpdate), itoa(st.Map.Ignored),
			itoa(st.Map.Failed), itoa(st.Unprocessed), last,
		})
	}

	return app.Renderer.Render(render.Table{
		Headers: []string{"ID", "GROUP", "STATE", "TOTAL", "IMPORTED", "NEEDS_UPDATE", "IGNORED", "FAILED", "UNPROCESSED", "LAST_RUN"},
		Rows:    rows,
		Data:    all,
	})
}
