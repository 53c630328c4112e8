package cli

import (
	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [migration]",
	Short: "Show recent runs or events",
	Long: `Shows the most recent runs, newest first, optionally of one migration.
With --events the event log is shown instead: run start and end, stubs
created, update requests and cleared locks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLog),
}

var (
	logLimit  int
	logEvents bool
)

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum number of entries (0 = all)")
	logCmd.Flags().BoolVar(&logEvents, "events", false, "Show the event log instead of runs")
}

func runLog(app *appctx.App, cmd *cobra.Command, args []string) error {
	var id string
	if len(args) == 1 {
		id = args[0]
	}

	if logEvents {
		evs, err := app.Store.Events.List(id, logLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(evs))
		for _, e := range evs {
			payload := ""
			if e.Payload != nil {
				payload = *e.Payload
			}
			run := ""
			if e.RunUUID != nil {
				run = *e.RunUUID
			}
			rows = append(rows, []string{formatTime(e.Timestamp), e.MigrationID, e.EventType, run, payload})
		}
		return app.Renderer.Render(render.Table{
			Headers: []string{"TIME", "MIGRATION", "EVENT", "RUN", "PAYLOAD"},
			Rows:    rows,
			Data:    evs,
		})
	}

	runs, err := app.Store.Runs.List(id, logLimit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := "ok"
		switch {
		case r.FinishedAt == nil:
			result = "running"
		case r.Error != nil:
			result = *r.Error
		}
		rows = append(rows, []string{
			formatTime(r.StartedAt), r.MigrationID, r.Operation, summarize(r.Counts), result, r.UUID,
		})
	}
	return app.Renderer.Render(render.Table{
		Headers: []string{"STARTED", "MIGRATION", "OPERATION", "COUNTS", "RESULT", "RUN"},
		Rows:    rows,
		Data:    runs,
	})
}
