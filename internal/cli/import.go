package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/lherron/upm/internal/bulk"
	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/migrate"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [selectors...]",
	Short: "Import selected migrations",
	Long: `Imports the selected migrations in dependency order. Rows already in the
identity map are skipped unless they need an update; rows that fail are
recorded and the run goes on.

Migrations in the same dependency level run in parallel with --jobs.
With --update every existing entry is marked for update first, so all rows
are processed again and their records rewritten in place.

Exit codes: 0 all migrations finished, 5 some failed, 1 all failed,
2 configuration error.`,
	RunE: appctx.WithApp(appctx.WithManager(), runImport),
}

var (
	importAll             bool
	importGroup           string
	importUpdate          bool
	importLimit           int
	importJobs            int
	importContinueOnError bool
	importMetricsAddr     string
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importAll, "all", false, "Import every migration")
	importCmd.Flags().StringVar(&importGroup, "group", "", "Import the migrations of this group")
	importCmd.Flags().BoolVar(&importUpdate, "update", false, "Reprocess rows that were already imported")
	importCmd.Flags().IntVar(&importLimit, "limit", 0, "Stop each migration after this many processed rows")
	importCmd.Flags().IntVarP(&importJobs, "jobs", "j", 1, "Migrations to run in parallel within a dependency level (0 = CPU count)")
	importCmd.Flags().BoolVar(&importContinueOnError, "continue-on-error", false, "Keep going after a migration fails")
	importCmd.Flags().StringVar(&importMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while importing (overrides UPM_METRICS_ADDR)")
}

func runImport(app *appctx.App, cmd *cobra.Command, args []string) error {
	ids, err := selectMigrations(app, args, importGroup, importAll)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	addr := importMetricsAddr
	if addr == "" {
		addr = app.Config.MetricsAddr
	}
	if addr != "" {
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := app.Metrics.Serve(serveCtx, addr); err != nil {
				app.Logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		app.Logger.WithField("addr", addr).Info("serving metrics")
	}

	out := cmd.OutOrStdout()
	op := &bulk.Operation{
		Jobs:            importJobs,
		ContinueOnError: importContinueOnError,
	}
	opts := migrate.ImportOptions{Update: importUpdate, Limit: importLimit}
	result := op.Execute(ctx, app.Manager.Levels(ids), func(ctx context.Context, id string) error {
		exec, err := app.Manager.Executable(id)
		if err != nil {
			return err
		}
		run, err := exec.Import(ctx, opts)
		if run != nil {
			fmt.Fprintf(out, "%s: %s\n", id, summarize(run.Counts))
		}
		return err
	})

	if len(ids) > 1 || result.Failed > 0 {
		result.PrintSummary(cmd.ErrOrStderr())
	}
	if code := result.ExitCode(); code != 0 {
		return exitError(code, fmt.Errorf("%d of %d migrations did not finish", result.Failed+result.Skipped, result.TotalItems))
	}
	return nil
}

func summarize(c domain.RunCounts) string {
	parts := []string{fmt.Sprintf("processed %d", c.Processed)}
	add := func(name string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", name, n))
		}
	}
	add("imported", c.Imported)
	add("updated", c.Updated)
	add("merged", c.Merged)
	add("ignored", c.Ignored)
	add("failed", c.Failed)
	add("skipped", c.Skipped)
	return strings.Join(parts, ", ")
}
