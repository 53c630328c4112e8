package cli

import (
	"fmt"
	"io"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/db"
	"github.com/spf13/cobra"
)

var migrateAdmCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending state database schema migrations",
	Long: `Migrate applies any pending SQL migrations to the state database.

Schema migrations are embedded in the binary and tracked via the
schema_migrations table. Each file (e.g., 000001_baseline.sql) is applied
exactly once, so this command is safe to run multiple times.

Use --dry-run to see which migrations would be applied without running them.
Use --status to show the current migration status.`,
	RunE: appctx.WithApp(appctx.Options{}, runMigrateAdm),
}

var (
	migrateDryRun bool
	migrateStatus bool
)

func init() {
	rootAdmCmd.AddCommand(migrateAdmCmd)

	migrateAdmCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Show which migrations would be applied without running them")
	migrateAdmCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show current migration status")
}

func runMigrateAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	if app.Config.DBPath == "" {
		return exitError(2, fmt.Errorf("database path not specified (use --db flag or set UPM_DB_PATH)"))
	}

	database, err := db.Open(app.Config.DBPath)
	if err != nil {
		return exitError(1, fmt.Errorf("failed to open database: %w", err))
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if migrateStatus {
		return showMigrationStatus(out, database)
	}
	if migrateDryRun {
		return showPendingMigrations(out, database)
	}

	applied, err := database.MigrateWithInfo()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to run migrations: %w", err))
	}

	if len(applied) == 0 {
		fmt.Fprintln(out, "Database is up to date. No migrations to apply.")
	} else {
		for _, m := range applied {
			fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
		}
		fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	}
	return nil
}

func showMigrationStatus(out io.Writer, database *db.DB) error {
	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}

	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}

	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}

func showPendingMigrations(out io.Writer, database *db.DB) error {
	_, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations. Database is up to date.")
		return nil
	}

	fmt.Fprintln(out, "Pending migrations (would be applied):")
	for _, m := range pending {
		fmt.Fprintf(out, "  ○ %s\n", m)
	}
	fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
	return nil
}
