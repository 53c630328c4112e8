package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "upm",
	Short: "Resumable record migrations between databases",
	Long: `upm runs YAML-defined migrations that move records from a legacy
database into a new one. Every migration keeps an identity map from source
ids to destination ids, so runs can be interrupted, resumed and updated.
Records referenced before they are migrated are created as stubs and filled
in when their own migration runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the context, which
// stops running imports between rows.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("db", "", "Path to the state database (overrides UPM_DB_PATH)")
	flags.String("migrations", "", "Directory of migration definitions (overrides UPM_MIGRATIONS_DIR)")
	flags.String("source-path", "", "Root of migration:// files (overrides UPM_SOURCE_PATH)")
	flags.StringP("output", "o", "", "Output format: table, json, yaml, tsv (overrides UPM_OUTPUT)")
	flags.String("log-level", "", "Log level (overrides UPM_LOG_LEVEL)")
	flags.String("log-format", "", "Log format: text or json (overrides UPM_LOG_FORMAT)")
}
