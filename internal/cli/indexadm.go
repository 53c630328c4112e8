package cli

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/idmap"
	"github.com/spf13/cobra"
)

var indexAdmCmd = &cobra.Command{
	Use:   "index [selectors...]",
	Short: "Create unique source indexes on identity maps",
	Long: `Creates the unique index over the source id columns of each selected
identity map. Maps keyed by more than two string columns are skipped; their
lookups stay correct but are not enforced unique by the database.

Without selectors every migration is indexed.`,
	RunE: appctx.WithApp(appctx.WithManager(), runIndexAdm),
}

// sourceIndexer is implemented by identity maps that can build their index.
type sourceIndexer interface {
	EnsureSourceIndex(ctx context.Context) (idmap.IndexResult, error)
}

func init() {
	rootAdmCmd.AddCommand(indexAdmCmd)
}

func runIndexAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	ids, err := app.Manager.Select(args, "")
	if err != nil {
		return err
	}
	for _, id := range ids {
		im, err := app.Manager.IDMap(cmd.Context(), id)
		if err != nil {
			return err
		}
		ix, ok := im.(sourceIndexer)
		if !ok {
			continue
		}
		res, err := ix.EnsureSourceIndex(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", idmap.SourceIndexName(id), res)
	}
	return nil
}
