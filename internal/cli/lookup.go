package cli

import (
	"fmt"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <migration> <id>...",
	Short: "Show the identity map entry of a source row",
	Long: `Looks up the identity map of a migration. The ids are the source id
values of one row in declaration order, or with --reverse the destination id
values of one record.`,
	Args: cobra.MinimumNArgs(2),
	RunE: appctx.WithApp(appctx.WithManager(), runLookup),
}

var lookupReverse bool

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().BoolVar(&lookupReverse, "reverse", false, "Look up by destination id")
}

func runLookup(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	im, err := app.Manager.IDMap(ctx, args[0])
	if err != nil {
		return err
	}

	src := stringArgs(args[1:])
	if lookupReverse {
		if src, err = im.LookupSource(ctx, src); err != nil {
			return fmt.Errorf("%s destination %s: %w", args[0], formatIDs(stringArgs(args[1:])), err)
		}
	}
	entry, err := im.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("%s source %s: %w", args[0], formatIDs(src), err)
	}

	return app.Renderer.Render(render.Table{
		Headers: []string{"SOURCE", "DESTINATION", "STATUS", "LAST_IMPORTED", "MESSAGE"},
		Rows: [][]string{{
			formatIDs(entry.SourceIDs), formatIDs(entry.DestIDs), entry.Status.String(),
			formatTime(entry.LastImported), entry.Message,
		}},
		Data: []*domain.MapEntry{entry},
	})
}
