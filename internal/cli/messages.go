package cli

import (
	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

var messagesCmd = &cobra.Command{
	Use:   "messages <migration>",
	Short: "Show messages recorded during imports",
	Long: `Lists the most recent messages of a migration, newest first: row
failures, ignored rows and stubs that could not be created.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.WithManager(), runMessages),
}

var messagesLimit int

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum number of messages (0 = all)")
}

func runMessages(app *appctx.App, cmd *cobra.Command, args []string) error {
	im, err := app.Manager.IDMap(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	msgs, err := im.Messages(cmd.Context(), messagesLimit)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{formatIDs(m.SourceIDs), m.Level.String(), formatTime(m.CreatedAt), m.Message})
	}
	return app.Renderer.Render(render.Table{
		Headers: []string{"SOURCE", "LEVEL", "CREATED", "MESSAGE"},
		Rows:    rows,
		Data:    msgs,
	})
}
