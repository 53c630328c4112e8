package cli

import (
	"fmt"
	"os"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

var dbAdmCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage registered source and destination databases",
	Long: `Commands for the registry of databases that migrations read from and
write to. Sources and destinations refer to a database by key; the first
registered database is the default for definitions that omit the key.`,
}

var dbAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Register a database",
	Long: `Registers connection settings under a key. MySQL is the default driver,
with host localhost and port 3306. Registering the same settings again is a
no-op; different settings under an existing key are rejected.

The password is read from --password or the UPM_DB_PASSWORD environment
variable.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDBAdd),
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered databases",
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runDBList),
}

var dbRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a registered database",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runDBRm),
}

var dbAddSettings domain.SourceDatabase

func init() {
	rootAdmCmd.AddCommand(dbAdmCmd)
	dbAdmCmd.AddCommand(dbAddCmd, dbListCmd, dbRmCmd)

	f := dbAddCmd.Flags()
	f.StringVar(&dbAddSettings.Driver, "driver", "", "Driver: mysql or sqlite3 (default mysql)")
	f.StringVar(&dbAddSettings.Host, "host", "", "Host (mysql)")
	f.IntVar(&dbAddSettings.Port, "port", 0, "Port (mysql)")
	f.StringVar(&dbAddSettings.Database, "database", "", "Database name, or file path for sqlite3")
	f.StringVar(&dbAddSettings.Username, "username", "", "User name (mysql)")
	f.StringVar(&dbAddSettings.Password, "password", "", "Password (mysql)")
	dbAddCmd.MarkFlagRequired("database")
}

func runDBAdd(app *appctx.App, cmd *cobra.Command, args []string) error {
	d := dbAddSettings
	d.Key = args[0]
	if d.Password == "" {
		d.Password = os.Getenv("UPM_DB_PASSWORD")
	}
	saved, err := app.Store.Databases.Add(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", saved.Key, describeDatabase(*saved))
	return nil
}

func runDBList(app *appctx.App, cmd *cobra.Command, args []string) error {
	dbs, err := app.Store.Databases.List()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(dbs))
	for i, d := range dbs {
		def := ""
		if i == 0 {
			def = "*"
		}
		rows = append(rows, []string{d.Key, d.Driver, describeDatabase(d), def, formatTime(d.CreatedAt)})
	}
	return app.Renderer.Render(render.Table{
		Headers: []string{"KEY", "DRIVER", "LOCATION", "DEFAULT", "CREATED"},
		Rows:    rows,
		Data:    dbs,
	})
}

func runDBRm(app *appctx.App, cmd *cobra.Command, args []string) error {
	if err := app.Store.Databases.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func describeDatabase(d domain.SourceDatabase) string {
	if d.Driver == "sqlite3" {
		return d.Database
	}
	user := ""
	if d.Username != "" {
		user = d.Username + "@"
	}
	return fmt.Sprintf("%s%s:%d/%s", user, d.Host, d.Port, d.Database)
}
