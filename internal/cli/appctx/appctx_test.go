package appctx

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/upm/internal/db"
	"github.com/lherron/upm/internal/testutil"
	"github.com/spf13/cobra"
)

// isolate points HOME and the state database at a temp directory.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	dbPath := filepath.Join(tmpDir, "state.db")
	t.Setenv("UPM_DB_PATH", dbPath)
	return dbPath
}

func migrated(t *testing.T, path string) {
	t.Helper()
	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	database.Close()
}

func testCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("db", "", "Database path")
	cmd.Flags().String("migrations", "", "Migrations directory")
	cmd.Flags().String("output", "", "Output format")
	return cmd
}

func TestBootstrap_ConfigOnly(t *testing.T) {
	isolate(t)

	app, err := Bootstrap(testCommand(), Options{})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config == nil || app.Logger == nil || app.Renderer == nil {
		t.Error("Config, Logger and Renderer should be set")
	}
	if app.DB != nil || app.Store != nil {
		t.Error("DB should be nil when NeedsDB is false")
	}
}

func TestBootstrap_WithDB(t *testing.T) {
	dbPath := isolate(t)
	migrated(t, dbPath)

	app, err := Bootstrap(testCommand(), DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.DB == nil || app.Store == nil || app.Connections == nil {
		t.Fatal("DB, Store and Connections should be set")
	}
	if app.DB.Path() != dbPath {
		t.Errorf("DB path = %s, want %s", app.DB.Path(), dbPath)
	}
}

func TestBootstrap_DBFlagOverride(t *testing.T) {
	isolate(t)
	flagPath := filepath.Join(t.TempDir(), "flag.db")
	migrated(t, flagPath)

	cmd := testCommand()
	if err := cmd.Flags().Set("db", flagPath); err != nil {
		t.Fatal(err)
	}
	app, err := Bootstrap(cmd, DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config.DBPath != flagPath {
		t.Errorf("DBPath = %s, want %s", app.Config.DBPath, flagPath)
	}
}

func TestBootstrap_RequiresMigration(t *testing.T) {
	isolate(t)

	_, err := Bootstrap(testCommand(), DefaultOptions())
	if err == nil || !strings.Contains(err.Error(), "upmadm migrate") {
		t.Fatalf("expected a requires migration error, got %v", err)
	}
}

func TestBootstrap_WithManager(t *testing.T) {
	dbPath := isolate(t)
	migrated(t, dbPath)
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "users.yml", `
id: users
source:
  plugin: embedded_data
  ids: {uid: integer}
  data_rows:
    - {uid: 1}
destination:
  plugin: table
  key: target
  table: users
`)

	cmd := testCommand()
	if err := cmd.Flags().Set("migrations", dir); err != nil {
		t.Fatal(err)
	}
	app, err := Bootstrap(cmd, WithManager())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if ids := app.Manager.IDs(); len(ids) != 1 || ids[0] != "users" {
		t.Errorf("IDs = %v, want [users]", ids)
	}
}

func TestBootstrap_MissingMigrationsDir(t *testing.T) {
	dbPath := isolate(t)
	migrated(t, dbPath)

	cmd := testCommand()
	if err := cmd.Flags().Set("migrations", filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatal(err)
	}
	if _, err := Bootstrap(cmd, WithManager()); err == nil {
		t.Fatal("expected an error for a missing migrations directory")
	}
}

func TestBootstrap_BadOutputFormat(t *testing.T) {
	isolate(t)
	cmd := testCommand()
	if err := cmd.Flags().Set("output", "xml"); err != nil {
		t.Fatal(err)
	}
	if _, err := Bootstrap(cmd, Options{}); err == nil {
		t.Fatal("expected an error for an unknown output format")
	}
}

func TestWithManagerOptions(t *testing.T) {
	opts := WithManager()
	if !opts.NeedsDB || !opts.NeedsManager {
		t.Errorf("WithManager() = %+v, want DB and manager", opts)
	}
	if DefaultOptions().NeedsManager {
		t.Error("DefaultOptions should not load migrations")
	}
}

func TestApp_Close_Multiple(t *testing.T) {
	dbPath := isolate(t)
	migrated(t, dbPath)

	app, err := Bootstrap(testCommand(), DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	app.Close()
	app.Close()
}
