package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/migrate"
	"github.com/lherron/upm/internal/testutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliUsers = `
id: users
migration_group: legacy
source:
  plugin: embedded_data
  ids: {uid: integer}
  data_rows:
    - {uid: 1, name: alice}
    - {uid: 2, name: bob}
process:
  name: name
destination:
  plugin: table
  key: target
  table: users
  stub_defaults: {name: placeholder}
`

const cliNodes = `
id: nodes
migration_group: legacy
source:
  plugin: embedded_data
  ids: {nid: integer}
  data_rows:
    - {nid: 10, title: First, author: 2}
    - {nid: 11, title: Second, author: 3}
process:
  title: title
  uid:
    plugin: migration_lookup
    migration: users
    source: author
destination:
  plugin: table
  key: target
  table: nodes
`

// resetFlags restores every flag to its default, since command flags are
// bound to package variables that outlive one Execute.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	resetFlags(root)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("UPM_DB_PATH", filepath.Join(home, "state.db"))
	t.Setenv("UPM_LOG_LEVEL", "warn")

	dir := filepath.Join(home, "migrations")
	testutil.WriteFile(t, dir, "legacy.yml", cliUsers+"---\n"+cliNodes)
	t.Setenv("UPM_MIGRATIONS_DIR", dir)
	t.Setenv("UPM_SOURCE_PATH", home)

	return testutil.SourceDB(t,
		`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`,
		`CREATE TABLE nodes (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT, uid INTEGER)`,
	)
}

func TestCommandsEndToEnd(t *testing.T) {
	target := setupWorkspace(t)

	out, err := execute(t, rootAdmCmd, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied")

	out, err = execute(t, rootAdmCmd, "db", "add", "target", "--driver", "sqlite3", "--database", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered target")

	out, err = execute(t, rootAdmCmd, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 migration(s) valid")

	out, err = execute(t, rootCmd, "import", "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "nodes: processed 2, imported 2")

	out, err = execute(t, rootCmd, "status", "users", "-o", "json")
	require.NoError(t, err)
	var statuses []migrate.Status
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.MapCounts{Total: 2, NeedsUpdate: 2}, statuses[0].Map)

	out, err = execute(t, rootCmd, "import", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "users: processed 2, imported 1, updated 1")
	assert.Contains(t, out, "nodes: processed 0, skipped 2")

	out, err = execute(t, rootCmd, "lookup", "users", "3", "-o", "tsv")
	require.NoError(t, err)
	assert.Contains(t, out, "3\t2\tneeds_update")

	out, err = execute(t, rootCmd, "lookup", "--reverse", "users", "1", "-o", "tsv")
	require.NoError(t, err)
	assert.Contains(t, out, "2\t1\timported")

	out, err = execute(t, rootCmd, "log", "users", "-o", "json")
	require.NoError(t, err)
	var runs []domain.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 1)

	out, err = execute(t, rootCmd, "rollback", "group:legacy")
	require.NoError(t, err)
	assert.Contains(t, out, "nodes: rolled back 2 entries")
	assert.Contains(t, out, "users: rolled back 3 entries")

	out, err = execute(t, rootCmd, "reset", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "users: not locked")

	out, err = execute(t, rootAdmCmd, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "migrate_map_users__source")
}

func TestImportRequiresSelection(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, rootAdmCmd, "migrate")
	require.NoError(t, err)

	_, err = execute(t, rootCmd, "import")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	_, err = execute(t, rootCmd, "import", "comments")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommandsRequireMigratedState(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, rootCmd, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upmadm migrate")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 5, ExitCode(exitError(5, assert.AnError)))
	assert.Equal(t, 2, ExitCode(domain.ConfigError("bad")))
	assert.Equal(t, 1, ExitCode(assert.AnError))
}
