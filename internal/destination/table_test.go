package destination

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const usersSchema = `CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT,
	status INTEGER,
	roles TEXT
)`

type fixture struct {
	dest *Table
	db   *sql.DB
	hook *test.Hook
}

func newFixture(t *testing.T, destYAML string, stmts ...string) fixture {
	t.Helper()
	path := testutil.SourceDB(t, stmts...)
	reg := connections.NewRegistry()
	require.NoError(t, reg.Register(domain.SourceDatabase{Key: "target", Driver: "sqlite3", Database: path}))
	t.Cleanup(func() { reg.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	hook := test.NewLocal(logger)

	var m domain.Migration
	require.NoError(t, yaml.Unmarshal([]byte("id: d7_user\ndestination:\n"+destYAML), &m))
	d, err := NewRegistry().Build(&m, Env{Connections: reg, Logger: logger})
	require.NoError(t, err)

	conn, err := reg.Open(context.Background(), "target")
	require.NoError(t, err)
	return fixture{dest: d.(*Table), db: conn.DB, hook: hook}
}

func userRow(uid int, stub bool, values map[string]any) *domain.Row {
	row := domain.NewRow(map[string]any{"uid": uid}, testutil.IntIDs("uid"), stub)
	for k, v := range values {
		row.SetDestinationProperty(k, v)
	}
	return row
}

func readName(t *testing.T, db *sql.DB, id any) (string, int) {
	t.Helper()
	var name sql.NullString
	var status sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT name, status FROM users WHERE id = ?`, id).Scan(&name, &status))
	return name.String, int(status.Int64)
}

const usersDest = `
  plugin: table
  key: target
  table: users
  stub_defaults:
    status: 0
    name: placeholder
`

func TestTableInsertsWithAutoincrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usersDest, usersSchema)

	first, err := f.dest.Import(ctx, userRow(1, false, map[string]any{"name": "admin", "status": 1, "roles": []any{"editor", "admin"}}))
	require.NoError(t, err)
	second, err := f.dest.Import(ctx, userRow(2, false, map[string]any{"name": "editor", "status": 1}))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, first)
	assert.Equal(t, []any{int64(2)}, second)

	var roles string
	require.NoError(t, f.db.QueryRow(`SELECT roles FROM users WHERE id = 1`).Scan(&roles))
	assert.Equal(t, `["editor","admin"]`, roles)
}

func TestTableStubThenEnrich(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usersDest, usersSchema)

	stub := userRow(5, true, map[string]any{"name": nil})
	ids, err := f.dest.Import(ctx, stub)
	require.NoError(t, err)
	name, status := readName(t, f.db, ids[0])
	assert.Equal(t, "placeholder", name)
	assert.Equal(t, 0, status)

	full := userRow(5, false, map[string]any{"name": "alice", "status": 1})
	full.SetIDMap(&domain.MapEntry{SourceIDs: []any{int64(5)}, DestIDs: ids, Status: domain.StatusNeedsUpdate})
	updated, err := f.dest.Import(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, ids, updated)

	name, status = readName(t, f.db, ids[0])
	assert.Equal(t, "alice", name)
	assert.Equal(t, 1, status)

	var diff string
	for _, e := range f.hook.AllEntries() {
		if strings.HasPrefix(e.Message, "stub enriched") {
			diff = e.Message
		}
	}
	require.NotEmpty(t, diff, "expected enrichment diff in debug log")
	assert.Contains(t, diff, "-name: placeholder")
	assert.Contains(t, diff, "+name: alice")
}

func TestTableReinsertsMissingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usersDest, usersSchema)

	row := userRow(9, false, map[string]any{"name": "ghost", "status": 1})
	row.SetIDMap(&domain.MapEntry{SourceIDs: []any{int64(9)}, DestIDs: []any{int64(42)}, Status: domain.StatusImported})
	ids, err := f.dest.Import(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, ids)

	name, _ := readName(t, f.db, 42)
	assert.Equal(t, "ghost", name)
}

func TestTableUUIDIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `
  plugin: table
  key: target
  table: terms
  id:
    name: uuid
    type: string
`, `CREATE TABLE terms (uuid TEXT PRIMARY KEY, name TEXT)`)

	assert.Equal(t, []domain.IDDefinition{{Name: "uuid", Type: domain.IDTypeString}}, f.dest.IDs())
	ids, err := f.dest.Import(ctx, userRow(1, false, map[string]any{"name": "Tags"}))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Len(t, ids[0].(string), 36)

	var name string
	require.NoError(t, f.db.QueryRow(`SELECT name FROM terms WHERE uuid = ?`, ids[0]).Scan(&name))
	assert.Equal(t, "Tags", name)
}

func TestTableRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usersDest, usersSchema)

	ids, err := f.dest.Import(ctx, userRow(1, false, map[string]any{"name": "admin"}))
	require.NoError(t, err)
	require.NoError(t, f.dest.Rollback(ctx, ids))
	require.NoError(t, f.dest.Rollback(ctx, ids))

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestTableFieldsFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `
  plugin: table
  key: target
  table: users
  fields: [name]
`, usersSchema)

	ids, err := f.dest.Import(ctx, userRow(1, false, map[string]any{"name": "admin", "unknown_column": "x"}))
	require.NoError(t, err)
	name, _ := readName(t, f.db, ids[0])
	assert.Equal(t, "admin", name)
}

func TestTableConfigErrors(t *testing.T) {
	reg := connections.NewRegistry()
	tests := []struct {
		name string
		cfg  string
	}{
		{"no table", "  plugin: table\n"},
		{"bad table", "  plugin: table\n  table: \"users; drop\"\n"},
		{"uuid integer", "  plugin: table\n  table: users\n  id_generation: uuid\n"},
		{"autoincrement string", "  plugin: table\n  table: users\n  id:\n    type: string\n  id_generation: autoincrement\n"},
		{"unknown generation", "  plugin: table\n  table: users\n  id_generation: sequence\n"},
		{"unknown plugin", "  plugin: csv\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m domain.Migration
			require.NoError(t, yaml.Unmarshal([]byte("id: broken\ndestination:\n"+tt.cfg), &m))
			_, err := NewRegistry().Build(&m, Env{Connections: reg})
			assert.ErrorIs(t, err, domain.ErrConfig)
		})
	}
}
