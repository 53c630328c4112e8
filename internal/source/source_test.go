package source

import (
	"context"
	"testing"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/files"
	"github.com/lherron/upm/internal/logging"
	"github.com/lherron/upm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func migration(t *testing.T, def string) *domain.Migration {
	t.Helper()
	var m domain.Migration
	require.NoError(t, yaml.Unmarshal([]byte(def), &m))
	return &m
}

func legacyEnv(t *testing.T, stmts ...string) Env {
	t.Helper()
	path := testutil.SourceDB(t, stmts...)
	reg := connections.NewRegistry()
	require.NoError(t, reg.Register(domain.SourceDatabase{Key: "legacy", Driver: "sqlite3", Database: path}))
	t.Cleanup(func() { reg.Close() })
	return Env{Connections: reg, Logger: logging.Discard()}
}

func collect(t *testing.T, src Source) []*domain.Row {
	t.Helper()
	var rows []*domain.Row
	require.NoError(t, src.Each(context.Background(), func(r *domain.Row) error {
		rows = append(rows, r)
		return nil
	}))
	return rows
}

func TestSQLSourceReadsInIDOrder(t *testing.T) {
	env := legacyEnv(t,
		`CREATE TABLE node (nid INTEGER PRIMARY KEY, title TEXT, status INTEGER)`,
		`INSERT INTO node VALUES (3, 'Third', 1), (1, 'First', 1), (2, 'Second', 0)`,
	)
	m := migration(t, `
id: d7_node
source:
  plugin: sql
  key: legacy
  batch_size: 2
  table:
    name: node
    alias: n
    ids:
      nid: integer
  constants:
    type: article
process: {}
destination:
  plugin: table
`)
	src, err := NewRegistry().Build(m, env)
	require.NoError(t, err)

	assert.Equal(t, []domain.IDDefinition{{Name: "nid", Type: domain.IDTypeInteger, Alias: "n"}}, src.IDs())
	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows := collect(t, src)
	require.Len(t, rows, 3)
	var titles []any
	for _, r := range rows {
		titles = append(titles, r.SourceProperty("title"))
		assert.Equal(t, "article", r.SourceProperty("constants/type"))
		assert.False(t, r.IsStub())
	}
	assert.Equal(t, []any{"First", "Second", "Third"}, titles)

	ids, err := rows[0].SourceIDValues()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, ids)
}

func TestSQLSourceConditions(t *testing.T) {
	env := legacyEnv(t,
		`CREATE TABLE node (nid INTEGER PRIMARY KEY, status INTEGER)`,
		`INSERT INTO node VALUES (1, 1), (2, 0), (3, 1)`,
	)
	m := migration(t, `
id: d7_node
source:
  plugin: sql
  table:
    name: node
    ids:
      nid: integer
  conditions:
    - node.status = 1
process: {}
destination:
  plugin: table
`)
	src, err := NewRegistry().Build(m, env)
	require.NoError(t, err)

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, collect(t, src), 2)
	assert.Contains(t, src.(*SQL).Query(), `WHERE (node.status = 1)`)
}

func TestSQLSourceConfigErrors(t *testing.T) {
	env := legacyEnv(t)
	tests := []struct {
		name string
		def  string
		want string
	}{
		{"no table", `
id: broken
source:
  plugin: sql
`, "No source table defined"},
		{"no ids", `
id: broken
source:
  plugin: sql
  table:
    name: node
`, "No source table ids defined"},
		{"bad table name", `
id: broken
source:
  plugin: sql
  table:
    name: "node; drop"
    ids:
      nid: integer
`, "source table"},
		{"unknown plugin", `
id: broken
source:
  plugin: csv
`, "unknown source plugin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Build(migration(t, tt.def), env)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSQLSourceUnregisteredDatabase(t *testing.T) {
	env := legacyEnv(t)
	m := migration(t, `
id: d7_node
source:
  plugin: sql
  key: missing
  table:
    name: node
    ids:
      nid: integer
`)
	src, err := NewRegistry().Build(m, env)
	require.NoError(t, err)
	err = src.Each(context.Background(), func(*domain.Row) error { return nil })
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestD7UserPreset(t *testing.T) {
	env := legacyEnv(t,
		`CREATE TABLE users (uid INTEGER PRIMARY KEY, name TEXT, mail TEXT, data TEXT)`,
		`CREATE TABLE users_roles (uid INTEGER, rid INTEGER)`,
		`INSERT INTO users VALUES (0, '', '', NULL), (1, 'admin', 'admin@example.com', '{"contact":1,"overlay":0}'), (2, 'editor', 'ed@example.com', 'a:0:{}')`,
		`INSERT INTO users_roles VALUES (1, 3), (1, 2), (2, 4)`,
	)
	m := migration(t, `
id: d7_user
source:
  plugin: d7_user
  key: legacy
process: {}
destination:
  plugin: table
`)
	src, err := NewRegistry().Build(m, env)
	require.NoError(t, err)

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "anonymous user is excluded")

	rows := collect(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, "admin", rows[0].SourceProperty("name"))
	assert.Equal(t, []any{int64(2), int64(3)}, rows[0].SourceProperty("roles"))
	assert.Equal(t, map[string]any{"contact": float64(1), "overlay": float64(0)}, rows[0].SourceProperty("data"))
	assert.Equal(t, []any{int64(4)}, rows[1].SourceProperty("roles"))
	assert.Equal(t, "a:0:{}", rows[1].SourceProperty("data"))
	assert.Equal(t, "u", src.IDs()[0].Alias)
}

func TestD7UserPresetCanBeOverridden(t *testing.T) {
	m := migration(t, `
id: d7_user
source:
  plugin: d7_user
  table:
    name: legacy_users
  conditions:
    - u.status = 1
`)
	reg := NewRegistry()
	cfg, err := reg.Config(m)
	require.NoError(t, err)
	var got sqlSettings
	require.NoError(t, cfg.Decode(&got))
	assert.Equal(t, "legacy_users", got.Table.Name)
	assert.Equal(t, "u", got.Table.Alias)
	assert.Equal(t, []string{"uid"}, got.Table.IDs.Names())
	// Lists replace the preset's; the anonymous user filter is not kept.
	assert.Equal(t, []string{"u.status = 1"}, got.Conditions)
}

func TestEmbeddedSource(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "data/terms.yaml", `
- tid: 20
  name: Beta
- tid: 10
  name: Alpha
`)
	stream, err := files.NewStream(dir)
	require.NoError(t, err)

	m := migration(t, `
id: d7_term
source:
  plugin: embedded_data
  ids:
    tid: integer
  data_rows:
    - tid: 5
      name: Inline
  data_file: migration://data/terms.yaml
  constants:
    vocabulary: tags
process: {}
destination:
  plugin: table
`)
	src, err := NewRegistry().Build(m, Env{Files: stream})
	require.NoError(t, err)

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows := collect(t, src)
	var names []any
	for _, r := range rows {
		names = append(names, r.SourceProperty("name"))
		assert.Equal(t, "tags", r.SourceProperty("constants/vocabulary"))
		assert.False(t, r.HasSourceProperty("data_rows"))
	}
	assert.Equal(t, []any{"Inline", "Alpha", "Beta"}, names)
}

func TestEmbeddedSourceErrors(t *testing.T) {
	stream, err := files.NewStream(t.TempDir())
	require.NoError(t, err)
	tests := []struct {
		name string
		def  string
	}{
		{"no ids", `
id: broken
source:
  plugin: embedded_data
  data_rows: []
`},
		{"missing id value", `
id: broken
source:
  plugin: embedded_data
  ids:
    tid: integer
  data_rows:
    - name: no id
`},
		{"missing file", `
id: broken
source:
  plugin: embedded_data
  ids:
    tid: integer
  data_file: migration://nope.yaml
`},
		{"external file", `
id: broken
source:
  plugin: embedded_data
  ids:
    tid: integer
  data_file: https://example.com/terms.yaml
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Build(migration(t, tt.def), Env{Files: stream})
			assert.ErrorIs(t, err, domain.ErrConfig)
		})
	}
}
