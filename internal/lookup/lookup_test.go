package lookup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/idmap"
	"github.com/lherron/upm/internal/logging"
	"github.com/lherron/upm/internal/metrics"
	"github.com/lherron/upm/internal/process"
	"github.com/lherron/upm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type stubEvent struct {
	owner string
	src   []any
	dest  []any
}

type recorder struct {
	mu     sync.Mutex
	events []stubEvent
}

func (r *recorder) StubCreated(runUUID *string, ownerID string, sourceIDs, destIDs []any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stubEvent{owner: ownerID, src: sourceIDs, dest: destIDs})
	return nil
}

type fakeCatalog struct {
	path       string
	reg        *process.Registry
	migrations map[string]*domain.Migration
	maps       map[string]*idmap.SQLMap
	dests      map[string]*testutil.Destination
}

func (c *fakeCatalog) Migration(id string) (*domain.Migration, error) {
	m, ok := c.migrations[id]
	if !ok {
		return nil, fmt.Errorf("migration %q: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (c *fakeCatalog) IDMap(ctx context.Context, id string) (idmap.Map, error) {
	m, ok := c.maps[id]
	if !ok {
		return nil, fmt.Errorf("migration %q: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (c *fakeCatalog) Pipeline(id, without string) (*process.Pipeline, error) {
	m, err := c.Migration(id)
	if err != nil {
		return nil, err
	}
	return c.reg.Build(m.Process.Without(without), process.BuildContext{MigrationID: id})
}

func (c *fakeCatalog) Destination(ctx context.Context, id string) (Importer, error) {
	return c.dests[id], nil
}

func (c *fakeCatalog) SourceDefaults(id string) (map[string]any, error) {
	m, err := c.Migration(id)
	if err != nil {
		return nil, err
	}
	values, err := m.Source.Settings()
	if err != nil {
		return nil, err
	}
	delete(values, "plugin")
	return values, nil
}

func (c *fakeCatalog) idMap(id string) *idmap.SQLMap {
	return c.maps[id]
}

// newCatalog loads migration definitions from YAML documents. Each
// definition declares its source ids under source.ids.
func newCatalog(t *testing.T, defs ...string) (*fakeCatalog, *Resolver, *recorder) {
	t.Helper()
	database, path := testutil.TempDB(t)
	c := &fakeCatalog{
		path:       path,
		reg:        process.NewRegistry(),
		migrations: map[string]*domain.Migration{},
		maps:       map[string]*idmap.SQLMap{},
		dests:      map[string]*testutil.Destination{},
	}
	for _, def := range defs {
		var m domain.Migration
		require.NoError(t, yaml.Unmarshal([]byte(def), &m))
		var src struct {
			IDs domain.IDList `yaml:"ids"`
		}
		require.NoError(t, m.Source.Decode(&src))
		dest := testutil.NewDestination()
		im, err := idmap.New(database.DB, m.ID, src.IDs, dest.IDs(), idmap.WithLogger(logging.Discard()))
		require.NoError(t, err)
		require.NoError(t, im.EnsureTables(context.Background()))
		c.migrations[m.ID] = &m
		c.maps[m.ID] = im
		c.dests[m.ID] = dest
	}
	rec := &recorder{}
	r := NewResolver(c, metrics.New(), rec)
	Register(c.reg, r)
	return c, r, rec
}

const userDef = `
id: d7_user
source:
  plugin: embedded_data
  ids:
    uid: integer
  constants:
    status: 0
process:
  name: name
  status: constants/status
destination:
  plugin: table
`

const nodeDef = `
id: d7_node
source:
  plugin: embedded_data
  ids:
    nid: integer
process:
  title: title
  uid:
    plugin: migration_lookup
    migration: d7_user
    source: author
destination:
  plugin: table
`

func exec(id string) process.Executor {
	return process.NewExecutor(id, logging.Discard())
}

func TestChooseStubOwner(t *testing.T) {
	tests := []struct {
		name       string
		current    string
		candidates []string
		stubID     string
		want       Owner
	}{
		{"self wins", "b", []string{"a", "b"}, "a", Owner{ID: "b"}},
		{"stub id", "c", []string{"a", "b"}, "b", Owner{ID: "b"}},
		{"sole candidate", "c", []string{"a"}, "", Owner{ID: "a"}},
		{"self only", "a", []string{"a"}, "", Owner{ID: "a"}},
		{"ambiguous", "c", []string{"a", "b"}, "", Owner{Ambiguous: true}},
		{"no candidates", "c", nil, "", Owner{Ambiguous: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseStubOwner(tt.current, tt.candidates, tt.stubID))
		})
	}
}

func TestResolveEmptyInputSkipsField(t *testing.T) {
	_, r, _ := newCatalog(t, userDef, nodeDef)
	row := domain.NewRow(map[string]any{"nid": 1}, testutil.IntIDs("nid"), false)

	for _, v := range []any{nil, "", 0, []any{}} {
		_, err := r.Resolve(context.Background(), v, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}})
		assert.True(t, domain.IsSkipProcess(err), "value %#v", v)
	}
}

func TestResolveReturnsExistingMapping(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, userDef, nodeDef)
	user := domain.NewRow(map[string]any{"uid": 7}, testutil.IntIDs("uid"), false)
	_, err := c.idMap("d7_user").Save(ctx, user, []any{int64(70)}, domain.StatusImported)
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"nid": 1, "author": 7}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(ctx, 7, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}})
	require.NoError(t, err)
	assert.Equal(t, int64(70), got)
	assert.Empty(t, c.dests["d7_user"].Calls)
}

func TestResolveFirstHitWinsAndRemapsKeys(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, userDef, nodeDef, `
id: d6_user
source:
  plugin: embedded_data
  ids:
    uid: integer
process: {}
destination:
  plugin: table
`)
	_, err := c.idMap("d6_user").Save(ctx, domain.NewRow(map[string]any{"uid": 3}, testutil.IntIDs("uid"), false), []any{int64(30)}, domain.StatusImported)
	require.NoError(t, err)
	_, err = c.idMap("d7_user").Save(ctx, domain.NewRow(map[string]any{"uid": 9}, testutil.IntIDs("uid"), false), []any{int64(90)}, domain.StatusImported)
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"nid": 1, "author": 9, "legacy_author": 3}, testutil.IntIDs("nid"), false)
	cfg := Config{
		Migrations: []string{"d6_user", "d7_user"},
		SourceIDs:  map[string][]string{"d6_user": {"legacy_author"}},
	}
	got, err := r.Resolve(ctx, 9, exec("d7_node"), row, "uid", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got)
}

func TestResolveAmbiguousMissCreatesNoStub(t *testing.T) {
	c, r, rec := newCatalog(t, userDef, nodeDef, `
id: d6_user
source:
  plugin: embedded_data
  ids:
    uid: integer
process: {}
destination:
  plugin: table
`)
	row := domain.NewRow(map[string]any{"nid": 1}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(context.Background(), 5, exec("d7_node"), row, "uid", Config{Migrations: []string{"d6_user", "d7_user"}})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, c.dests["d6_user"].Calls)
	assert.Empty(t, c.dests["d7_user"].Calls)
	assert.Empty(t, rec.events)
}

func TestResolveNoStub(t *testing.T) {
	c, r, _ := newCatalog(t, userDef, nodeDef)
	row := domain.NewRow(map[string]any{"nid": 1}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(context.Background(), 5, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}, NoStub: true})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, c.dests["d7_user"].Calls)
}

func TestResolveSelfHitSkipsRow(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, userDef)
	_, err := c.idMap("d7_user").Save(ctx, domain.NewRow(map[string]any{"uid": 5}, testutil.IntIDs("uid"), false), []any{int64(50)}, domain.StatusImported)
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"uid": 8, "duplicate_of": 5}, testutil.IntIDs("uid"), false)
	_, err = r.Resolve(ctx, 5, exec("d7_user"), row, "id", Config{Migrations: []string{"d7_user"}})
	skip, ok := domain.IsSkipRow(err)
	require.True(t, ok, "expected skip row, got %v", err)
	assert.Equal(t, []any{int64(50)}, skip.DestinationIDs)
	assert.True(t, skip.SaveToMap)
	assert.Equal(t, int64(50), row.DestinationProperty("id"))
}

func TestResolveOwnStubIsAdopted(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, userDef)
	stub := domain.NewRow(map[string]any{"uid": 5}, testutil.IntIDs("uid"), true)
	entry, err := c.idMap("d7_user").Save(ctx, stub, []any{int64(50)}, domain.StatusNeedsUpdate)
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"uid": 5}, testutil.IntIDs("uid"), false)
	row.SetIDMap(entry)
	got, err := r.Resolve(ctx, 5, exec("d7_user"), row, "id", Config{Migrations: []string{"d7_user"}})
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
}

func TestStubCreatedOnceThenReused(t *testing.T) {
	ctx := context.Background()
	c, r, rec := newCatalog(t, userDef, nodeDef)
	cfg := Config{Migrations: []string{"d7_user"}}

	first := domain.NewRow(map[string]any{"nid": 1, "author": 42}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(ctx, 42, exec("d7_node"), first, "uid", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	users := c.dests["d7_user"]
	require.Len(t, users.Calls, 1)
	assert.True(t, users.Calls[0].Stub)
	assert.Equal(t, 0, users.Calls[0].Values["status"])
	assert.Nil(t, users.Calls[0].Values["name"])

	entry, err := c.idMap("d7_user").Get(ctx, []any{42})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsUpdate, entry.Status)
	assert.Equal(t, []any{int64(1)}, entry.DestIDs)

	second := domain.NewRow(map[string]any{"nid": 2, "author": 42}, testutil.IntIDs("nid"), false)
	got, err = r.Resolve(ctx, "42", exec("d7_node"), second, "uid", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Len(t, users.Calls, 1)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "d7_user", rec.events[0].owner)
	assert.Equal(t, []any{int64(42)}, rec.events[0].src)
}

func TestStubFailureRecordsMessage(t *testing.T) {
	ctx := context.Background()
	c, r, rec := newCatalog(t, userDef, nodeDef)
	c.dests["d7_user"].FailStubs = true

	row := domain.NewRow(map[string]any{"nid": 1, "author": 42}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(ctx, 42, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}})
	require.NoError(t, err)
	assert.Nil(t, got)

	counts, err := c.idMap("d7_user").Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)

	msgs, err := c.idMap("d7_user").Messages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "stub: stub import rejected", msgs[0].Message)
	assert.Equal(t, domain.MessageError, msgs[0].Level)
	assert.Empty(t, rec.events)
}

func TestStubLosingSaveAdoptsWinner(t *testing.T) {
	ctx := context.Background()
	c, r, rec := newCatalog(t, userDef, nodeDef)
	users := c.dests["d7_user"]

	// Another process maps uid 42 while this one imports the stub.
	other, err := idmap.New(testutil.ReopenDB(t, c.path).DB, "d7_user", testutil.IntIDs("uid"), users.IDs(), idmap.WithLogger(logging.Discard()))
	require.NoError(t, err)
	users.Fail = func(row *domain.Row) error {
		_, err := other.Save(ctx, row, []any{int64(99)}, domain.StatusNeedsUpdate)
		return err
	}

	row := domain.NewRow(map[string]any{"nid": 1, "author": 42}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(ctx, 42, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}})
	require.NoError(t, err)
	assert.Equal(t, int64(99), got)
	assert.Equal(t, []int64{1}, users.RolledBack)
	assert.Zero(t, users.Count())
	assert.Empty(t, rec.events)

	entry, err := c.idMap("d7_user").Get(ctx, []any{42})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(99)}, entry.DestIDs)
	counts, err := c.idMap("d7_user").Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}

func TestStubProcessErrorReachesCaller(t *testing.T) {
	ctx := context.Background()
	c, r, rec := newCatalog(t, `
id: d7_profile
source:
  plugin: embedded_data
  ids:
    pid: integer
  constants:
    data: 5
process:
  bio:
    plugin: extract_json
    source: constants/data
    path: bio
destination:
  plugin: table
`)
	row := domain.NewRow(map[string]any{"nid": 1, "profile": 42}, testutil.IntIDs("nid"), false)
	got, err := r.Resolve(ctx, 42, exec("d7_node"), row, "profile", Config{Migrations: []string{"d7_profile"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a JSON string, got int")
	assert.Nil(t, got)

	msgs, err := c.idMap("d7_profile").Messages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, c.dests["d7_profile"].Calls)
	assert.Empty(t, rec.events)
}

func TestStubSkipSkipsOuterRow(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, nodeDef, `
id: d7_user
source:
  plugin: embedded_data
  ids:
    uid: integer
process:
  name:
    plugin: skip_on_empty
    method: row
    source: name
    message: anonymous account
destination:
  plugin: table
`)
	row := domain.NewRow(map[string]any{"nid": 1, "author": 42}, testutil.IntIDs("nid"), false)
	_, err := r.Resolve(ctx, 42, exec("d7_node"), row, "uid", Config{Migrations: []string{"d7_user"}})
	skip, ok := domain.IsSkipRow(err)
	require.True(t, ok, "expected skip row, got %v", err)
	assert.True(t, skip.SaveToMap)
	assert.Nil(t, skip.DestinationIDs)
	assert.Contains(t, skip.Message, "anonymous account")
	assert.Empty(t, c.dests["d7_user"].Calls)

	counts, err := c.idMap("d7_user").Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestStubOmitsResolvingField(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, `
id: d7_term
source:
  plugin: embedded_data
  ids:
    tid: integer
process:
  name: name
  parent:
    plugin: migration_lookup
    migration: d7_term
    source: parent_tid
destination:
  plugin: table
`)
	row := domain.NewRow(map[string]any{"tid": 1, "parent_tid": 2}, testutil.IntIDs("tid"), false)
	got, err := r.Resolve(ctx, 2, exec("d7_term"), row, "parent", Config{Migrations: []string{"d7_term"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	terms := c.dests["d7_term"]
	require.Len(t, terms.Calls, 1)
	_, hasParent := terms.Calls[0].Values["parent"]
	assert.False(t, hasParent)
}

func TestStubCycleIsCutByGuard(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newCatalog(t, `
id: alpha
source:
  plugin: embedded_data
  ids:
    id: integer
process:
  partner:
    plugin: migration_lookup
    migration: beta
    source: id
destination:
  plugin: table
`, `
id: beta
source:
  plugin: embedded_data
  ids:
    id: integer
process:
  other:
    plugin: migration_lookup
    migration: alpha
    source: id
destination:
  plugin: table
`)
	got, err := r.Stubs.Create(ctx, exec("gamma"), "alpha", "unrelated", []any{1})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, got)

	require.Len(t, c.dests["beta"].Calls, 1)
	assert.Nil(t, c.dests["beta"].Calls[0].Values["other"])
	require.Len(t, c.dests["alpha"].Calls, 1)
	assert.Equal(t, int64(1), c.dests["alpha"].Calls[0].Values["partner"])
}

func TestStepsValidateConfiguration(t *testing.T) {
	c, _, _ := newCatalog(t, userDef)
	bc := process.BuildContext{MigrationID: "d7_node"}

	tests := []struct {
		name     string
		settings map[string]any
		wantErr  bool
	}{
		{"single", map[string]any{"migration": "d7_user"}, false},
		{"missing", map[string]any{}, true},
		{"unknown", map[string]any{"migration": "nope"}, true},
		{"stub id outside candidates", map[string]any{"migration": "d7_user", "stub_id": "d6_user"}, true},
		{"remap outside candidates", map[string]any{"migration": "d7_user", "source_ids": map[string]any{"x": "y"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := domain.NewStepConfig("migration_lookup", tt.settings)
			require.NoError(t, err)
			_, err = c.reg.BuildStep(cfg, bc)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDynamicLookupTargets(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCatalog(t, userDef, nodeDef)
	_, err := c.idMap("d7_user").Save(ctx, domain.NewRow(map[string]any{"uid": 7}, testutil.IntIDs("uid"), false), []any{int64(70)}, domain.StatusImported)
	require.NoError(t, err)

	cfg, err := domain.NewStepConfig("migration_lookup_dynamic", map[string]any{"migration_name": []string{"@owner_migration"}})
	require.NoError(t, err)
	step, err := c.reg.BuildStep(cfg, process.BuildContext{MigrationID: "d7_node"})
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"nid": 1, "owner_migration": "wrong"}, testutil.IntIDs("nid"), false)
	row.SetDestinationProperty("owner_migration", "d7_user")

	targets, err := step.(*DynamicLookup).Targets(row)
	require.NoError(t, err)
	assert.Equal(t, []string{"d7_user"}, targets)

	got, err := step.Transform(ctx, 7, exec("d7_node"), row, "uid")
	require.NoError(t, err)
	assert.Equal(t, int64(70), got)

	row.SetDestinationProperty("owner_migration", "missing")
	_, err = step.Transform(ctx, 7, exec("d7_node"), row, "uid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDynamicLookupEscapedMarker(t *testing.T) {
	c, _, _ := newCatalog(t, userDef)
	cfg, err := domain.NewStepConfig("migration_lookup_dynamic", map[string]any{"migration_name": "@@target"})
	require.NoError(t, err)
	step, err := c.reg.BuildStep(cfg, process.BuildContext{MigrationID: "d7_node"})
	require.NoError(t, err)

	row := domain.NewRow(map[string]any{"@target": "d7_user"}, testutil.IntIDs("nid"), false)
	targets, err := step.(*DynamicLookup).Targets(row)
	require.NoError(t, err)
	assert.Equal(t, []string{"d7_user"}, targets)
}
