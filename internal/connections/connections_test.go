package connections

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/upm/internal/db"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsInitOnce(t *testing.T) {
	r := NewRegistry()
	d := domain.SourceDatabase{Key: "legacy", Database: "d7"}

	require.NoError(t, r.Register(d))
	require.NoError(t, r.Register(d))

	d.Database = "d8"
	assert.Error(t, r.Register(d))
	assert.Equal(t, []string{"legacy"}, r.Keys())

	got, err := r.Lookup("legacy")
	require.NoError(t, err)
	assert.Equal(t, "localhost", got.Host)
	assert.Equal(t, 3306, got.Port)
}

func TestLookupDefaultIsFirst(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("")
	assert.True(t, errors.Is(err, domain.ErrConfig))

	require.NoError(t, r.Register(domain.SourceDatabase{Key: "first", Driver: "sqlite3", Database: "a.db"}))
	require.NoError(t, r.Register(domain.SourceDatabase{Key: "second", Driver: "sqlite3", Database: "b.db"}))

	got, err := r.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Key)

	_, err = r.Lookup("third")
	assert.True(t, errors.Is(err, domain.ErrConfig))
}

func TestFromStoreFallsBack(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	s := store.New(database)
	_, err = s.Databases.Add(domain.SourceDatabase{Key: "persisted", Driver: "sqlite3", Database: filepath.Join(t.TempDir(), "src.db")})
	require.NoError(t, err)

	r := FromStore(s)
	got, err := r.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Key)
}

func TestOpenOncePerKey(t *testing.T) {
	r := NewRegistry()
	t.Cleanup(func() { r.Close() })
	require.NoError(t, r.Register(domain.SourceDatabase{Key: "src", Driver: "sqlite3", Database: filepath.Join(t.TempDir(), "src.db")}))

	a, err := r.Open(context.Background(), "src")
	require.NoError(t, err)
	b, err := r.Open(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "sqlite3", a.Driver)
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(domain.SourceDatabase{Key: "d7", Driver: "mysql", Host: "db", Port: 3307, Database: "drupal", Username: "u", Password: "p@ss"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "u:p@ss@tcp(db:3307)/drupal?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "sql_mode=")
	assert.NotContains(t, dsn, "NO_AUTO_CREATE_USER")

	dsn, err = DSN(domain.SourceDatabase{Key: "lite", Driver: "sqlite3", Database: "/tmp/x.db"})
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=on", dsn)

	_, err = DSN(domain.SourceDatabase{Key: "lite", Driver: "sqlite3"})
	assert.Error(t, err)
}
