// Package connections keeps the registry of databases that sources and
// destinations read from and write to.
package connections

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

// SQLMode is applied to every MySQL session. It keeps the server strict
// about invalid data but leaves ONLY_FULL_GROUP_BY off, which legacy
// schemas routinely violate.
const SQLMode = "ANSI,STRICT_TRANS_TABLES,STRICT_ALL_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE,ERROR_FOR_DIVISION_BY_ZERO"

const openMaxElapsed = 30 * time.Second

// Loader resolves a key that was not registered in memory.
type Loader func(key string) (*domain.SourceDatabase, error)

// Conn is an open pool for one registered database.
type Conn struct {
	Key    string
	Driver string
	DB     *sql.DB
}

// Registry maps keys to connection settings and opens each pool once.
type Registry struct {
	mu     sync.Mutex
	defs   map[string]domain.SourceDatabase
	order  []string
	pools  map[string]*Conn
	loader Loader
	// defaultLoader resolves the empty key when nothing is registered in memory.
	defaultLoader func() (*domain.SourceDatabase, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  map[string]domain.SourceDatabase{},
		pools: map[string]*Conn{},
	}
}

// FromStore creates a registry that falls back to the persisted database list.
func FromStore(s *store.Store) *Registry {
	r := NewRegistry()
	r.loader = s.Databases.Get
	r.defaultLoader = s.Databases.Default
	return r
}

// Register adds connection settings under their key. Registering identical
// settings again is a no-op; conflicting settings are an error.
func (r *Registry) Register(d domain.SourceDatabase) error {
	store.ApplyDefaults(&d)
	if err := domain.ValidateDatabaseKey(d.Key); err != nil {
		return err
	}
	if err := domain.ValidateDriver(d.Driver); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[d.Key]; ok {
		if sameSettings(existing, d) {
			return nil
		}
		return fmt.Errorf("database %q is already registered with different settings", d.Key)
	}
	r.defs[d.Key] = d
	r.order = append(r.order, d.Key)
	return nil
}

// Keys returns the in-memory keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Lookup returns the settings for key. The empty key selects the first
// registered database.
func (r *Registry) Lookup(key string) (domain.SourceDatabase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(key)
}

func (r *Registry) lookupLocked(key string) (domain.SourceDatabase, error) {
	if key == "" {
		if len(r.order) > 0 {
			return r.defs[r.order[0]], nil
		}
		if r.defaultLoader != nil {
			d, err := r.defaultLoader()
			if err != nil {
				return domain.SourceDatabase{}, domain.ConfigError("no source databases defined; run 'upmadm db add' to add one")
			}
			return *d, nil
		}
		return domain.SourceDatabase{}, domain.ConfigError("no source databases defined; run 'upmadm db add' to add one")
	}
	if d, ok := r.defs[key]; ok {
		return d, nil
	}
	if r.loader != nil {
		d, err := r.loader(key)
		if err == nil {
			return *d, nil
		}
	}
	return domain.SourceDatabase{}, domain.ConfigError("database %q is not registered", key)
}

// Open returns the pool for key, opening it on first use.
func (r *Registry) Open(ctx context.Context, key string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.lookupLocked(key)
	if err != nil {
		return nil, err
	}
	if c, ok := r.pools[d.Key]; ok {
		return c, nil
	}

	dsn, err := DSN(d)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", d.Key, err)
	}
	if err := ping(ctx, db, d.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", d.Key, err)
	}

	c := &Conn{Key: d.Key, Driver: d.Driver, DB: db}
	r.pools[d.Key] = c
	return c, nil
}

// Close closes every opened pool.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, c := range r.pools {
		if err := c.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.pools, key)
	}
	return firstErr
}

// DSN renders the driver connection string of a database.
func DSN(d domain.SourceDatabase) (string, error) {
	switch d.Driver {
	case "mysql":
		cfg := mysql.NewConfig()
		cfg.User = d.Username
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
		cfg.ParseTime = true
		cfg.Params = map[string]string{"sql_mode": "'" + SQLMode + "'"}
		return cfg.FormatDSN(), nil
	case "sqlite3":
		if d.Database == "" {
			return "", domain.ConfigError("database %q: sqlite3 requires a file path", d.Key)
		}
		if strings.HasPrefix(d.Database, "file:") || d.Database == ":memory:" {
			return d.Database, nil
		}
		return "file:" + d.Database + "?_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", domain.ConfigError("database %q: unsupported driver %q", d.Key, d.Driver)
	}
}

// ping retries transient network failures of server databases.
func ping(ctx context.Context, db *sql.DB, driver string) error {
	if driver != "mysql" {
		return db.PingContext(ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil && isRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"bad connection", "invalid connection", "connection refused", "connection reset", "broken pipe", "i/o timeout", "gone away"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sameSettings(a, b domain.SourceDatabase) bool {
	return a.Driver == b.Driver && a.Host == b.Host && a.Port == b.Port &&
		a.Database == b.Database && a.Username == b.Username && a.Password == b.Password
}
