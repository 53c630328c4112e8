package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/events"
)

// MySQL connection defaults applied when a field is left empty.
const (
	DefaultMySQLHost = "localhost"
	DefaultMySQLPort = 3306
)

// DatabaseStore persists registered source and destination connections.
type DatabaseStore struct {
	store *Store
}

// ApplyDefaults fills the driver specific defaults of a connection.
func ApplyDefaults(d *domain.SourceDatabase) {
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.Driver == "mysql" {
		if d.Host == "" {
			d.Host = DefaultMySQLHost
		}
		if d.Port == 0 {
			d.Port = DefaultMySQLPort
		}
	}
}

// Add registers a connection. Registering the same settings twice is a
// no-op; registering different settings under an existing key is an error.
func (ds *DatabaseStore) Add(d domain.SourceDatabase) (*domain.SourceDatabase, error) {
	ApplyDefaults(&d)
	if err := domain.ValidateDatabaseKey(d.Key); err != nil {
		return nil, err
	}
	if err := domain.ValidateDriver(d.Driver); err != nil {
		return nil, err
	}
	if d.Database == "" {
		return nil, fmt.Errorf("database %q: database name is required", d.Key)
	}

	err := ds.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		existing, err := getDatabase(tx, d.Key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			if sameConnection(*existing, d) {
				d.CreatedAt = existing.CreatedAt
				return nil
			}
			return fmt.Errorf("database %q is already registered with different settings", d.Key)
		}

		_, err = tx.Exec(`
			INSERT INTO source_databases (key, driver, host, port, database, username, password)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, d.Key, d.Driver, d.Host, d.Port, d.Database, d.Username, d.Password)
		if err != nil {
			return fmt.Errorf("failed to register database %s: %w", d.Key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ds.Get(d.Key)
}

// Get returns a registered connection by key.
func (ds *DatabaseStore) Get(key string) (*domain.SourceDatabase, error) {
	return getDatabase(ds.store.db, key)
}

// Default returns the first registered connection.
func (ds *DatabaseStore) Default() (*domain.SourceDatabase, error) {
	var key string
	err := ds.store.db.QueryRow(`SELECT key FROM source_databases ORDER BY rowid LIMIT 1`).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no database registered", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read default database: %w", err)
	}
	return ds.Get(key)
}

// List returns all registered connections in registration order.
func (ds *DatabaseStore) List() ([]domain.SourceDatabase, error) {
	rows, err := ds.store.db.Query(`
		SELECT key, driver, host, port, database, username, password, created_at
		FROM source_databases ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceDatabase
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Remove unregisters a connection.
func (ds *DatabaseStore) Remove(key string) error {
	res, err := ds.store.db.Exec(`DELETE FROM source_databases WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to remove database %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: database %q", domain.ErrNotFound, key)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getDatabase(q rowQuerier, key string) (*domain.SourceDatabase, error) {
	row := q.QueryRow(`
		SELECT key, driver, host, port, database, username, password, created_at
		FROM source_databases WHERE key = ?
	`, key)
	d, err := scanDatabase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: database %q is not registered", domain.ErrNotFound, key)
	}
	return d, err
}

func scanDatabase(s rowScanner) (*domain.SourceDatabase, error) {
	var d domain.SourceDatabase
	var createdAt string
	if err := s.Scan(&d.Key, &d.Driver, &d.Host, &d.Port, &d.Database, &d.Username, &d.Password, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan database: %w", err)
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func sameConnection(a, b domain.SourceDatabase) bool {
	return a.Driver == b.Driver && a.Host == b.Host && a.Port == b.Port &&
		a.Database == b.Database && a.Username == b.Username && a.Password == b.Password
}
