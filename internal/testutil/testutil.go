package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lherron/upm/internal/db"
	"github.com/lherron/upm/internal/domain"
)

// TempDB creates a temporary migrated state database.
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database, dbPath
}

// ReopenDB opens a second handle on an existing database file, as another
// process would.
func ReopenDB(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// SourceDB creates a plain sqlite database seeded with the given statements
// and returns its path.
func SourceDB(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open source database: %v", err)
	}
	defer conn.Close()
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed source database: %v\n%s", err, stmt)
		}
	}
	return path
}

// WriteFile writes content to a file in a temporary directory
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// IntIDs is a single integer id schema named name.
func IntIDs(name string) []domain.IDDefinition {
	return []domain.IDDefinition{{Name: name, Type: domain.IDTypeInteger}}
}

// Imported is one call recorded by a Destination.
type Imported struct {
	Values map[string]any
	Stub   bool
	Update []any
	DestID int64
}

// Destination is an in-memory destination that assigns sequential integer
// ids and records every import.
type Destination struct {
	mu      sync.Mutex
	next    int64
	Records map[int64]map[string]any
	Calls   []Imported
	// FailStubs makes every stub import fail.
	FailStubs bool
	// Fail makes the import of a row fail when it returns an error.
	Fail func(row *domain.Row) error
	// RolledBack lists destination ids passed to Rollback.
	RolledBack []int64
}

// NewDestination creates an empty recording destination.
func NewDestination() *Destination {
	return &Destination{Records: map[int64]map[string]any{}}
}

// IDs returns the destination id schema.
func (d *Destination) IDs() []domain.IDDefinition {
	return IntIDs("id")
}

// Import stores the destination values of row. Rows that carry an id map
// entry with a destination update that record in place.
func (d *Destination) Import(ctx context.Context, row *domain.Row) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if row.IsStub() && d.FailStubs {
		return nil, fmt.Errorf("stub import rejected")
	}
	if d.Fail != nil {
		if err := d.Fail(row); err != nil {
			return nil, err
		}
	}

	var id int64
	var update []any
	if row.NeedsUpdate() {
		update = row.IDMap().DestIDs
		id = update[0].(int64)
	} else {
		d.next++
		id = d.next
	}
	d.Records[id] = row.Destination()
	d.Calls = append(d.Calls, Imported{Values: row.Destination(), Stub: row.IsStub(), Update: update, DestID: id})
	return []any{id}, nil
}

// Rollback deletes a record.
func (d *Destination) Rollback(ctx context.Context, destIDs []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := destIDs[0].(int64)
	delete(d.Records, id)
	d.RolledBack = append(d.RolledBack, id)
	return nil
}

// Count returns the number of stored records.
func (d *Destination) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Records)
}
