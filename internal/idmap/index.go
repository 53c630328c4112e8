package idmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/lherron/upm/internal/domain"
)

// IndexResult is the outcome of EnsureSourceIndex.
type IndexResult int

const (
	IndexCreated IndexResult = iota
	IndexExists
	IndexSkipped
)

func (r IndexResult) String() string {
	switch r {
	case IndexCreated:
		return "created"
	case IndexExists:
		return "exists"
	case IndexSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("index(%d)", int(r))
	}
}

// MaxIndexedStringIDs is the number of string id columns above which no
// unique index is built. Composite keys over more text columns risk
// exceeding the 767 byte index key limit of MySQL InnoDB.
const MaxIndexedStringIDs = 2

// ShouldIndexSource reports whether a unique index over the source id
// columns of ids may be created.
func ShouldIndexSource(ids []domain.IDDefinition) bool {
	strs := 0
	for _, def := range ids {
		if def.Type == domain.IDTypeString {
			strs++
		}
	}
	return strs <= MaxIndexedStringIDs
}

// SourceIndexName returns the name of the unique source index of a migration.
func SourceIndexName(migrationID string) string {
	return MapTableName(migrationID) + "__source"
}

// EnsureSourceIndex creates the unique index over sourceid1..N. It is a
// no-op when an index with that name exists, and is skipped when
// ShouldIndexSource is false. Lookups are correct either way.
func (m *SQLMap) EnsureSourceIndex(ctx context.Context) (IndexResult, error) {
	name := SourceIndexName(m.migrationID)

	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	if n > 0 {
		return IndexExists, nil
	}

	if !ShouldIndexSource(m.sourceIDs) {
		return IndexSkipped, nil
	}

	cols := make([]string, len(m.sourceIDs))
	for i := range m.sourceIDs {
		cols[i] = fmt.Sprintf("sourceid%d", i+1)
	}
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", name, m.mapTable, strings.Join(cols, ", "))
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return 0, fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return IndexCreated, nil
}
