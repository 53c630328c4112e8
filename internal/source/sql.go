package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 1000

// Table names the source table of a SQL source.
type Table struct {
	Name  string        `yaml:"name"`
	Alias string        `yaml:"alias"`
	IDs   domain.IDList `yaml:"ids"`
}

// AliasOrName returns the alias used in queries.
func (t Table) AliasOrName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

type sqlSettings struct {
	// Key selects a registered database; empty means the first one.
	Key        string   `yaml:"key"`
	Table      Table    `yaml:"table"`
	Conditions []string `yaml:"conditions"`
	BatchSize  int      `yaml:"batch_size"`
}

// PrepareFunc adjusts a row after it is read. Returning false drops the row.
type PrepareFunc func(ctx context.Context, conn *connections.Conn, row *domain.Row) (bool, error)

// SQL reads rows from one table of a registered database.
type SQL struct {
	migrationID string
	settings    sqlSettings
	ids         []domain.IDDefinition
	defaults    map[string]any
	conns       *connections.Registry
	log         logrus.FieldLogger
	prepare     PrepareFunc
}

func newSQL(migrationID string, cfg domain.PluginConfig, env Env) (Source, error) {
	return NewSQL(migrationID, cfg, env, nil)
}

// NewSQL builds a SQL source. prepare may be nil.
func NewSQL(migrationID string, cfg domain.PluginConfig, env Env, prepare PrepareFunc) (*SQL, error) {
	var s sqlSettings
	if err := cfg.Decode(&s); err != nil {
		return nil, domain.ConfigError("%s: source: %v", migrationID, err)
	}
	if s.Table.Name == "" {
		return nil, domain.ConfigError("%s: No source table defined. Set this in the migration definition or in the source plugin.", migrationID)
	}
	if len(s.Table.IDs) == 0 {
		return nil, domain.ConfigError("%s: No source table ids defined. Set this in the migration definition or in the source plugin.", migrationID)
	}
	if err := domain.ValidateIdentifier(s.Table.Name); err != nil {
		return nil, domain.ConfigError("%s: source table: %v", migrationID, err)
	}
	if err := domain.ValidateIdentifier(s.Table.AliasOrName()); err != nil {
		return nil, domain.ConfigError("%s: source alias: %v", migrationID, err)
	}
	if err := domain.ValidateIDList(s.Table.IDs); err != nil {
		return nil, domain.ConfigError("%s: source ids: %v", migrationID, err)
	}
	if env.Connections == nil {
		return nil, domain.ConfigError("%s: no database registry available", migrationID)
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}

	ids := make([]domain.IDDefinition, len(s.Table.IDs))
	for i, def := range s.Table.IDs {
		def.Alias = s.Table.AliasOrName()
		ids[i] = def
	}
	defaults, err := Defaults(cfg)
	if err != nil {
		return nil, domain.ConfigError("%s: sql: %v", migrationID, err)
	}
	log := env.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SQL{
		migrationID: migrationID,
		settings:    s,
		ids:         ids,
		defaults:    defaults,
		conns:       env.Connections,
		log:         log,
		prepare:     prepare,
	}, nil
}

func (s *SQL) IDs() []domain.IDDefinition {
	return s.ids
}

// Key returns the configured database key.
func (s *SQL) Key() string {
	return s.settings.Key
}

// Query returns the select statement without paging.
func (s *SQL) Query() string {
	alias := s.settings.Table.AliasOrName()
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s.* FROM %s %s", quote(alias), quote(s.settings.Table.Name), quote(alias))
	s.where(&b)
	order := make([]string, len(s.ids))
	for i, def := range s.ids {
		order[i] = quote(alias) + "." + quote(def.Name)
	}
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	return b.String()
}

func (s *SQL) where(b *strings.Builder) {
	if len(s.settings.Conditions) == 0 {
		return
	}
	parts := make([]string, len(s.settings.Conditions))
	for i, c := range s.settings.Conditions {
		parts[i] = "(" + c + ")"
	}
	b.WriteString(" WHERE " + strings.Join(parts, " AND "))
}

func (s *SQL) Count(ctx context.Context) (int, error) {
	conn, err := s.conns.Open(ctx, s.settings.Key)
	if err != nil {
		return 0, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s %s", quote(s.settings.Table.Name), quote(s.settings.Table.AliasOrName()))
	s.where(&b)
	var n int
	if err := conn.DB.QueryRowContext(ctx, b.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: failed to count source rows: %w", s.migrationID, err)
	}
	return n, nil
}

// Each reads the table in batches so no cursor stays open while fn writes.
func (s *SQL) Each(ctx context.Context, fn func(*domain.Row) error) error {
	conn, err := s.conns.Open(ctx, s.settings.Key)
	if err != nil {
		return err
	}
	query := s.Query() + " LIMIT ? OFFSET ?"
	for offset := 0; ; offset += s.settings.BatchSize {
		batch, err := s.fetch(ctx, conn, query, offset)
		if err != nil {
			return err
		}
		for _, values := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := newRow(values, s.defaults, s.ids)
			if s.prepare != nil {
				keep, err := s.prepare(ctx, conn, row)
				if err != nil {
					return fmt.Errorf("%s: prepare row: %w", s.migrationID, err)
				}
				if !keep {
					continue
				}
			}
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(batch) < s.settings.BatchSize {
			return nil
		}
	}
}

func (s *SQL) fetch(ctx context.Context, conn *connections.Conn, query string, offset int) ([]map[string]any, error) {
	rows, err := conn.DB.QueryContext(ctx, query, s.settings.BatchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query source: %w", s.migrationID, err)
	}
	defer rows.Close()
	out, err := scanMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read source: %w", s.migrationID, err)
	}
	s.log.WithFields(logrus.Fields{"offset": offset, "rows": len(out)}).Debug("source batch")
	return out, nil
}

func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = columnValue(raw[i])
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func columnValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
