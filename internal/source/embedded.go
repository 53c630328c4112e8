package source

import (
	"context"
	"fmt"
	"sort"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/files"
	"gopkg.in/yaml.v3"
)

type embeddedSettings struct {
	IDs      domain.IDList    `yaml:"ids"`
	DataRows []map[string]any `yaml:"data_rows"`
	// DataFile is a migration:// path to a YAML or JSON list of rows.
	DataFile string `yaml:"data_file"`
}

// Embedded serves rows declared in the migration itself or in a data file
// under the migration source path.
type Embedded struct {
	ids      []domain.IDDefinition
	rows     []map[string]any
	defaults map[string]any
}

func newEmbedded(migrationID string, cfg domain.PluginConfig, env Env) (Source, error) {
	var s embeddedSettings
	if err := cfg.Decode(&s); err != nil {
		return nil, domain.ConfigError("%s: embedded_data: %v", migrationID, err)
	}
	if len(s.IDs) == 0 {
		return nil, domain.ConfigError("%s: embedded_data requires ids", migrationID)
	}
	if err := domain.ValidateIDList(s.IDs); err != nil {
		return nil, domain.ConfigError("%s: embedded_data ids: %v", migrationID, err)
	}
	rows := s.DataRows
	if s.DataFile != "" {
		loaded, err := loadDataFile(env.Files, s.DataFile)
		if err != nil {
			return nil, domain.ConfigError("%s: embedded_data: %v", migrationID, err)
		}
		rows = append(rows, loaded...)
	}

	defaults, err := Defaults(cfg)
	if err != nil {
		return nil, domain.ConfigError("%s: embedded_data: %v", migrationID, err)
	}
	delete(defaults, "data_rows")
	e := &Embedded{ids: s.IDs, rows: rows, defaults: defaults}
	if err := e.sortRows(); err != nil {
		return nil, domain.ConfigError("%s: embedded_data: %v", migrationID, err)
	}
	return e, nil
}

func loadDataFile(stream *files.Stream, uri string) ([]map[string]any, error) {
	if stream == nil {
		return nil, fmt.Errorf("data_file %s: no source path configured", uri)
	}
	raw, err := stream.ReadFile(uri)
	if err != nil {
		return nil, err
	}
	// JSON is a subset of YAML.
	var rows []map[string]any
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("data_file %s: %w", uri, err)
	}
	return rows, nil
}

// sortRows orders rows by their normalized ids so iteration matches the
// ordering of SQL sources.
func (e *Embedded) sortRows() error {
	keys := make([][]any, len(e.rows))
	for i, values := range e.rows {
		k, err := domain.NewRow(values, e.ids, false).SourceIDValues()
		if err != nil {
			return fmt.Errorf("row %d: %w", i+1, err)
		}
		keys[i] = k
	}
	idx := make([]int, len(e.rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lessKey(keys[idx[a]], keys[idx[b]])
	})
	sorted := make([]map[string]any, len(e.rows))
	for i, j := range idx {
		sorted[i] = e.rows[j]
	}
	e.rows = sorted
	return nil
}

func lessKey(a, b []any) bool {
	for i := range a {
		switch x := a[i].(type) {
		case int64:
			y := b[i].(int64)
			if x != y {
				return x < y
			}
		case string:
			y := b[i].(string)
			if x != y {
				return x < y
			}
		}
	}
	return false
}

func (e *Embedded) IDs() []domain.IDDefinition {
	return e.ids
}

func (e *Embedded) Count(ctx context.Context) (int, error) {
	return len(e.rows), nil
}

func (e *Embedded) Each(ctx context.Context, fn func(*domain.Row) error) error {
	for _, values := range e.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(newRow(values, e.defaults, e.ids)); err != nil {
			return err
		}
	}
	return nil
}
