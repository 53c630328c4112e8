package process

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/domain"
	"github.com/tidwall/gjson"
)

// Get reads source or destination properties of the row. With a single
// source the value is returned as is; with several, as a sequence.
type Get struct {
	Sources domain.StringList
}

func newGet(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	if !cfg.HasSource {
		return nil, domain.ConfigError("%s: get requires a source", bc.MigrationID)
	}
	return &Get{Sources: cfg.Source}, nil
}

func (g *Get) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	return Extract(row, g.Sources), nil
}

// Extract resolves property references against row.
func Extract(row *domain.Row, sources []string) any {
	if len(sources) == 1 {
		return row.Property(domain.ParsePropertyRef(sources[0]))
	}
	out := make([]any, len(sources))
	for i, s := range sources {
		out[i] = row.Property(domain.ParsePropertyRef(s))
	}
	return out
}

// DefaultValue substitutes a default for empty input. With strict, only a
// nil value is replaced.
type DefaultValue struct {
	Default any
	Strict  bool
}

func newDefaultValue(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	var c struct {
		DefaultValue *any `yaml:"default_value"`
		Strict       bool `yaml:"strict"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, domain.ConfigError("%s: default_value: %v", bc.MigrationID, err)
	}
	if c.DefaultValue == nil {
		return nil, domain.ConfigError("%s: default_value requires a default_value", bc.MigrationID)
	}
	return &DefaultValue{Default: *c.DefaultValue, Strict: c.Strict}, nil
}

func (d *DefaultValue) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	if d.Strict {
		if value == nil {
			return d.Default, nil
		}
		return value, nil
	}
	if IsEmpty(value) {
		return d.Default, nil
	}
	return value, nil
}

// StaticMap maps input values through a fixed table. A sequence input walks
// nested mappings.
type StaticMap struct {
	Map        map[string]any
	Default    any
	HasDefault bool
	Bypass     bool
}

func newStaticMap(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	var c struct {
		Map          map[string]any `yaml:"map"`
		DefaultValue *any           `yaml:"default_value"`
		Bypass       bool           `yaml:"bypass"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, domain.ConfigError("%s: static_map: %v", bc.MigrationID, err)
	}
	if c.Map == nil {
		return nil, domain.ConfigError("%s: static_map requires a map", bc.MigrationID)
	}
	s := &StaticMap{Map: c.Map, Bypass: c.Bypass}
	if c.DefaultValue != nil {
		s.Default, s.HasDefault = *c.DefaultValue, true
	}
	return s, nil
}

func (s *StaticMap) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	keys, ok := AsSlice(value)
	if !ok {
		keys = []any{value}
	}

	var cur any = s.Map
	found := true
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			found = false
			break
		}
		next, ok := m[fmt.Sprint(k)]
		if !ok {
			found = false
			break
		}
		cur = next
	}
	if found {
		return cur, nil
	}
	if s.HasDefault {
		return s.Default, nil
	}
	if s.Bypass {
		return value, nil
	}
	return nil, &domain.SkipRowError{
		Message:   fmt.Sprintf("no static mapping found for '%v' and no default value provided for destination '%s'", value, destinationProperty),
		SaveToMap: true,
	}
}

// SkipOnEmpty skips the row or the field when the value is empty.
type SkipOnEmpty struct {
	Method  string
	Message string
}

func newSkipOnEmpty(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	var c struct {
		Method  string `yaml:"method"`
		Message string `yaml:"message"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, domain.ConfigError("%s: skip_on_empty: %v", bc.MigrationID, err)
	}
	switch c.Method {
	case "row", "process":
	default:
		return nil, domain.ConfigError("%s: skip_on_empty method must be row or process, got %q", bc.MigrationID, c.Method)
	}
	return &SkipOnEmpty{Method: c.Method, Message: c.Message}, nil
}

func (s *SkipOnEmpty) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	if !IsEmpty(value) {
		return value, nil
	}
	if s.Method == "row" {
		return nil, &domain.SkipRowError{Message: s.Message, SaveToMap: true}
	}
	return nil, &domain.SkipProcessError{Message: s.Message}
}

// ExtractJSON reads a gjson path out of a JSON document.
type ExtractJSON struct {
	Path    string
	Default any
}

func newExtractJSON(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	var c struct {
		Path    string `yaml:"path"`
		Default any    `yaml:"default"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, domain.ConfigError("%s: extract_json: %v", bc.MigrationID, err)
	}
	if c.Path == "" {
		return nil, domain.ConfigError("%s: extract_json requires a path", bc.MigrationID)
	}
	return &ExtractJSON{Path: c.Path, Default: c.Default}, nil
}

func (e *ExtractJSON) Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error) {
	var doc string
	switch v := value.(type) {
	case nil:
		return e.Default, nil
	case string:
		doc = v
	case []byte:
		doc = string(v)
	default:
		return nil, fmt.Errorf("extract_json: expected a JSON string, got %T", value)
	}
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("extract_json: input is not valid JSON")
	}
	res := gjson.Get(doc, e.Path)
	if !res.Exists() {
		return e.Default, nil
	}
	return res.Value(), nil
}
