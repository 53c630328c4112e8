// Package source provides the row iterators migrations read from.
package source

import (
	"context"
	"sort"
	"sync"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/files"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Source iterates the rows of one migration.
type Source interface {
	// IDs returns the source identity schema.
	IDs() []domain.IDDefinition
	// Each calls fn for every row in id order. Iteration stops at the first
	// error returned by fn.
	Each(ctx context.Context, fn func(*domain.Row) error) error
	// Count returns the number of rows Each would visit.
	Count(ctx context.Context) (int, error)
}

// Env carries the collaborators a source may need.
type Env struct {
	Connections *connections.Registry
	Files       *files.Stream
	Logger      logrus.FieldLogger
}

// Factory builds a source from the merged configuration of a migration.
type Factory func(migrationID string, cfg domain.PluginConfig, env Env) (Source, error)

type plugin struct {
	factory Factory
	preset  domain.PluginConfig
}

// Registry maps source plugin names to factories.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]plugin
}

// NewRegistry returns a registry with the built-in sources.
func NewRegistry() *Registry {
	r := &Registry{plugins: map[string]plugin{}}
	r.Register("sql", newSQL)
	r.Register("embedded_data", newEmbedded)
	r.MustRegisterPreset("d7_user", newD7User, d7UserPreset)
	return r
}

// Register adds a factory without defaults.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = plugin{factory: f}
}

// RegisterPreset adds a factory whose migrations inherit the YAML defaults
// in preset.
func (r *Registry) RegisterPreset(name string, f Factory, preset string) error {
	var cfg domain.PluginConfig
	if err := yaml.Unmarshal([]byte(preset), &cfg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = plugin{factory: f, preset: cfg}
	return nil
}

// MustRegisterPreset is RegisterPreset for built-in presets.
func (r *Registry) MustRegisterPreset(name string, f Factory, preset string) {
	if err := r.RegisterPreset(name, f, preset); err != nil {
		panic(err)
	}
}

// Plugins returns the registered names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Config returns the configuration of m's source merged over its plugin
// preset.
func (r *Registry) Config(m *domain.Migration) (domain.PluginConfig, error) {
	r.mu.RLock()
	p, ok := r.plugins[m.Source.Plugin]
	r.mu.RUnlock()
	if !ok {
		return domain.PluginConfig{}, domain.ConfigError("%s: unknown source plugin %q", m.ID, m.Source.Plugin)
	}
	cfg, err := m.Source.WithDefaults(p.preset)
	if err != nil {
		return domain.PluginConfig{}, domain.ConfigError("%s: %v", m.ID, err)
	}
	return cfg, nil
}

// Build creates the source of m.
func (r *Registry) Build(m *domain.Migration, env Env) (Source, error) {
	cfg, err := r.Config(m)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	p := r.plugins[m.Source.Plugin]
	r.mu.RUnlock()
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}
	return p.factory(m.ID, cfg, env)
}

// Defaults returns the static configuration merged into every row: all
// settings except the plugin name. Row values take precedence.
func Defaults(cfg domain.PluginConfig) (map[string]any, error) {
	values, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	delete(values, "plugin")
	return values, nil
}

func newRow(values map[string]any, defaults map[string]any, ids []domain.IDDefinition) *domain.Row {
	merged := make(map[string]any, len(values)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	return domain.NewRow(merged, ids, false)
}
