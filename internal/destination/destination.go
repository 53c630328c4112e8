// Package destination writes processed rows to their target storage.
package destination

import (
	"context"
	"sort"
	"sync"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/domain"
	"github.com/sirupsen/logrus"
)

// Destination imports rows and can remove what it imported.
type Destination interface {
	// IDs returns the destination identity schema.
	IDs() []domain.IDDefinition
	// Import writes row and returns its destination ids. Rows whose id map
	// entry has a destination update that record.
	Import(ctx context.Context, row *domain.Row) ([]any, error)
	// Rollback removes the record with destIDs. A missing record is not an
	// error.
	Rollback(ctx context.Context, destIDs []any) error
}

// Env carries the collaborators a destination may need.
type Env struct {
	Connections *connections.Registry
	Logger      logrus.FieldLogger
}

// Factory builds a destination from its configuration.
type Factory func(migrationID string, cfg domain.PluginConfig, env Env) (Destination, error)

// Registry maps destination plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in destinations.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("table", newTable)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Plugins returns the registered names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build creates the destination of m.
func (r *Registry) Build(m *domain.Migration, env Env) (Destination, error) {
	r.mu.RLock()
	f, ok := r.factories[m.Destination.Plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ConfigError("%s: unknown destination plugin %q", m.ID, m.Destination.Plugin)
	}
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}
	return f(m.ID, m.Destination, env)
}
