package migrate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lherron/upm/internal/connections"
	"github.com/lherron/upm/internal/destination"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/files"
	"github.com/lherron/upm/internal/idmap"
	"github.com/lherron/upm/internal/lookup"
	"github.com/lherron/upm/internal/metrics"
	"github.com/lherron/upm/internal/process"
	"github.com/lherron/upm/internal/selectors"
	"github.com/lherron/upm/internal/source"
	"github.com/lherron/upm/internal/store"
	"github.com/sirupsen/logrus"
)

// Options wires a Manager to its collaborators. Store and Connections are
// required.
type Options struct {
	Store        *store.Store
	Connections  *connections.Registry
	Files        *files.Stream
	Sources      *source.Registry
	Destinations *destination.Registry
	Metrics      *metrics.Metrics
	Logger       logrus.FieldLogger
	// CacheSize bounds the positive lookup cache of each identity map.
	CacheSize    int
	// Notifier is told about every finished import and rollback.
	Notifier     RunNotifier
}

// RunNotifier receives finished runs. It must not block for long; the
// executable waits for it before returning.
type RunNotifier interface {
	RunFinished(run *domain.Run)
}

// Manager holds the loaded migrations and the plugins built for them.
type Manager struct {
	opts       Options
	defs       map[string]*domain.Migration
	order      []string
	steps      *process.Registry
	resolver   *lookup.Resolver
	log        logrus.FieldLogger
	mu         sync.Mutex
	srcs       map[string]source.Source
	dests      map[string]destination.Destination
	maps       map[string]idmap.Map
	pipelines  map[string]*process.Pipeline
	sourceCfgs map[string]domain.PluginConfig
}

// NewManager validates defs and prepares them to run. Every
// configuration error is reported before anything is executed.
func NewManager(defs []*domain.Migration, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("migrate: a state store is required")
	}
	if opts.Connections == nil {
		opts.Connections = connections.FromStore(opts.Store)
	}
	if opts.Sources == nil {
		opts.Sources = source.NewRegistry()
	}
	if opts.Destinations == nil {
		opts.Destinations = destination.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	m := &Manager{
		opts:       opts,
		defs:       make(map[string]*domain.Migration, len(defs)),
		log:        opts.Logger,
		srcs:       map[string]source.Source{},
		dests:      map[string]destination.Destination{},
		maps:       map[string]idmap.Map{},
		pipelines:  map[string]*process.Pipeline{},
		sourceCfgs: map[string]domain.PluginConfig{},
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.defs[d.ID]; dup {
			return nil, domain.ConfigError("migration %q is defined twice", d.ID)
		}
		m.defs[d.ID] = d
	}

	order, err := Order(m.defs)
	if err != nil {
		return nil, err
	}
	m.order = order
	if err := ValidateStubGraph(m.defs); err != nil {
		return nil, err
	}

	m.steps = process.NewRegistry()
	m.resolver = lookup.NewResolver(m, opts.Metrics, opts.Store.Events)
	lookup.Register(m.steps, m.resolver)

	for _, id := range m.order {
		if _, err := m.source(id); err != nil {
			return nil, err
		}
		if _, err := m.destination(id); err != nil {
			return nil, err
		}
		if _, err := m.Pipeline(id, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IDs returns every migration id in dependency order.
func (m *Manager) IDs() []string {
	return append([]string(nil), m.order...)
}

// Migration returns a loaded definition.
func (m *Manager) Migration(id string) (*domain.Migration, error) {
	d, ok := m.defs[id]
	if !ok {
		return nil, fmt.Errorf("migration %q: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

// Definitions returns the loaded definitions by id.
func (m *Manager) Definitions() map[string]*domain.Migration {
	return m.defs
}

// Steps returns the process plugin registry used to build pipelines.
func (m *Manager) Steps() *process.Registry {
	return m.steps
}

// Select returns the ids matching any of the selectors (ids, globs over ids
// or group:<name>) and, if group is set, belonging to it, in dependency
// order. No selectors select everything.
func (m *Manager) Select(patterns []string, group string) ([]string, error) {
	sels, err := selectors.ParseAll(patterns)
	if err != nil {
		return nil, domain.ConfigError("%v", err)
	}
	var out []string
	matched := make([]bool, len(sels))
	for _, id := range m.order {
		d := m.defs[id]
		if group != "" && d.Group != group {
			continue
		}
		if len(sels) == 0 {
			out = append(out, id)
			continue
		}
		for i, sel := range sels {
			if sel.Matches(d) {
				matched[i] = true
				out = append(out, id)
				break
			}
		}
	}
	for i, sel := range sels {
		if !matched[i] && sel.Type != selectors.TypeGlob {
			return nil, fmt.Errorf("migration %q: %w", sel, domain.ErrNotFound)
		}
	}
	return out, nil
}

// Groups returns the distinct group names, sorted.
func (m *Manager) Groups() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range m.defs {
		if d.Group != "" && !seen[d.Group] {
			seen[d.Group] = true
			out = append(out, d.Group)
		}
	}
	sort.Strings(out)
	return out
}

// Levels groups ids into batches that can run concurrently.
func (m *Manager) Levels(ids []string) [][]string {
	return Levels(m.defs, ids)
}

func (m *Manager) source(id string) (source.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.srcs[id]; ok {
		return s, nil
	}
	d, err := m.Migration(id)
	if err != nil {
		return nil, err
	}
	cfg, err := m.opts.Sources.Config(d)
	if err != nil {
		return nil, err
	}
	s, err := m.opts.Sources.Build(d, source.Env{
		Connections: m.opts.Connections,
		Files:       m.opts.Files,
		Logger:      m.log.WithField("migration", id),
	})
	if err != nil {
		return nil, err
	}
	m.srcs[id] = s
	m.sourceCfgs[id] = cfg
	return s, nil
}

// Source returns the source of a migration.
func (m *Manager) Source(id string) (source.Source, error) {
	return m.source(id)
}

func (m *Manager) destination(id string) (destination.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.dests[id]; ok {
		return d, nil
	}
	def, err := m.Migration(id)
	if err != nil {
		return nil, err
	}
	d, err := m.opts.Destinations.Build(def, destination.Env{
		Connections: m.opts.Connections,
		Logger:      m.log.WithField("migration", id),
	})
	if err != nil {
		return nil, err
	}
	m.dests[id] = d
	return d, nil
}

// Destination returns the destination of a migration.
func (m *Manager) Destination(ctx context.Context, id string) (lookup.Importer, error) {
	return m.destination(id)
}

// SourceDefaults returns the static source values of a migration.
func (m *Manager) SourceDefaults(id string) (map[string]any, error) {
	if _, err := m.source(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	cfg := m.sourceCfgs[id]
	m.mu.Unlock()
	return source.Defaults(cfg)
}

// Pipeline builds the process of a migration, optionally without one field.
// Full pipelines are cached.
func (m *Manager) Pipeline(id, without string) (*process.Pipeline, error) {
	d, err := m.Migration(id)
	if err != nil {
		return nil, err
	}
	if without == "" {
		m.mu.Lock()
		p, ok := m.pipelines[id]
		m.mu.Unlock()
		if ok {
			return p, nil
		}
	}
	proc := d.Process
	if without != "" {
		proc = proc.Without(without)
	}
	p, err := m.steps.Build(proc, process.BuildContext{MigrationID: id})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if without == "" {
		m.mu.Lock()
		m.pipelines[id] = p
		m.mu.Unlock()
	}
	return p, nil
}

// IDMap returns the identity map of a migration with its tables created.
func (m *Manager) IDMap(ctx context.Context, id string) (idmap.Map, error) {
	src, err := m.source(id)
	if err != nil {
		return nil, err
	}
	dest, err := m.destination(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if im, ok := m.maps[id]; ok {
		return im, nil
	}
	opts := []idmap.Option{idmap.WithLogger(m.log.WithField("migration", id))}
	if m.opts.CacheSize > 0 {
		opts = append(opts, idmap.WithCacheSize(m.opts.CacheSize))
	}
	im, err := idmap.New(m.opts.Store.DB().DB, id, src.IDs(), dest.IDs(), opts...)
	if err != nil {
		return nil, err
	}
	if err := im.EnsureTables(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	m.maps[id] = im
	return im, nil
}

// Executable returns a runner for one migration.
func (m *Manager) Executable(id string) (*Executable, error) {
	d, err := m.Migration(id)
	if err != nil {
		return nil, err
	}
	return &Executable{
		manager:   m,
		migration: d,
		log:       m.log.WithField("migration", id),
	}, nil
}
