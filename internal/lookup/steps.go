package lookup

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/process"
)

// Register adds the lookup steps to reg.
func Register(reg *process.Registry, r *Resolver) {
	static := func(cfg domain.StepConfig, bc process.BuildContext) (process.Step, error) {
		return newMigrationLookup(cfg, bc, r)
	}
	reg.Register("migration_lookup", static)
	reg.Register("merge_migration_lookup", static)
	reg.Register("migration_lookup_dynamic", func(cfg domain.StepConfig, bc process.BuildContext) (process.Step, error) {
		return newDynamicLookup(cfg, bc, r)
	})
}

type lookupSettings struct {
	Migration     domain.StringList            `yaml:"migration"`
	MigrationName domain.StringList            `yaml:"migration_name"`
	SourceIDs     map[string]domain.StringList `yaml:"source_ids"`
	StubID        string                       `yaml:"stub_id"`
	NoStub        bool                         `yaml:"no_stub"`
}

func (s lookupSettings) config(migrations []string) Config {
	c := Config{Migrations: migrations, StubID: s.StubID, NoStub: s.NoStub}
	if len(s.SourceIDs) > 0 {
		c.SourceIDs = make(map[string][]string, len(s.SourceIDs))
		for id, props := range s.SourceIDs {
			c.SourceIDs[id] = props
		}
	}
	return c
}

// MigrationLookup resolves a value against a fixed list of migrations.
type MigrationLookup struct {
	resolver *Resolver
	cfg      Config
}

func newMigrationLookup(cfg domain.StepConfig, bc process.BuildContext, r *Resolver) (process.Step, error) {
	var s lookupSettings
	if err := cfg.Decode(&s); err != nil {
		return nil, domain.ConfigError("%s: %s: %v", bc.MigrationID, cfg.Plugin, err)
	}
	if len(s.Migration) == 0 {
		return nil, domain.ConfigError("%s: %s requires a migration", bc.MigrationID, cfg.Plugin)
	}
	for _, id := range s.Migration {
		if _, err := r.Catalog.Migration(id); err != nil {
			return nil, domain.ConfigError("%s: %s: unknown migration %q", bc.MigrationID, cfg.Plugin, id)
		}
	}
	if s.StubID != "" && !contains(s.Migration, s.StubID) {
		return nil, domain.ConfigError("%s: %s: stub_id %q is not one of the lookup migrations", bc.MigrationID, cfg.Plugin, s.StubID)
	}
	for id := range s.SourceIDs {
		if !contains(s.Migration, id) {
			return nil, domain.ConfigError("%s: %s: source_ids names %q, which is not a lookup migration", bc.MigrationID, cfg.Plugin, id)
		}
	}
	return &MigrationLookup{resolver: r, cfg: s.config(s.Migration)}, nil
}

// Migrations returns the configured candidates.
func (l *MigrationLookup) Migrations() []string {
	return l.cfg.Migrations
}

// StubID returns the configured stub owner, if any.
func (l *MigrationLookup) StubID() string {
	return l.cfg.StubID
}

func (l *MigrationLookup) Transform(ctx context.Context, value any, exec process.Executor, row *domain.Row, destinationProperty string) (any, error) {
	return l.resolver.Resolve(ctx, value, exec, row, destinationProperty, l.cfg)
}

// DynamicLookup reads its candidate migrations from row properties.
type DynamicLookup struct {
	resolver *Resolver
	names    []domain.PropertyRef
	settings lookupSettings
}

func newDynamicLookup(cfg domain.StepConfig, bc process.BuildContext, r *Resolver) (process.Step, error) {
	var s lookupSettings
	if err := cfg.Decode(&s); err != nil {
		return nil, domain.ConfigError("%s: migration_lookup_dynamic: %v", bc.MigrationID, err)
	}
	if len(s.MigrationName) == 0 {
		return nil, domain.ConfigError("%s: migration_lookup_dynamic requires a migration_name", bc.MigrationID)
	}
	d := &DynamicLookup{resolver: r, settings: s}
	for _, name := range s.MigrationName {
		if name == "" {
			return nil, domain.ConfigError("%s: migration_lookup_dynamic: empty migration_name", bc.MigrationID)
		}
		d.names = append(d.names, domain.ParsePropertyRef(name))
	}
	return d, nil
}

// Targets resolves the candidate migration ids for row.
func (d *DynamicLookup) Targets(row *domain.Row) ([]string, error) {
	ids := make([]string, 0, len(d.names))
	for _, ref := range d.names {
		v := row.Property(ref)
		if process.IsEmpty(v) {
			return nil, fmt.Errorf("migration_name %s is empty", ref)
		}
		ids = append(ids, fmt.Sprint(v))
	}
	return ids, nil
}

func (d *DynamicLookup) Transform(ctx context.Context, value any, exec process.Executor, row *domain.Row, destinationProperty string) (any, error) {
	ids, err := d.Targets(row)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := d.resolver.Catalog.Migration(id); err != nil {
			return nil, fmt.Errorf("migration_name selects %q: %w", id, err)
		}
	}
	return d.resolver.Resolve(ctx, value, exec, row, destinationProperty, d.settings.config(ids))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
