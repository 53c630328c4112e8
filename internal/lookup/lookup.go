// Package lookup resolves references to records owned by other migrations
// and creates stub records for references that have not been migrated yet.
package lookup

import (
	"context"
	"fmt"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/idmap"
	"github.com/lherron/upm/internal/metrics"
	"github.com/lherron/upm/internal/process"
	"github.com/sirupsen/logrus"
)

// Importer writes stub rows to the destination of an owning migration.
type Importer interface {
	Import(ctx context.Context, row *domain.Row) ([]any, error)
	Rollback(ctx context.Context, destIDs []any) error
}

// Catalog gives the resolver access to the migrations it may consult.
type Catalog interface {
	// Migration returns a loaded definition or an error wrapping
	// domain.ErrNotFound.
	Migration(id string) (*domain.Migration, error)
	// IDMap returns the identity map of a migration with its tables ensured.
	IDMap(ctx context.Context, id string) (idmap.Map, error)
	// Pipeline builds the process of a migration without the named field.
	Pipeline(id, without string) (*process.Pipeline, error)
	// Destination returns the destination plugin of a migration.
	Destination(ctx context.Context, id string) (Importer, error)
	// SourceDefaults returns the static source values merged into every row
	// of a migration.
	SourceDefaults(id string) (map[string]any, error)
}

// RunTracker is implemented by executors that belong to a recorded run.
type RunTracker interface {
	RunUUID() *string
}

// Config is the configuration shared by the lookup steps.
type Config struct {
	Migrations []string
	// SourceIDs remaps the lookup key per candidate migration.
	SourceIDs map[string][]string
	StubID    string
	NoStub    bool
}

// Owner is the outcome of ChooseStubOwner.
type Owner struct {
	ID        string
	Ambiguous bool
}

// ChooseStubOwner decides which migration creates a stub after a miss:
// the current migration when it is a candidate, then the configured stub
// id, then the sole candidate. Anything else is ambiguous.
func ChooseStubOwner(current string, candidates []string, stubID string) Owner {
	for _, c := range candidates {
		if c == current {
			return Owner{ID: current}
		}
	}
	if stubID != "" {
		return Owner{ID: stubID}
	}
	if len(candidates) == 1 {
		return Owner{ID: candidates[0]}
	}
	return Owner{Ambiguous: true}
}

// Resolver implements the lookup protocol against a Catalog.
type Resolver struct {
	Catalog Catalog
	Stubs   *StubCreator
	Metrics *metrics.Metrics
}

// NewResolver returns a resolver that creates stubs through the same catalog.
func NewResolver(c Catalog, m *metrics.Metrics, rec StubRecorder) *Resolver {
	return &Resolver{
		Catalog: c,
		Stubs:   &StubCreator{Catalog: c, Metrics: m, Events: rec},
		Metrics: m,
	}
}

// Resolve looks value up in the candidate migrations and returns nil, a
// single destination id or a composite tuple.
func (r *Resolver) Resolve(ctx context.Context, value any, exec process.Executor, row *domain.Row, field string, cfg Config) (any, error) {
	if process.IsEmpty(value) {
		return nil, &domain.SkipProcessError{Message: "empty lookup value"}
	}
	current := exec.MigrationID()
	log := exec.Logger().WithField("field", field)

	keys := make(map[string][]any, len(cfg.Migrations))
	self := false
	for _, id := range cfg.Migrations {
		if id == current {
			self = true
		}
	}
	for _, id := range cfg.Migrations {
		key := keyValues(value)
		if remap, ok := cfg.SourceIDs[id]; ok {
			key = keyValues(process.Extract(row, remap))
		}
		keys[id] = key
		if hasNil(key) {
			continue
		}

		m, err := r.Catalog.IDMap(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		hit, err := m.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		if len(hit) == 0 {
			continue
		}
		r.Metrics.Lookup(current, "hit")
		result := collapse(hit)
		row.SetDestinationProperty(field, result)
		if self && !ownStub(row, hit) {
			log.WithFields(logrus.Fields{"target": id, "destination": hit}).Debug("row merges into existing identity")
			return nil, &domain.SkipRowError{
				Message:        fmt.Sprintf("already migrated by %s as %v", id, hit),
				SaveToMap:      true,
				DestinationIDs: hit,
			}
		}
		return result, nil
	}
	r.Metrics.Lookup(current, "miss")
	if cfg.NoStub {
		return nil, nil
	}
	owner := ChooseStubOwner(current, cfg.Migrations, cfg.StubID)
	if owner.Ambiguous {
		log.WithField("candidates", cfg.Migrations).Debug("lookup missed, no stub owner")
		r.Metrics.Stub(current, "ambiguous")
		return nil, nil
	}
	key, ok := keys[owner.ID]
	if !ok {
		key = keyValues(value)
	}
	if hasNil(key) {
		return nil, nil
	}
	ids, err := r.Stubs.Create(ctx, exec, owner.ID, field, key)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return collapse(ids), nil
}

// ownStub reports whether hit is the stub entry the row is about to
// backfill, which is an update of itself rather than a duplicate.
func ownStub(row *domain.Row, hit []any) bool {
	e := row.IDMap()
	if e == nil || e.Status != domain.StatusNeedsUpdate || len(e.DestIDs) != len(hit) {
		return false
	}
	for i := range hit {
		if fmt.Sprint(e.DestIDs[i]) != fmt.Sprint(hit[i]) {
			return false
		}
	}
	return true
}

func keyValues(v any) []any {
	if items, ok := process.AsSlice(v); ok {
		return items
	}
	return []any{v}
}

func hasNil(key []any) bool {
	if len(key) == 0 {
		return true
	}
	for _, v := range key {
		if v == nil {
			return true
		}
	}
	return false
}

func collapse(ids []any) any {
	if len(ids) == 1 {
		return ids[0]
	}
	out := make([]any, len(ids))
	copy(out, ids)
	return out
}
