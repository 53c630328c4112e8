// Package process runs the per-field transform chains of a migration.
package process

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lherron/upm/internal/domain"
	"github.com/sirupsen/logrus"
)

// Step transforms one value of a field's chain.
type Step interface {
	Transform(ctx context.Context, value any, exec Executor, row *domain.Row, destinationProperty string) (any, error)
}

// MultipleStep is implemented by steps whose output is a sequence.
type MultipleStep interface {
	Multiple() bool
}

// MultipleHandler is implemented by steps that take a whole sequence as
// input. Other steps following a sequence are applied to each element.
type MultipleHandler interface {
	HandlesMultiples() bool
}

// Executor is the run context handed to steps.
type Executor interface {
	MigrationID() string
	Logger() logrus.FieldLogger
}

type staticExecutor struct {
	id  string
	log logrus.FieldLogger
}

func (e staticExecutor) MigrationID() string        { return e.id }
func (e staticExecutor) Logger() logrus.FieldLogger { return e.log }

// NewExecutor returns a minimal Executor for migrationID.
func NewExecutor(migrationID string, log logrus.FieldLogger) Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return staticExecutor{id: migrationID, log: log}
}

// BuildContext is available to step factories.
type BuildContext struct {
	// MigrationID is the migration whose chain is being built.
	MigrationID string
	Registry    *Registry
}

// Factory builds a step from its configuration.
type Factory func(cfg domain.StepConfig, bc BuildContext) (Step, error)

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in steps.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("get", newGet)
	r.Register("default_value", newDefaultValue)
	r.Register("static_map", newStaticMap)
	r.Register("skip_on_empty", newSkipOnEmpty)
	r.Register("array_unique", newArrayUnique)
	r.Register("string_replace", newStringReplace)
	r.Register("extract_json", newExtractJSON)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(plugin string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[plugin] = f
}

// Plugins returns the registered plugin names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildStep builds one configured step.
func (r *Registry) BuildStep(cfg domain.StepConfig, bc BuildContext) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ConfigError("%s: unknown process plugin %q", bc.MigrationID, cfg.Plugin)
	}
	step, err := f(cfg, bc)
	if err != nil {
		return nil, err
	}
	return step, nil
}

type builtStep struct {
	plugin   string
	step     Step
	multiple bool
	handles  bool
}

type fieldChain struct {
	field string
	steps []builtStep
}

// Pipeline is a built process definition.
type Pipeline struct {
	fields []fieldChain
}

// Build turns a process definition into a pipeline. A step that declares a
// source and is not itself a get is preceded by an implicit get.
func (r *Registry) Build(proc domain.Process, bc BuildContext) (*Pipeline, error) {
	if bc.Registry == nil {
		bc.Registry = r
	}
	p := &Pipeline{}
	for _, fp := range proc {
		chain := fieldChain{field: fp.Field}
		for _, cfg := range fp.Steps {
			if cfg.HasSource && cfg.Plugin != "get" {
				chain.steps = append(chain.steps, builtStep{plugin: "get", step: &Get{Sources: cfg.Source}})
			}
			step, err := r.BuildStep(cfg, bc)
			if err != nil {
				return nil, fmt.Errorf("process %q: %w", fp.Field, err)
			}
			b := builtStep{plugin: cfg.Plugin, step: step}
			if m, ok := step.(MultipleStep); ok {
				b.multiple = m.Multiple()
			}
			if h, ok := step.(MultipleHandler); ok {
				b.handles = h.HandlesMultiples()
			}
			chain.steps = append(chain.steps, b)
		}
		p.fields = append(p.fields, chain)
	}
	return p, nil
}

// Fields returns the destination fields in processing order.
func (p *Pipeline) Fields() []string {
	out := make([]string, len(p.fields))
	for i, f := range p.fields {
		out[i] = f.field
	}
	return out
}

// ProcessRow computes every destination field of row in order. A
// *domain.SkipRowError aborts the row; a *domain.SkipProcessError leaves
// only the current field unset.
func (p *Pipeline) ProcessRow(ctx context.Context, exec Executor, row *domain.Row) error {
	for _, f := range p.fields {
		value, skipped, err := p.processField(ctx, exec, row, f)
		if err != nil {
			return err
		}
		if !skipped {
			row.SetDestinationProperty(f.field, value)
		}
	}
	return nil
}

func (p *Pipeline) processField(ctx context.Context, exec Executor, row *domain.Row, f fieldChain) (any, bool, error) {
	var value any
	multiple := false
	for _, s := range f.steps {
		var err error
		if items, ok := AsSlice(value); ok && multiple && !s.handles {
			out := make([]any, 0, len(items))
			for _, item := range items {
				v, err := s.step.Transform(ctx, item, exec, row, f.field)
				if err != nil {
					if domain.IsSkipProcess(err) {
						return nil, true, nil
					}
					return nil, false, p.wrap(f, s, err)
				}
				out = append(out, v)
			}
			value = out
			multiple = true
			continue
		}

		value, err = s.step.Transform(ctx, value, exec, row, f.field)
		if err != nil {
			if domain.IsSkipProcess(err) {
				return nil, true, nil
			}
			return nil, false, p.wrap(f, s, err)
		}
		multiple = s.multiple
	}
	return value, false, nil
}

func (p *Pipeline) wrap(f fieldChain, s builtStep, err error) error {
	if _, ok := domain.IsSkipRow(err); ok {
		return err
	}
	return fmt.Errorf("%s (%s): %w", f.field, s.plugin, err)
}

// AsSlice reports whether v is a sequence and returns its elements.
func AsSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []int64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}

// IsEmpty reports whether v counts as empty input: nil, "", "0", false,
// numeric zero, or an empty sequence or mapping.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == "" || x == "0"
	case []byte:
		return len(x) == 0 || string(x) == "0"
	case bool:
		return !x
	case int:
		return x == 0
	case int32:
		return x == 0
	case int64:
		return x == 0
	case uint64:
		return x == 0
	case float64:
		return x == 0
	case map[string]any:
		return len(x) == 0
	}
	if items, ok := AsSlice(v); ok {
		return len(items) == 0
	}
	return false
}
