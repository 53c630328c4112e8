package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/idmap"
	"github.com/lherron/upm/internal/metrics"
	"github.com/lherron/upm/internal/process"
	"github.com/sirupsen/logrus"
)

// StubRecorder persists a stub.created event.
type StubRecorder interface {
	StubCreated(runUUID *string, ownerID string, sourceIDs, destIDs []any) error
}

// StubCreator builds placeholder destination records for references that
// have not been migrated yet.
type StubCreator struct {
	Catalog Catalog
	Metrics *metrics.Metrics
	Events  StubRecorder
}

type inflightKey struct{}

// inflight is the set of (owner, key) stubs being created in the current
// call chain.
type inflight map[string]struct{}

func inflightFrom(ctx context.Context) inflight {
	s, _ := ctx.Value(inflightKey{}).(inflight)
	return s
}

func withInflight(ctx context.Context, key string) context.Context {
	prev := inflightFrom(ctx)
	next := make(inflight, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return context.WithValue(ctx, inflightKey{}, next)
}

// Create runs a stub row for key through the owner's process, minus field,
// imports it and records it as needs_update. Process errors of the stub row,
// skips included, are returned to the caller. A nil result with a nil error
// means no stub could be made; the reason is kept in the owner's messages
// or the log.
func (s *StubCreator) Create(ctx context.Context, exec process.Executor, ownerID, field string, key []any) ([]any, error) {
	log := exec.Logger().WithFields(logrus.Fields{"owner": ownerID, "field": field, "key": key})

	guard := fmt.Sprintf("%s\x00%v", ownerID, key)
	if _, busy := inflightFrom(ctx)[guard]; busy {
		log.Debug("stub already in progress")
		s.Metrics.Stub(ownerID, "recursive")
		return nil, nil
	}
	ctx = withInflight(ctx, guard)

	values, err := s.Catalog.SourceDefaults(ownerID)
	if err != nil {
		return nil, fmt.Errorf("stub owner %s: %w", ownerID, err)
	}
	m, err := s.Catalog.IDMap(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("stub owner %s: %w", ownerID, err)
	}
	schema := m.SourceIDs()
	if len(key) != len(schema) {
		return nil, domain.ConfigError("stub owner %s: lookup key has %d values, source ids declare %d", ownerID, len(key), len(schema))
	}

	if values == nil {
		values = map[string]any{}
	}
	for i, def := range schema {
		values[def.Name] = key[i]
	}
	row := domain.NewRow(values, schema, true)

	// Another process may have created the stub since the miss.
	if existing, err := m.Lookup(ctx, key); err != nil {
		return nil, err
	} else if len(existing) > 0 {
		return existing, nil
	}

	pipeline, err := s.Catalog.Pipeline(ownerID, field)
	if err != nil {
		return nil, err
	}
	dest, err := s.Catalog.Destination(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var runUUID *string
	if rt, ok := exec.(RunTracker); ok {
		runUUID = rt.RunUUID()
	}
	ownerExec := runExecutor{
		Executor: process.NewExecutor(ownerID, exec.Logger().WithField("migration", ownerID)),
		run:      runUUID,
	}
	if err := pipeline.ProcessRow(ctx, ownerExec, row); err != nil {
		if skip, ok := domain.IsSkipRow(err); ok {
			// The skip reaches the outer row, which has no stub to merge into.
			log.WithField("reason", skip.Message).Debug("stub row skipped")
			s.Metrics.Stub(ownerID, "skipped")
			return nil, &domain.SkipRowError{
				Message:   fmt.Sprintf("stub %s %v: %s", ownerID, key, skip.Message),
				SaveToMap: skip.SaveToMap,
			}
		}
		return nil, err
	}

	destIDs, err := dest.Import(ctx, row)
	if err != nil {
		return nil, s.fail(ctx, m, key, log, err)
	}
	if len(destIDs) == 0 {
		s.Metrics.Stub(ownerID, "empty")
		return nil, nil
	}

	entry, err := m.Save(ctx, row, destIDs, domain.StatusNeedsUpdate)
	if c, ok := idmap.IsConflict(err); ok {
		// Lost a race: keep the winner and drop the duplicate record.
		if rbErr := dest.Rollback(ctx, destIDs); rbErr != nil {
			log.WithError(rbErr).Warn("failed to roll back duplicate stub")
		}
		s.Metrics.Stub(ownerID, "conflict")
		return c.Existing.DestIDs, nil
	}
	if err != nil {
		return nil, err
	}

	if s.Events != nil {
		if err := s.Events.StubCreated(runUUID, ownerID, entry.SourceIDs, entry.DestIDs); err != nil {
			log.WithError(err).Warn("failed to record stub event")
		}
	}
	s.Metrics.Stub(ownerID, "created")
	log.WithField("destination", entry.DestIDs).Info("stub created")
	return entry.DestIDs, nil
}

// fail records a failed stub import against the owner. The outer row keeps
// going unless the message itself cannot be stored.
func (s *StubCreator) fail(ctx context.Context, m idmap.Map, key []any, log logrus.FieldLogger, cause error) error {
	if errors.Is(cause, domain.ErrConfig) {
		return cause
	}
	s.Metrics.Stub(m.MigrationID(), "failed")
	log.WithError(cause).Warn("stub creation failed")
	msg := "stub: " + strings.TrimSpace(cause.Error())
	if err := m.SaveMessage(ctx, key, msg, domain.MessageError); err != nil {
		return fmt.Errorf("record stub failure: %w", err)
	}
	return nil
}

type runExecutor struct {
	process.Executor
	run *string
}

func (e runExecutor) RunUUID() *string { return e.run }
