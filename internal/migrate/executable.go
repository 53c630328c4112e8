package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lherron/upm/internal/destination"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/idmap"
	"github.com/lherron/upm/internal/process"
	"github.com/sirupsen/logrus"
)

const (
	OperationImport   = "import"
	OperationRollback = "rollback"
)

// Row outcomes, as counted in runs and metrics.
const (
	OutcomeImported = "imported"
	OutcomeUpdated  = "updated"
	OutcomeMerged   = "merged"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

var errLimitReached = errors.New("limit reached")

// ImportOptions tune one import run.
type ImportOptions struct {
	// Update marks every existing entry needs_update first, so all rows are
	// processed again.
	Update bool
	// Limit stops after this many processed rows; zero means no limit.
	Limit int
}

// Executable runs one migration. It is the executor handed to process
// steps.
type Executable struct {
	manager   *Manager
	migration *domain.Migration
	log       *logrus.Entry
	run       *domain.Run
}

func (e *Executable) MigrationID() string { return e.migration.ID }

func (e *Executable) Logger() logrus.FieldLogger { return e.log }

// RunUUID returns the id of the current run, if one is in progress.
func (e *Executable) RunUUID() *string {
	if e.run == nil {
		return nil
	}
	id := e.run.UUID
	return &id
}

func (e *Executable) begin(operation string) error {
	st := e.manager.opts.Store
	run, err := st.Runs.Start(e.migration.ID, operation, e.migration.Version)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	if err := st.Locks.Acquire(e.migration.ID, run.UUID, os.Getpid(), host); err != nil {
		if finishErr := st.Runs.Finish(run, err); finishErr != nil {
			e.log.WithError(finishErr).Warn("failed to record run")
		}
		return err
	}
	e.run = run
	e.log = e.log.WithField("run", run.UUID)
	return nil
}

func (e *Executable) end(started time.Time, runErr error) error {
	st := e.manager.opts.Store
	if err := st.Locks.Release(e.migration.ID, e.run.UUID); err != nil {
		e.log.WithError(err).Warn("failed to release run lock")
	}
	if err := st.Runs.Finish(e.run, runErr); err != nil && runErr == nil {
		runErr = err
	}
	e.manager.opts.Metrics.ObserveRun(e.migration.ID, e.run.Operation, time.Since(started))
	if n := e.manager.opts.Notifier; n != nil {
		n.RunFinished(e.run)
	}
	return runErr
}

// Import processes every new or needs_update row of the source.
func (e *Executable) Import(ctx context.Context, opts ImportOptions) (*domain.Run, error) {
	if err := e.begin(OperationImport); err != nil {
		return nil, err
	}
	started := time.Now()
	err := e.importRows(ctx, opts)
	if errors.Is(err, errLimitReached) {
		err = nil
	}
	err = e.end(started, err)

	c := e.run.Counts
	e.log.WithFields(logrus.Fields{
		"processed": c.Processed,
		"imported":  c.Imported,
		"updated":   c.Updated,
		"merged":    c.Merged,
		"ignored":   c.Ignored,
		"failed":    c.Failed,
		"skipped":   c.Skipped,
	}).Info("import finished")
	return e.run, err
}

func (e *Executable) importRows(ctx context.Context, opts ImportOptions) error {
	id := e.migration.ID
	im, err := e.manager.IDMap(ctx, id)
	if err != nil {
		return err
	}
	src, err := e.manager.source(id)
	if err != nil {
		return err
	}
	dest, err := e.manager.destination(id)
	if err != nil {
		return err
	}
	pipeline, err := e.manager.Pipeline(id, "")
	if err != nil {
		return err
	}

	if opts.Update {
		n, err := im.PrepareUpdate(ctx)
		if err != nil {
			return err
		}
		if err := e.manager.opts.Store.Events.UpdateRequested(e.RunUUID(), id, n); err != nil {
			e.log.WithError(err).Warn("failed to record update request")
		}
		e.log.WithField("entries", n).Info("marked entries for update")
	}

	return src.Each(ctx, func(row *domain.Row) error {
		if opts.Limit > 0 && e.run.Counts.Processed >= opts.Limit {
			return errLimitReached
		}
		outcome, err := e.importRow(ctx, im, pipeline, dest, row)
		if err != nil {
			return err
		}
		e.count(outcome)
		return nil
	})
}

func (e *Executable) importRow(ctx context.Context, im idmap.Map, pipeline *process.Pipeline, dest destination.Destination, row *domain.Row) (string, error) {
	src, err := row.SourceIDValues()
	if err != nil {
		// Without an identity there is nothing to record the failure against.
		e.log.WithError(err).Warn("row has no usable source id")
		return OutcomeFailed, nil
	}
	log := e.log.WithField("source", src)

	entry, err := im.Get(ctx, src)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return "", err
	default:
		if entry.Status != domain.StatusNeedsUpdate {
			return OutcomeSkipped, nil
		}
		row.SetIDMap(entry)
	}
	e.run.Counts.Processed++

	if err := pipeline.ProcessRow(ctx, e, row); err != nil {
		if skip, ok := domain.IsSkipRow(err); ok {
			return e.skipRow(ctx, im, row, skip, log)
		}
		return e.fail(ctx, im, src, err, log)
	}

	destIDs, err := dest.Import(ctx, row)
	if err != nil {
		return e.fail(ctx, im, src, err, log)
	}
	if len(destIDs) == 0 {
		return e.fail(ctx, im, src, fmt.Errorf("destination returned no id"), log)
	}

	var opts []idmap.SaveOption
	if row.NeedsUpdate() {
		opts = append(opts, idmap.AllowReplace())
	}
	_, err = im.Save(ctx, row, destIDs, domain.StatusImported, opts...)
	if c, ok := idmap.IsConflict(err); ok {
		// Another executable mapped this row first; drop our copy.
		if rbErr := dest.Rollback(ctx, destIDs); rbErr != nil {
			log.WithError(rbErr).Warn("failed to roll back duplicate record")
		}
		log.WithField("destination", c.Existing.DestIDs).Info("row already mapped, duplicate removed")
		return OutcomeMerged, nil
	}
	if err != nil {
		return "", err
	}
	if row.NeedsUpdate() {
		return OutcomeUpdated, nil
	}
	return OutcomeImported, nil
}

// skipRow records a row skipped by a step. A skip carrying destination ids
// merges the row into that existing record.
func (e *Executable) skipRow(ctx context.Context, im idmap.Map, row *domain.Row, skip *domain.SkipRowError, log logrus.FieldLogger) (string, error) {
	log = log.WithField("reason", skip.Message)
	if !skip.SaveToMap {
		log.Debug("row skipped")
		return OutcomeSkipped, nil
	}

	var opts []idmap.SaveOption
	if skip.Message != "" {
		opts = append(opts, idmap.WithMessage(skip.Message))
	}
	if len(skip.DestinationIDs) > 0 {
		// The record belongs to the entry that created it.
		opts = append(opts, idmap.Preserve())
		if row.NeedsUpdate() {
			opts = append(opts, idmap.AllowReplace())
		}
		_, err := im.Save(ctx, row, skip.DestinationIDs, domain.StatusImported, opts...)
		if _, conflict := idmap.IsConflict(err); err != nil && !conflict {
			return "", err
		}
		log.WithField("destination", skip.DestinationIDs).Debug("row merged")
		return OutcomeMerged, nil
	}
	if _, err := im.Save(ctx, row, nil, domain.StatusIgnored, opts...); err != nil {
		return "", err
	}
	log.Debug("row ignored")
	return OutcomeIgnored, nil
}

// fail records a row level error. Configuration errors abort the run.
func (e *Executable) fail(ctx context.Context, im idmap.Map, src []any, cause error, log logrus.FieldLogger) (string, error) {
	if errors.Is(cause, domain.ErrConfig) || errors.Is(cause, context.Canceled) {
		return "", cause
	}
	log.WithError(cause).Warn("row failed")
	if err := im.SaveFailure(ctx, src, cause.Error()); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func (e *Executable) count(outcome string) {
	c := &e.run.Counts
	switch outcome {
	case OutcomeImported:
		c.Imported++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeMerged:
		c.Merged++
	case OutcomeIgnored:
		c.Ignored++
	case OutcomeFailed:
		c.Failed++
	case OutcomeSkipped:
		c.Skipped++
	}
	e.manager.opts.Metrics.Row(e.migration.ID, outcome)
}

// Rollback removes every destination record of the migration and clears
// its identity map.
func (e *Executable) Rollback(ctx context.Context) (*domain.Run, error) {
	if err := e.begin(OperationRollback); err != nil {
		return nil, err
	}
	started := time.Now()
	err := e.rollback(ctx)
	err = e.end(started, err)
	e.log.WithField("processed", e.run.Counts.Processed).Info("rollback finished")
	return e.run, err
}

func (e *Executable) rollback(ctx context.Context) error {
	im, err := e.manager.IDMap(ctx, e.migration.ID)
	if err != nil {
		return err
	}
	dest, err := e.manager.destination(e.migration.ID)
	if err != nil {
		return err
	}

	// Deleting while paging would shift pages; collect first.
	var entries []domain.MapEntry
	if err := im.Each(ctx, func(entry domain.MapEntry) error {
		entries = append(entries, entry)
		return nil
	}); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.HasDestination() && entry.RollbackAction != domain.RollbackPreserve {
			if err := dest.Rollback(ctx, entry.DestIDs); err != nil {
				return err
			}
		}
		if err := im.Delete(ctx, entry.SourceIDs); err != nil {
			return err
		}
		e.run.Counts.Processed++
	}
	return nil
}
