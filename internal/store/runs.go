package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/events"
)

// RunStore records imports and rollbacks.
type RunStore struct {
	store *Store
}

// Start records a new run and logs run.started.
func (rs *RunStore) Start(migrationID, operation, version string) (*domain.Run, error) {
	run := &domain.Run{
		UUID:        uuid.NewString(),
		MigrationID: migrationID,
		Operation:   operation,
		Version:     version,
		StartedAt:   time.Now().UTC().Truncate(time.Second),
	}

	err := rs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		_, err := tx.Exec(`
			INSERT INTO migrate_runs (uuid, migration_id, operation, version, started_at)
			VALUES (?, ?, ?, ?, ?)
		`, run.UUID, run.MigrationID, run.Operation, run.Version, formatTime(run.StartedAt))
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		return ew.LogRunStarted(tx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Finish stores the final counts of a run. A non-nil runErr marks it failed.
func (rs *RunStore) Finish(run *domain.Run, runErr error) error {
	finished := time.Now().UTC().Truncate(time.Second)
	run.FinishedAt = &finished
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	return rs.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		c := run.Counts
		_, err := tx.Exec(`
			UPDATE migrate_runs
			SET processed = ?, imported = ?, updated = ?, merged = ?, ignored = ?,
			    failed = ?, skipped = ?, error = ?, finished_at = ?
			WHERE uuid = ?
		`, c.Processed, c.Imported, c.Updated, c.Merged, c.Ignored, c.Failed, c.Skipped,
			run.Error, formatTime(finished), run.UUID)
		if err != nil {
			return fmt.Errorf("failed to finish run %s: %w", run.UUID, err)
		}
		return ew.LogRunFinished(tx, run)
	})
}

// Last returns the most recent run of a migration.
func (rs *RunStore) Last(migrationID string) (*domain.Run, error) {
	runs, err := rs.List(migrationID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs for %s", domain.ErrNotFound, migrationID)
	}
	return &runs[0], nil
}

// List returns runs newest first. An empty migrationID lists all runs.
func (rs *RunStore) List(migrationID string, limit int) ([]domain.Run, error) {
	query := `
		SELECT uuid, migration_id, operation, version, processed, imported, updated,
		       merged, ignored, failed, skipped, error, started_at, finished_at
		FROM migrate_runs
	`
	var args []any
	if migrationID != "" {
		query += " WHERE migration_id = ?"
		args = append(args, migrationID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := rs.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var r domain.Run
		var errMsg, finishedAt sql.NullString
		var startedAt string
		c := &r.Counts
		if err := rows.Scan(&r.UUID, &r.MigrationID, &r.Operation, &r.Version, &c.Processed, &c.Imported,
			&c.Updated, &c.Merged, &c.Ignored, &c.Failed, &c.Skipped, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		if finishedAt.Valid {
			t := parseTime(finishedAt.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LockHeldError is returned when another executable holds the run lock.
type LockHeldError struct {
	MigrationID string
	RunUUID     string
	PID         int
	Hostname    string
	AcquiredAt  time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("migration %s is already running (run %s, pid %d on %s since %s); use 'upm reset %s' to clear a stale lock",
		e.MigrationID, e.RunUUID, e.PID, e.Hostname, e.AcquiredAt.Format(time.RFC3339), e.MigrationID)
}

// LockStore guards against two executables of the same migration.
type LockStore struct {
	store *Store
}

// Acquire takes the run lock of a migration.
func (ls *LockStore) Acquire(migrationID, runUUID string, pid int, hostname string) error {
	return ls.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		held, err := getLock(tx, migrationID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if held != nil {
			return held
		}
		_, err = tx.Exec(`
			INSERT INTO migrate_locks (migration_id, run_uuid, pid, hostname)
			VALUES (?, ?, ?, ?)
		`, migrationID, runUUID, pid, hostname)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", migrationID, err)
		}
		return nil
	})
}

// Release drops the lock if it is still held by runUUID.
func (ls *LockStore) Release(migrationID, runUUID string) error {
	_, err := ls.store.db.Exec(`DELETE FROM migrate_locks WHERE migration_id = ? AND run_uuid = ?`, migrationID, runUUID)
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", migrationID, err)
	}
	return nil
}

// Get returns the current holder of a lock.
func (ls *LockStore) Get(migrationID string) (*LockHeldError, error) {
	return getLock(ls.store.db, migrationID)
}

// Clear removes a lock regardless of holder and logs lock.cleared. It
// returns false when no lock was held.
func (ls *LockStore) Clear(migrationID string) (bool, error) {
	cleared := false
	err := ls.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		held, err := getLock(tx, migrationID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM migrate_locks WHERE migration_id = ?`, migrationID); err != nil {
			return fmt.Errorf("failed to clear lock %s: %w", migrationID, err)
		}
		cleared = true
		return ew.LogLockCleared(tx, migrationID, held.RunUUID)
	})
	return cleared, err
}

func getLock(q rowQuerier, migrationID string) (*LockHeldError, error) {
	var l LockHeldError
	var acquired string
	err := q.QueryRow(`
		SELECT migration_id, run_uuid, pid, hostname, acquired_at FROM migrate_locks WHERE migration_id = ?
	`, migrationID).Scan(&l.MigrationID, &l.RunUUID, &l.PID, &l.Hostname, &acquired)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no lock for %s", domain.ErrNotFound, migrationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", migrationID, err)
	}
	l.AcquiredAt = parseTime(acquired)
	return &l, nil
}
