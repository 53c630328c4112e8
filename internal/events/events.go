package events

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lherron/upm/internal/domain"
)

// Event types written by the migrate executable.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunFailed   = "run.failed"
	StubCreated = "stub.created"
	LockCleared = "lock.cleared"
	MapReset    = "map.update_requested"
)

// Writer handles writing events to the event log
type Writer struct {
	db *sql.DB
}

// NewWriter creates a new event writer
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// LogEvent writes an event to the event log
func (w *Writer) LogEvent(tx *sql.Tx, event *domain.Event) error {
	query := `
		INSERT INTO event_log (run_uuid, migration_id, event_type, payload)
		VALUES (?, ?, ?, ?)
	`

	executor := w.getExecutor(tx)
	_, err := executor.Exec(query, event.RunUUID, event.MigrationID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogRunStarted logs the start of an import or rollback
func (w *Writer) LogRunStarted(tx *sql.Tx, run *domain.Run) error {
	return w.logRun(tx, RunStarted, run, map[string]interface{}{
		"operation": run.Operation,
		"version":   run.Version,
	})
}

// LogRunFinished logs the outcome of a run, failed or not
func (w *Writer) LogRunFinished(tx *sql.Tx, run *domain.Run) error {
	eventType := RunFinished
	payload := map[string]interface{}{
		"operation": run.Operation,
		"counts":    run.Counts,
	}
	if run.Error != nil {
		eventType = RunFailed
		payload["error"] = *run.Error
	}
	return w.logRun(tx, eventType, run, payload)
}

// LogStubCreated logs a placeholder record created on behalf of another migration
func (w *Writer) LogStubCreated(tx *sql.Tx, runUUID *string, ownerID string, sourceIDs, destIDs []any) error {
	payload, err := json.Marshal(map[string]interface{}{
		"source_ids":      sourceIDs,
		"destination_ids": destIDs,
	})
	if err != nil {
		return err
	}

	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		RunUUID:     runUUID,
		MigrationID: ownerID,
		EventType:   StubCreated,
		Payload:     &payloadStr,
	})
}

// LogLockCleared logs a manual reset of a run lock
func (w *Writer) LogLockCleared(tx *sql.Tx, migrationID, heldBy string) error {
	payload, err := json.Marshal(map[string]interface{}{"run_uuid": heldBy})
	if err != nil {
		return err
	}

	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		MigrationID: migrationID,
		EventType:   LockCleared,
		Payload:     &payloadStr,
	})
}

// LogUpdateRequested logs that every mapping of a migration was flagged for update
func (w *Writer) LogUpdateRequested(tx *sql.Tx, runUUID *string, migrationID string, affected int64) error {
	payload, err := json.Marshal(map[string]interface{}{"affected": affected})
	if err != nil {
		return err
	}

	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		RunUUID:     runUUID,
		MigrationID: migrationID,
		EventType:   MapReset,
		Payload:     &payloadStr,
	})
}

func (w *Writer) logRun(tx *sql.Tx, eventType string, run *domain.Run, fields map[string]interface{}) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		RunUUID:     &run.UUID,
		MigrationID: run.MigrationID,
		EventType:   eventType,
		Payload:     &payloadStr,
	})
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
