package store

import (
	"database/sql"
	"fmt"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/events"
)

// EventStore reads and appends the run event log.
type EventStore struct {
	store *Store
}

// List returns the most recent events, oldest first. An empty migrationID
// lists events of every migration.
func (es *EventStore) List(migrationID string, limit int) ([]domain.Event, error) {
	query := `SELECT id, timestamp, run_uuid, migration_id, event_type, payload FROM event_log`
	var args []any
	if migrationID != "" {
		query += " WHERE migration_id = ?"
		args = append(args, migrationID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := es.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var runUUID, payload sql.NullString
		if err := rows.Scan(&e.ID, &ts, &runUUID, &e.MigrationID, &e.EventType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		if runUUID.Valid {
			e.RunUUID = &runUUID.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// StubCreated appends a stub.created event.
func (es *EventStore) StubCreated(runUUID *string, ownerID string, sourceIDs, destIDs []any) error {
	return es.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		return ew.LogStubCreated(tx, runUUID, ownerID, sourceIDs, destIDs)
	})
}

// UpdateRequested appends a map.update_requested event.
func (es *EventStore) UpdateRequested(runUUID *string, migrationID string, affected int64) error {
	return es.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		return ew.LogUpdateRequested(tx, runUUID, migrationID, affected)
	})
}
