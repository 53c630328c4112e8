// Package idmap persists, per migration, the mapping from source identity
// to destination identity together with a status and diagnostics.
//
// Each migration owns two tables in the state database:
//
//	migrate_map_<id>      sourceid1..N, destid1..M, source_row_status, rollback_action, message, last_imported
//	migrate_message_<id>  msgid, sourceid1..N, level, message, created_at
//
// At most one entry exists per source identity. Every write runs in an
// immediate transaction that reads the current entry before writing, so
// the invariant holds across processes whether or not the unique source
// index exists.
package idmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/lherron/upm/internal/domain"
	"github.com/sirupsen/logrus"
)

// Map is the identity map of one migration.
type Map interface {
	MigrationID() string
	SourceIDs() []domain.IDDefinition
	DestinationIDs() []domain.IDDefinition

	// EnsureTables creates the map and message tables and the unique source
	// index when possible. It must run before the first lookup.
	EnsureTables(ctx context.Context) error

	// Lookup returns the destination ids mapped to sourceIDs, nil when there
	// is no entry or the entry has no destination. A shorter key matches on
	// the leading source id columns.
	Lookup(ctx context.Context, sourceIDs []any) ([]any, error)
	// Get returns the full entry; domain.ErrNotFound when absent.
	Get(ctx context.Context, sourceIDs []any) (*domain.MapEntry, error)
	// LookupSource returns the source ids mapped to destIDs.
	LookupSource(ctx context.Context, destIDs []any) ([]any, error)

	Save(ctx context.Context, row *domain.Row, destIDs []any, status domain.Status, opts ...SaveOption) (*domain.MapEntry, error)
	SaveFailure(ctx context.Context, sourceIDs []any, message string) error
	SaveMessage(ctx context.Context, sourceIDs []any, message string, level domain.MessageLevel) error
	Delete(ctx context.Context, sourceIDs []any) error

	Messages(ctx context.Context, limit int) ([]domain.Message, error)
	Counts(ctx context.Context) (domain.MapCounts, error)
	Each(ctx context.Context, fn func(domain.MapEntry) error) error
	PrepareUpdate(ctx context.Context) (int64, error)
}

// ConflictError is returned by Save when the source identity is already
// mapped to a different destination. Existing holds the winning entry.
type ConflictError struct {
	MigrationID string
	SourceIDs   []any
	Existing    *domain.MapEntry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: source %v is already migrated to %v", e.MigrationID, e.SourceIDs, e.Existing.DestIDs)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

type saveOptions struct {
	allowReplace bool
	preserve     bool
	message      string
}

// SaveOption tunes a Save call.
type SaveOption func(*saveOptions)

// AllowReplace lets Save move an entry that is still needs_update to a
// different destination tuple. Used when a stub record is re-imported.
func AllowReplace() SaveOption {
	return func(o *saveOptions) { o.allowReplace = true }
}

// Preserve marks the entry so a rollback keeps its destination record.
// Used when a row is merged into a record it did not create.
func Preserve() SaveOption {
	return func(o *saveOptions) { o.preserve = true }
}

// WithMessage stores a message on the entry.
func WithMessage(msg string) SaveOption {
	return func(o *saveOptions) { o.message = msg }
}

// Option configures a SQLMap.
type Option func(*SQLMap)

// WithCacheSize caches up to n positive lookups. Zero disables the cache.
func WithCacheSize(n int) Option {
	return func(m *SQLMap) {
		if n > 0 {
			m.cache = gcache.New(n).LRU().Build()
		} else {
			m.cache = nil
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *SQLMap) { m.log = l }
}

// WithClock overrides time.Now for last_imported.
func WithClock(now func() time.Time) Option {
	return func(m *SQLMap) { m.now = now }
}

// SQLMap is the SQLite backed Map.
type SQLMap struct {
	db           *sql.DB
	migrationID  string
	sourceIDs    []domain.IDDefinition
	destIDs      []domain.IDDefinition
	mapTable     string
	messageTable string
	cache        gcache.Cache
	log          logrus.FieldLogger
	now          func() time.Time
}

var _ Map = (*SQLMap)(nil)

// New creates the identity map of a migration. Tables are not touched until
// EnsureTables.
func New(db *sql.DB, migrationID string, sourceIDs, destIDs []domain.IDDefinition, opts ...Option) (*SQLMap, error) {
	if err := domain.ValidateMigrationID(migrationID); err != nil {
		return nil, domain.ConfigError("%v", err)
	}
	if err := domain.ValidateIDList(sourceIDs); err != nil {
		return nil, domain.ConfigError("%s: source ids: %v", migrationID, err)
	}
	if err := domain.ValidateIDList(destIDs); err != nil {
		return nil, domain.ConfigError("%s: destination ids: %v", migrationID, err)
	}

	m := &SQLMap{
		db:           db,
		migrationID:  migrationID,
		sourceIDs:    sourceIDs,
		destIDs:      destIDs,
		mapTable:     MapTableName(migrationID),
		messageTable: MessageTableName(migrationID),
		log:          logrus.StandardLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MapTableName returns the map table of a migration.
func MapTableName(migrationID string) string {
	return "migrate_map_" + migrationID
}

// MessageTableName returns the message table of a migration.
func MessageTableName(migrationID string) string {
	return "migrate_message_" + migrationID
}

func (m *SQLMap) MigrationID() string                   { return m.migrationID }
func (m *SQLMap) SourceIDs() []domain.IDDefinition      { return m.sourceIDs }
func (m *SQLMap) DestinationIDs() []domain.IDDefinition { return m.destIDs }

// EnsureTables creates the tables if needed, then the unique source index.
func (m *SQLMap) EnsureTables(ctx context.Context) error {
	var cols []string
	for i, def := range m.sourceIDs {
		cols = append(cols, fmt.Sprintf("sourceid%d %s NOT NULL", i+1, columnType(def.Type)))
	}
	for i, def := range m.destIDs {
		cols = append(cols, fmt.Sprintf("destid%d %s", i+1, columnType(def.Type)))
	}
	cols = append(cols,
		"source_row_status INTEGER NOT NULL DEFAULT 0",
		"rollback_action INTEGER NOT NULL DEFAULT 0",
		"message TEXT NOT NULL DEFAULT ''",
		"last_imported TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))",
	)

	msgCols := []string{"msgid INTEGER PRIMARY KEY AUTOINCREMENT"}
	for i, def := range m.sourceIDs {
		msgCols = append(msgCols, fmt.Sprintf("sourceid%d %s NOT NULL", i+1, columnType(def.Type)))
	}
	msgCols = append(msgCols,
		"level INTEGER NOT NULL DEFAULT 1",
		"message TEXT NOT NULL",
		"created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))",
	)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", m.mapTable, strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", m.messageTable, strings.Join(msgCols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s__dest ON %s (destid1)", m.mapTable, m.mapTable),
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create identity map tables for %s: %w", m.migrationID, err)
		}
	}
	// Maps created before rollback_action existed.
	if err := m.ensureColumn(ctx, "rollback_action", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	result, err := m.EnsureSourceIndex(ctx)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"migration": m.migrationID, "index": result.String()}).Debug("identity map ready")
	return nil
}

func (m *SQLMap) ensureColumn(ctx context.Context, name, decl string) error {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", m.mapTable))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", m.mapTable, err)
	}
	found := false
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to inspect %s: %w", m.mapTable, err)
		}
		if col == name {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if found {
		return nil
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.mapTable, name, decl)); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", name, m.mapTable, err)
	}
	return nil
}

// Lookup returns the destination ids of a source identity.
func (m *SQLMap) Lookup(ctx context.Context, sourceIDs []any) ([]any, error) {
	entry, err := m.Get(ctx, sourceIDs)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !entry.HasDestination() {
		return nil, nil
	}
	return entry.DestIDs, nil
}

// Get returns the entry of a source identity.
func (m *SQLMap) Get(ctx context.Context, sourceIDs []any) (*domain.MapEntry, error) {
	values, err := m.normalizeSource(sourceIDs, true)
	if err != nil {
		return nil, err
	}
	full := len(values) == len(m.sourceIDs)
	key := cacheKey(values)
	if full && m.cache != nil {
		if v, err := m.cache.Get(key); err == nil {
			e := v.(domain.MapEntry)
			return &e, nil
		}
	}

	entry, err := m.get(ctx, m.db, values)
	if err != nil {
		return nil, err
	}
	if full && m.cache != nil && entry.HasDestination() {
		_ = m.cache.Set(key, *entry)
	}
	return entry, nil
}

// LookupSource returns the source ids of a destination identity.
func (m *SQLMap) LookupSource(ctx context.Context, destIDs []any) ([]any, error) {
	if len(destIDs) != len(m.destIDs) {
		return nil, fmt.Errorf("%s: expected %d destination id values, got %d", m.migrationID, len(m.destIDs), len(destIDs))
	}
	where := make([]string, len(destIDs))
	args := make([]any, len(destIDs))
	for i, def := range m.destIDs {
		v, err := def.Normalize(destIDs[i])
		if err != nil {
			return nil, err
		}
		where[i] = fmt.Sprintf("destid%d = ?", i+1)
		args[i] = v
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY rowid LIMIT 1",
		m.columnList(), m.mapTable, strings.Join(where, " AND "))
	entry, err := m.scanEntry(m.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.SourceIDs, nil
}

// Save records the destination of a row. See ConflictError for the case
// where the source identity already maps elsewhere.
func (m *SQLMap) Save(ctx context.Context, row *domain.Row, destIDs []any, status domain.Status, opts ...SaveOption) (*domain.MapEntry, error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	rawSource, err := row.SourceIDValues()
	if err != nil {
		return nil, err
	}
	src, err := m.normalizeSource(rawSource, false)
	if err != nil {
		return nil, err
	}
	dest, err := m.normalizeDest(destIDs)
	if err != nil {
		return nil, err
	}

	var result *domain.MapEntry
	err = m.withWriteTx(ctx, func(tx *sql.Tx) error {
		result = nil
		now := m.now().UTC().Truncate(time.Second)
		existing, err := m.get(ctx, tx, src)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		next := &domain.MapEntry{SourceIDs: src, DestIDs: dest, Status: status, Message: o.message, LastImported: now}
		if o.preserve {
			next.RollbackAction = domain.RollbackPreserve
		}
		switch {
		case existing == nil:
			if err := m.insert(ctx, tx, next); err != nil {
				return err
			}
		case len(dest) == 0 && existing.HasDestination():
			// Never downgrade a mapped entry to one without a destination.
			result = existing
			return nil
		case !existing.HasDestination(), sameIDs(existing.DestIDs, dest):
			if err := m.update(ctx, tx, next); err != nil {
				return err
			}
		case o.allowReplace && existing.Status == domain.StatusNeedsUpdate:
			if err := m.update(ctx, tx, next); err != nil {
				return err
			}
		default:
			result = existing
			return &ConflictError{MigrationID: m.migrationID, SourceIDs: src, Existing: existing}
		}
		result = next
		return nil
	})
	m.forget(src)

	if c, ok := IsConflict(err); ok {
		m.log.WithFields(logrus.Fields{
			"migration": m.migrationID,
			"source":    src,
			"existing":  c.Existing.DestIDs,
			"rejected":  dest,
		}).Debug("identity already mapped")
		return c.Existing, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveFailure records a failure. A failed entry without destination is
// created only when no entry exists; an existing mapping keeps its
// destination and status and only gets the message.
func (m *SQLMap) SaveFailure(ctx context.Context, sourceIDs []any, message string) error {
	src, err := m.normalizeSource(sourceIDs, false)
	if err != nil {
		return err
	}
	err = m.withWriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.get(ctx, tx, src)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		now := m.now().UTC().Truncate(time.Second)
		if existing == nil {
			if err := m.insert(ctx, tx, &domain.MapEntry{SourceIDs: src, Status: domain.StatusFailed, Message: message, LastImported: now}); err != nil {
				return err
			}
		} else {
			where, args := m.sourceWhere(src)
			query := fmt.Sprintf("UPDATE %s SET message = ? WHERE %s", m.mapTable, where)
			if _, err := tx.ExecContext(ctx, query, append([]any{message}, args...)...); err != nil {
				return fmt.Errorf("failed to record failure for %s %v: %w", m.migrationID, src, err)
			}
		}
		return m.insertMessage(ctx, tx, src, message, domain.MessageError)
	})
	m.forget(src)
	return err
}

// SaveMessage records a diagnostic only.
func (m *SQLMap) SaveMessage(ctx context.Context, sourceIDs []any, message string, level domain.MessageLevel) error {
	src, err := m.normalizeSource(sourceIDs, false)
	if err != nil {
		return err
	}
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		return m.insertMessage(ctx, tx, src, message, level)
	})
}

// Delete removes the entry and messages of a source identity.
func (m *SQLMap) Delete(ctx context.Context, sourceIDs []any) error {
	src, err := m.normalizeSource(sourceIDs, false)
	if err != nil {
		return err
	}
	err = m.withWriteTx(ctx, func(tx *sql.Tx) error {
		where, args := m.sourceWhere(src)
		for _, table := range []string{m.mapTable, m.messageTable} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...); err != nil {
				return fmt.Errorf("failed to delete %v from %s: %w", src, table, err)
			}
		}
		return nil
	})
	m.forget(src)
	return err
}

// Messages returns the most recent messages, newest first.
func (m *SQLMap) Messages(ctx context.Context, limit int) ([]domain.Message, error) {
	cols := make([]string, len(m.sourceIDs))
	for i := range m.sourceIDs {
		cols[i] = fmt.Sprintf("sourceid%d", i+1)
	}
	query := fmt.Sprintf("SELECT msgid, %s, level, message, created_at FROM %s ORDER BY msgid DESC",
		strings.Join(cols, ", "), m.messageTable)
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", m.migrationID, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		raw := make([]any, len(m.sourceIDs))
		var created string
		dest := []any{&msg.ID}
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		dest = append(dest, &msg.Level, &msg.Message, &created)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SourceIDs, err = normalizeAll(m.sourceIDs, raw)
		if err != nil {
			return nil, err
		}
		msg.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Counts summarizes entries by status.
func (m *SQLMap) Counts(ctx context.Context) (domain.MapCounts, error) {
	var c domain.MapCounts
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT source_row_status, COUNT(*) FROM %s GROUP BY source_row_status", m.mapTable))
	if err != nil {
		return c, fmt.Errorf("failed to count %s: %w", m.mapTable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("failed to scan counts: %w", err)
		}
		c.Total += n
		switch status {
		case domain.StatusImported:
			c.Imported = n
		case domain.StatusNeedsUpdate:
			c.NeedsUpdate = n
		case domain.StatusIgnored:
			c.Ignored = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

const eachPageSize = 500

// Each visits every entry in insertion order. Pages are read in separate
// queries so fn may write to the map.
func (m *SQLMap) Each(ctx context.Context, fn func(domain.MapEntry) error) error {
	var after int64
	for {
		query := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE rowid > ? ORDER BY rowid LIMIT %d", m.columnList(), m.mapTable, eachPageSize)
		rows, err := m.db.QueryContext(ctx, query, after)
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", m.mapTable, err)
		}
		var page []domain.MapEntry
		for rows.Next() {
			var rowid int64
			entry, err := m.scanEntryWith(rows, &rowid)
			if err != nil {
				rows.Close()
				return err
			}
			after = rowid
			page = append(page, *entry)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < eachPageSize {
			return nil
		}
	}
}

// PrepareUpdate flags every entry needs_update so the next run reprocesses
// all rows.
func (m *SQLMap) PrepareUpdate(ctx context.Context) (int64, error) {
	var n int64
	err := m.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET source_row_status = ?", m.mapTable), domain.StatusNeedsUpdate)
		if err != nil {
			return fmt.Errorf("failed to prepare update of %s: %w", m.migrationID, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if m.cache != nil {
		m.cache.Purge()
	}
	return n, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *SQLMap) get(ctx context.Context, q queryer, src []any) (*domain.MapEntry, error) {
	where, args := m.sourceWhere(src)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY rowid LIMIT 1", m.columnList(), m.mapTable, where)
	return m.scanEntry(q.QueryRowContext(ctx, query, args...))
}

func (m *SQLMap) insert(ctx context.Context, tx *sql.Tx, e *domain.MapEntry) error {
	var cols, marks []string
	var args []any
	for i, v := range e.SourceIDs {
		cols = append(cols, fmt.Sprintf("sourceid%d", i+1))
		args = append(args, v)
	}
	for i := range m.destIDs {
		cols = append(cols, fmt.Sprintf("destid%d", i+1))
		args = append(args, destAt(e.DestIDs, i))
	}
	cols = append(cols, "source_row_status", "rollback_action", "message", "last_imported")
	args = append(args, e.Status, e.RollbackAction, e.Message, e.LastImported.Format(time.RFC3339))
	for range cols {
		marks = append(marks, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.mapTable, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert map entry for %s %v: %w", m.migrationID, e.SourceIDs, err)
	}
	return nil
}

func (m *SQLMap) update(ctx context.Context, tx *sql.Tx, e *domain.MapEntry) error {
	var sets []string
	var args []any
	for i := range m.destIDs {
		sets = append(sets, fmt.Sprintf("destid%d = ?", i+1))
		args = append(args, destAt(e.DestIDs, i))
	}
	sets = append(sets, "source_row_status = ?", "rollback_action = ?", "message = ?", "last_imported = ?")
	args = append(args, e.Status, e.RollbackAction, e.Message, e.LastImported.Format(time.RFC3339))
	where, whereArgs := m.sourceWhere(e.SourceIDs)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", m.mapTable, strings.Join(sets, ", "), where)
	if _, err := tx.ExecContext(ctx, query, append(args, whereArgs...)...); err != nil {
		return fmt.Errorf("failed to update map entry for %s %v: %w", m.migrationID, e.SourceIDs, err)
	}
	return nil
}

func (m *SQLMap) insertMessage(ctx context.Context, tx *sql.Tx, src []any, message string, level domain.MessageLevel) error {
	var cols, marks []string
	var args []any
	for i, v := range src {
		cols = append(cols, fmt.Sprintf("sourceid%d", i+1))
		marks = append(marks, "?")
		args = append(args, v)
	}
	cols = append(cols, "level", "message")
	marks = append(marks, "?", "?")
	args = append(args, level, message)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.messageTable, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save message for %s %v: %w", m.migrationID, src, err)
	}
	return nil
}

func (m *SQLMap) columnList() string {
	var cols []string
	for i := range m.sourceIDs {
		cols = append(cols, fmt.Sprintf("sourceid%d", i+1))
	}
	for i := range m.destIDs {
		cols = append(cols, fmt.Sprintf("destid%d", i+1))
	}
	cols = append(cols, "source_row_status", "rollback_action", "message", "last_imported")
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func (m *SQLMap) scanEntry(s scanner) (*domain.MapEntry, error) {
	return m.scanEntryWith(s)
}

func (m *SQLMap) scanEntryWith(s scanner, prefix ...any) (*domain.MapEntry, error) {
	src := make([]any, len(m.sourceIDs))
	dst := make([]any, len(m.destIDs))
	var e domain.MapEntry
	var last string
	targets := append([]any{}, prefix...)
	for i := range src {
		targets = append(targets, &src[i])
	}
	for i := range dst {
		targets = append(targets, &dst[i])
	}
	targets = append(targets, &e.Status, &e.RollbackAction, &e.Message, &last)

	if err := s.Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no map entry in %s", domain.ErrNotFound, m.migrationID)
		}
		return nil, fmt.Errorf("failed to scan map entry: %w", err)
	}

	var err error
	if e.SourceIDs, err = normalizeAll(m.sourceIDs, src); err != nil {
		return nil, err
	}
	hasDest := false
	for _, v := range dst {
		if v != nil {
			hasDest = true
		}
	}
	if hasDest {
		if e.DestIDs, err = normalizeAll(m.destIDs, dst); err != nil {
			return nil, err
		}
	}
	e.LastImported, _ = time.Parse(time.RFC3339, last)
	return &e, nil
}

func (m *SQLMap) sourceWhere(src []any) (string, []any) {
	where := make([]string, len(src))
	for i := range src {
		where[i] = fmt.Sprintf("sourceid%d = ?", i+1)
	}
	return strings.Join(where, " AND "), src
}

func (m *SQLMap) normalizeSource(values []any, allowPrefix bool) ([]any, error) {
	if len(values) == 0 || len(values) > len(m.sourceIDs) || (!allowPrefix && len(values) != len(m.sourceIDs)) {
		return nil, fmt.Errorf("%s: expected %d source id values, got %d", m.migrationID, len(m.sourceIDs), len(values))
	}
	return normalizeAll(m.sourceIDs[:len(values)], values)
}

func (m *SQLMap) normalizeDest(values []any) ([]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) != len(m.destIDs) {
		return nil, fmt.Errorf("%s: expected %d destination id values, got %d", m.migrationID, len(m.destIDs), len(values))
	}
	return normalizeAll(m.destIDs, values)
}

func (m *SQLMap) forget(src []any) {
	if m.cache != nil && len(src) == len(m.sourceIDs) {
		m.cache.Remove(cacheKey(src))
	}
}

func normalizeAll(defs []domain.IDDefinition, values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		n, err := defs[i].Normalize(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func columnType(t domain.IDType) string {
	if t == domain.IDTypeInteger {
		return "INTEGER"
	}
	return "TEXT"
}

func destAt(ids []any, i int) any {
	if i < len(ids) {
		return ids[i]
	}
	return nil
}

func sameIDs(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cacheKey(values []any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0)
		}
		switch x := v.(type) {
		case int64:
			fmt.Fprintf(&b, "i%d", x)
		default:
			fmt.Fprintf(&b, "s%v", x)
		}
	}
	return b.String()
}
