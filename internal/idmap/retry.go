package idmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

const writeRetryMaxElapsed = 30 * time.Second

func newWriteBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = writeRetryMaxElapsed
	return bo
}

// isBusy reports whether err is SQLite lock contention from another
// connection or process.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withWriteTx runs fn in a write transaction, retrying the whole
// transaction while the database is busy. Other errors stop immediately.
func (m *SQLMap) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return backoff.Retry(func() error {
		err := m.runTx(ctx, fn)
		if err != nil && isBusy(err) {
			m.log.WithField("migration", m.migrationID).Debug("identity map busy, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newWriteBackoff(), ctx))
}

func (m *SQLMap) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
