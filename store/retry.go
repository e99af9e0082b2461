package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const txRetries = 3

// isBusyErr reports whether err indicates a SQLITE_BUSY condition: the
// driver, turn-worker, and outbox-worker all write through WithTx
// concurrently, and SQLite serializes writers by failing the loser rather
// than blocking indefinitely.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// runTx is the transaction(db, fn) primitive the multi-statement
// turn/outbox transitions run through: a transaction begun with default
// options (SQLite's deferred mode, not BEGIN IMMEDIATE), attempted up to
// txRetries times in all on SQLITE_BUSY, sleeping 100ms then 200ms
// between attempts, rolled back on any error fn returns.
func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	for i := range txRetries {
		err := runTxOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !isBusyErr(err) || i == txRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("store: context cancelled during tx retry: %w", err)
		}
	}
	return fmt.Errorf("store: runTx: max retries exceeded")
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
