package turn

import (
	"context"
	"database/sql"
	"fmt"
)

// MarkTurnRunning transitions a turn from accepted/failed_retryable into
// running. Returns ErrNotFound if id does not exist, ErrTerminal if the
// current status does not permit the transition.
func (j *Journal) MarkTurnRunning(ctx context.Context, id string) error {
	return j.conditionalUpdate(ctx, id,
		`UPDATE message_turns SET status='running', updated_at=?
		 WHERE id=? AND status IN ('accepted','failed_retryable')`,
		[]any{j.nowMillis(), id})
}

// MarkTurnDeliveryPending transitions a non-terminal turn into
// delivery_pending: at least one outbox row has been queued for it.
func (j *Journal) MarkTurnDeliveryPending(ctx context.Context, id string) error {
	return j.conditionalUpdate(ctx, id,
		`UPDATE message_turns SET status='delivery_pending', updated_at=?
		 WHERE id=? AND status NOT IN ('delivered','aborted','failed_terminal')`,
		[]any{j.nowMillis(), id})
}

// FinalizeTurn transitions a non-terminal turn to one of the three
// terminal statuses, recording reason and completed_at.
func (j *Journal) FinalizeTurn(ctx context.Context, id string, status Status, reason string) error {
	if !status.terminal() {
		return fmt.Errorf("turn: FinalizeTurn: %q is not a terminal status", status)
	}
	now := j.nowMillis()
	return j.conditionalUpdate(ctx, id,
		`UPDATE message_turns SET status=?, terminal_reason=?, completed_at=?, updated_at=?
		 WHERE id=? AND status NOT IN ('delivered','aborted','failed_terminal')`,
		[]any{string(status), reason, now, now, id})
}

// RecordTurnRecoveryFailure records a failed resume attempt. While
// attempt_count stays below MaxRecoveryAttempts the turn becomes
// failed_retryable with a backed-off next_attempt_at; at the threshold it
// becomes failed_terminal instead.
func (j *Journal) RecordTurnRecoveryFailure(ctx context.Context, id string, reason string) error {
	now := j.nowMillis()
	return j.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status Status
		var attemptCount int
		err := tx.QueryRowContext(ctx,
			`SELECT status, attempt_count FROM message_turns WHERE id=?`, id,
		).Scan(&status, &attemptCount)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("turn: RecordTurnRecoveryFailure: select: %w", err)
		}
		if status.terminal() {
			return ErrTerminal
		}

		attemptCount++
		if attemptCount >= MaxRecoveryAttempts {
			_, err = tx.ExecContext(ctx,
				`UPDATE message_turns
				 SET status='failed_terminal', attempt_count=?, terminal_reason=?, completed_at=?, updated_at=?
				 WHERE id=? AND status NOT IN ('delivered','aborted','failed_terminal')`,
				attemptCount, reason, now, now, id)
			return err
		}

		nextAttempt := now + RecoveryBackoff.Milliseconds()
		_, err = tx.ExecContext(ctx,
			`UPDATE message_turns
			 SET status='failed_retryable', attempt_count=?, next_attempt_at=?, terminal_reason=?, updated_at=?
			 WHERE id=? AND status NOT IN ('delivered','aborted','failed_terminal')`,
			attemptCount, nextAttempt, reason, now, id)
		return err
	})
}

// FailStaleTurns terminalizes every non-terminal turn accepted more than
// maxAge ago. Used for the blanket sweep at the top of every turn-worker
// pass.
func (j *Journal) FailStaleTurns(ctx context.Context, maxAgeMs int64) (int64, error) {
	now := j.nowMillis()
	res, err := j.db.ExecContext(ctx,
		`UPDATE message_turns
		 SET status='failed_terminal', terminal_reason='stale: exceeded max recovery age', completed_at=?, updated_at=?
		 WHERE status NOT IN ('delivered','aborted','failed_terminal') AND accepted_at < ?`,
		now, now, now-maxAgeMs)
	if err != nil {
		return 0, fmt.Errorf("turn: FailStaleTurns: %w", err)
	}
	return res.RowsAffected()
}

// AbortTurnsForSession flips every non-terminal turn for sessionKey to
// aborted. Used for session-scoped cancellation.
func (j *Journal) AbortTurnsForSession(ctx context.Context, sessionKey string) (int64, error) {
	now := j.nowMillis()
	res, err := j.db.ExecContext(ctx,
		`UPDATE message_turns
		 SET status='aborted', terminal_reason='session aborted', completed_at=?, updated_at=?
		 WHERE status NOT IN ('delivered','aborted','failed_terminal') AND session_key=?`,
		now, now, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("turn: AbortTurnsForSession: %w", err)
	}
	return res.RowsAffected()
}

// PruneTurns deletes terminal turns older than age. When cascadeOutbox is
// true, outbox rows referencing a pruned turn are deleted in the same
// transaction; otherwise they are left as orphans for outbox.PruneOutbox
// to reap on its own schedule.
func (j *Journal) PruneTurns(ctx context.Context, age int64, cascadeOutbox bool) (int64, error) {
	cutoff := j.nowMillis() - age
	var affected int64
	err := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		if cascadeOutbox {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM message_outbox WHERE turn_id IN (
					SELECT id FROM message_turns
					WHERE status IN ('delivered','aborted','failed_terminal')
					  AND COALESCE(completed_at, updated_at, accepted_at) < ?
				)`, cutoff)
			if err != nil {
				return fmt.Errorf("cascade delete outbox: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_turns
			WHERE status IN ('delivered','aborted','failed_terminal')
			  AND COALESCE(completed_at, updated_at, accepted_at) < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// conditionalUpdate runs a status-guarded UPDATE and translates the
// rows-affected count into ErrNotFound/ErrTerminal, matching the
// "rejected when current state is terminal" rule applied throughout the
// turn state machine.
func (j *Journal) conditionalUpdate(ctx context.Context, id string, query string, args []any) error {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("turn: conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("turn: conditional update: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status sql.NullString
	lookupErr := j.db.QueryRowContext(ctx, `SELECT status FROM message_turns WHERE id=?`, id).Scan(&status)
	if lookupErr == sql.ErrNoRows {
		return ErrNotFound
	}
	if lookupErr != nil {
		return fmt.Errorf("turn: conditional update: lookup: %w", lookupErr)
	}
	return ErrTerminal
}
