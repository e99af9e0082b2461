package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nohat/openclaw/turn"
)

// TurnFinalizer is the narrow slice of turn.Journal that outbox
// transitions need in order to couple outbox terminalization back to the
// owning turn's ackDelivery/moveToFailed rules. turn.Journal satisfies
// this directly.
type TurnFinalizer interface {
	FinalizeTurn(ctx context.Context, id string, status turn.Status, reason string) error
}

// FailDelivery records a failed attempt. Permanent errors (matched via
// IsPermanent) dead-letter immediately; transient errors increment
// attempt_count and either schedule a backed-off retry or dead-letter
// once MaxRetries is reached.
func (j *Journal) FailDelivery(ctx context.Context, id string, deliveryErr error) error {
	now := j.nowMillis()

	if IsPermanent(deliveryErr) {
		_, err := j.db.ExecContext(ctx, `
			UPDATE message_outbox
			SET status='failed_terminal', error_class='permanent', last_error=?,
			    terminal_reason=?, completed_at=?, last_attempt_at=?
			WHERE id=? AND status IN ('queued','failed_retryable')`,
			deliveryErr.Error(), deliveryErr.Error(), now, now, id)
		if err != nil {
			return fmt.Errorf("outbox: FailDelivery: %w", err)
		}
		return nil
	}

	return j.db.WithTx(ctx, func(tx *sql.Tx) error {
		var attemptCount int
		var status Status
		err := tx.QueryRowContext(ctx, `SELECT attempt_count, status FROM message_outbox WHERE id=?`, id).
			Scan(&attemptCount, &status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		if status.terminal() {
			return nil
		}

		attemptCount++
		if attemptCount >= MaxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE message_outbox
				SET status='failed_terminal', attempt_count=?, error_class='terminal', last_error=?,
				    terminal_reason=?, completed_at=?, last_attempt_at=?
				WHERE id=? AND status IN ('queued','failed_retryable')`,
				attemptCount, deliveryErr.Error(), "retries exhausted", now, now, id)
			return err
		}

		nextAttempt := now + Backoff(attemptCount).Milliseconds()
		_, err = tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status='failed_retryable', attempt_count=?, next_attempt_at=?, last_attempt_at=?,
			    error_class='transient', last_error=?
			WHERE id=? AND status IN ('queued','failed_retryable')`,
			attemptCount, nextAttempt, now, deliveryErr.Error(), id)
		return err
	})
}

// AckDelivery marks a row delivered and, when it belongs to a turn, checks
// whether that turn's outbox has fully resolved (no active rows, at least
// one delivered, zero failed) — finalizing the turn as delivered when so.
func (j *Journal) AckDelivery(ctx context.Context, id string, turns TurnFinalizer) error {
	now := j.nowMillis()
	var turnID sql.NullString
	err := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT turn_id FROM message_outbox WHERE id=?`, id).Scan(&turnID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status='delivered', delivered_at=?, completed_at=?
			WHERE id=? AND status IN ('queued','failed_retryable')`,
			now, now, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox: AckDelivery: %w", err)
	}

	if !turnID.Valid || turnID.String == "" || turns == nil {
		return nil
	}
	counts, err := j.GetOutboxStatusForTurn(ctx, turnID.String)
	if err != nil {
		return fmt.Errorf("outbox: AckDelivery: status check: %w", err)
	}
	if counts.Queued == 0 && counts.Delivered > 0 && counts.Failed == 0 {
		if err := turns.FinalizeTurn(ctx, turnID.String, turn.StatusDelivered, "delivered"); err != nil && err != turn.ErrTerminal {
			return fmt.Errorf("outbox: AckDelivery: finalize turn: %w", err)
		}
	}
	return nil
}

// MoveToFailed dead-letters a row with a generic reason and mirrors the
// turn-finalization check: when the owning turn has no active outbox
// rows left and at least one failed row, the turn finalizes as failed.
func (j *Journal) MoveToFailed(ctx context.Context, id string, turns TurnFinalizer) error {
	now := j.nowMillis()
	var turnID sql.NullString
	err := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT turn_id FROM message_outbox WHERE id=?`, id).Scan(&turnID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status='failed_terminal', error_class='terminal', terminal_reason='retries exhausted',
			    completed_at=?, last_attempt_at=?
			WHERE id=? AND status IN ('queued','failed_retryable')`,
			now, now, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox: MoveToFailed: %w", err)
	}

	if !turnID.Valid || turnID.String == "" || turns == nil {
		return nil
	}
	counts, err := j.GetOutboxStatusForTurn(ctx, turnID.String)
	if err != nil {
		return fmt.Errorf("outbox: MoveToFailed: status check: %w", err)
	}
	if counts.Queued == 0 && counts.Failed > 0 {
		if err := turns.FinalizeTurn(ctx, turnID.String, turn.StatusFailedTerminal, "outbox delivery failed"); err != nil && err != turn.ErrTerminal {
			return fmt.Errorf("outbox: MoveToFailed: finalize turn: %w", err)
		}
	}
	return nil
}

// DeliveryAttempt performs one delivery attempt for a row's payload. It is
// supplied via WithExpireAction so ExpireTTL can make a last-chance send
// before marking a timed-out row expired, without outbox depending on the
// worker package that normally owns delivery.
type DeliveryAttempt func(ctx context.Context, row Row, payload Payload) error

// WithExpireAction configures what ExpireTTL does with rows whose TTL has
// elapsed. ExpireActionFail (the default) marks them expired unconditionally.
// ExpireActionDeliver gives each one delivery attempt via attempt first,
// marking the row delivered on success and falling back to expired only on
// failure (or when the row's payload can't be decoded). attempt may be nil,
// in which case ExpireActionDeliver behaves like ExpireActionFail.
func WithExpireAction(action ExpireAction, attempt DeliveryAttempt) Option {
	return func(j *Journal) {
		j.expireAction = action
		j.deliverAttempt = attempt
	}
}

// ExpireTTL disposes of queued/failed_retryable rows older than the
// configured TTL. Run before every recovery pass.
func (j *Journal) ExpireTTL(ctx context.Context, turns TurnFinalizer) (int64, error) {
	if j.expireAction == ExpireActionDeliver && j.deliverAttempt != nil {
		return j.expireWithFinalDelivery(ctx, turns)
	}
	return j.expireUnconditionally(ctx)
}

func (j *Journal) expireUnconditionally(ctx context.Context) (int64, error) {
	now := j.nowMillis()
	cutoff := now - j.ttl.Milliseconds()
	res, err := j.db.ExecContext(ctx, `
		UPDATE message_outbox
		SET status='expired', error_class='terminal', terminal_reason='expired', completed_at=?
		WHERE status IN ('queued','failed_retryable') AND queued_at < ?`,
		now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: ExpireTTL: %w", err)
	}
	return res.RowsAffected()
}

// expireWithFinalDelivery loads every row that would otherwise be expired,
// gives each one last delivery attempt, and only expires the ones that
// fail (or whose payload won't decode). Rows that succeed are acked like
// any other delivery, including the owning turn's finalization check.
func (j *Journal) expireWithFinalDelivery(ctx context.Context, turns TurnFinalizer) (int64, error) {
	cutoff := j.nowMillis() - j.ttl.Milliseconds()
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, turn_id, channel, account_id, target, payload, idempotency_key,
		       queued_at, status, attempt_count, next_attempt_at, last_attempt_at,
		       last_error, error_class, terminal_reason, delivered_at, completed_at
		FROM message_outbox
		WHERE status IN ('queued','failed_retryable') AND queued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: ExpireTTL: select: %w", err)
	}
	var expiring []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: ExpireTTL: scan: %w", err)
		}
		expiring = append(expiring, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("outbox: ExpireTTL: %w", err)
	}
	rows.Close()

	var expired int64
	for _, row := range expiring {
		var payload Payload
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			if err := j.expireOne(ctx, row.ID); err != nil {
				return expired, err
			}
			expired++
			continue
		}

		if attemptErr := j.deliverAttempt(ctx, row, payload); attemptErr == nil {
			if err := j.AckDelivery(ctx, row.ID, turns); err != nil {
				return expired, fmt.Errorf("outbox: ExpireTTL: ack final delivery: %w", err)
			}
			continue
		}

		if err := j.expireOne(ctx, row.ID); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (j *Journal) expireOne(ctx context.Context, id string) error {
	now := j.nowMillis()
	_, err := j.db.ExecContext(ctx, `
		UPDATE message_outbox
		SET status='expired', error_class='terminal', terminal_reason='expired', completed_at=?
		WHERE id=? AND status IN ('queued','failed_retryable')`,
		now, id)
	if err != nil {
		return fmt.Errorf("outbox: ExpireTTL: %w", err)
	}
	return nil
}

// PruneOutbox deletes terminal rows older than age.
func (j *Journal) PruneOutbox(ctx context.Context, age int64) (int64, error) {
	cutoff := j.nowMillis() - age
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM message_outbox
		WHERE status IN ('delivered','failed_terminal','expired')
		  AND COALESCE(completed_at, delivered_at, queued_at) < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: PruneOutbox: %w", err)
	}
	return res.RowsAffected()
}

// GetOutboxStatusForTurn aggregates status counts for all outbox rows
// belonging to turnID.
func (j *Journal) GetOutboxStatusForTurn(ctx context.Context, turnID string) (StatusCounts, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_outbox WHERE turn_id=? GROUP BY status`, turnID)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("outbox: GetOutboxStatusForTurn: %w", err)
	}
	defer rows.Close()

	var c StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("outbox: GetOutboxStatusForTurn: scan: %w", err)
		}
		switch Status(status) {
		case StatusQueued, StatusFailedRetryable:
			c.Queued += n
		case StatusDelivered:
			c.Delivered += n
		case StatusFailedTerminal, StatusExpired:
			c.Failed += n
		}
	}
	return c, rows.Err()
}
