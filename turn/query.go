package turn

import (
	"context"
	"database/sql"
	"fmt"
)

// GetTurn loads a single row by id.
func (j *Journal) GetTurn(ctx context.Context, id string) (Row, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, channel, account_id, external_id, dedupe_key, session_key, payload,
		       route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
		       status, accepted_at, updated_at, completed_at, attempt_count, next_attempt_at, terminal_reason
		FROM message_turns WHERE id=?`, id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("turn: GetTurn: %w", err)
	}
	return r, nil
}

// ListRecoverableTurns returns non-terminal rows accepted within
// [now-maxAge, now-minAge] whose next_attempt_at has elapsed, oldest
// first. minAge keeps a live in-process driver from having its own turn
// stolen out from under it; maxAge is typically MaxRecoveryAge.
func (j *Journal) ListRecoverableTurns(ctx context.Context, minAgeMs, maxAgeMs int64, limit int) ([]Row, error) {
	now := j.nowMillis()
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, channel, account_id, external_id, dedupe_key, session_key, payload,
		       route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
		       status, accepted_at, updated_at, completed_at, attempt_count, next_attempt_at, terminal_reason
		FROM message_turns
		WHERE status NOT IN ('delivered','aborted','failed_terminal')
		  AND accepted_at BETWEEN ? AND ?
		  AND next_attempt_at <= ?
		ORDER BY accepted_at ASC
		LIMIT ?`,
		now-maxAgeMs, now-minAgeMs, now, limit)
	if err != nil {
		return nil, fmt.Errorf("turn: ListRecoverableTurns: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("turn: ListRecoverableTurns: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTurnsByStatus returns up to limit rows in the given status, most
// recently accepted first. status="" matches any status. Used by the
// admin introspection endpoints, not by the recovery loop.
func (j *Journal) ListTurnsByStatus(ctx context.Context, status string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, channel, account_id, external_id, dedupe_key, session_key, payload,
		       route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
		       status, accepted_at, updated_at, completed_at, attempt_count, next_attempt_at, terminal_reason
		FROM message_turns`
	args := []any{}
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	query += " ORDER BY accepted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("turn: ListTurnsByStatus: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("turn: ListTurnsByStatus: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HydrateTurnContext parses a row's stored payload back into a
// MsgContext, returning ok=false when the payload cannot be reconstructed
// into a usable route.
func HydrateTurnContext(r Row) (MsgContext, bool) {
	return HydratePayload(r.Payload)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var r Row
	err := s.Scan(
		&r.ID, &r.Channel, &r.AccountID, &r.ExternalID, &r.DedupeKey, &r.SessionKey, &r.Payload,
		&r.RouteChannel, &r.RouteTo, &r.RouteAccountID, &r.RouteThreadID, &r.RouteReplyToID,
		&r.Status, &r.AcceptedAt, &r.UpdatedAt, &r.CompletedAt, &r.AttemptCount, &r.NextAttemptAt, &r.TerminalReason,
	)
	return r, err
}
