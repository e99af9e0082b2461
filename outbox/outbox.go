// Package outbox implements the message_outbox journal: durable,
// retryable delivery of final reply payloads with fixed backoff, TTL
// expiry, and dead-lettering after exhausted retries.
//
// Grounded on veille/internal/repair.Sweeper's pass-budget loop shape
// for the worker-facing query surface, and on the standalone
// outbox-worker reference file for the fixed backoff-table/permanent-error
// dead-letter pattern; CRUD methods follow veille/internal/store's
// exported-method-per-operation convention.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nohat/openclaw/idgen"
	"github.com/nohat/openclaw/store"
)

// Retry and retention constants.
const (
	MaxRetries    = 5
	DefaultTTL    = 30 * time.Minute
	PruneAge      = 48 * time.Hour
)

// backoffTable is the fixed schedule indexed by attempt count (1-based);
// counts beyond the table length clamp to the last entry.
var backoffTable = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Backoff returns the delay before the next attempt after attemptCount
// failures: 0 for attemptCount==0, else the attemptCount-th table entry
// (1-indexed), clamped to the last entry for higher counts.
func Backoff(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	idx := attemptCount - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}

// permanentPatterns are case-insensitive substrings that, found in a
// delivery error, mark the failure as non-retryable regardless of
// attempt_count.
var permanentPatterns = []string{
	"no conversation reference found",
	"chat not found",
	"user not found",
	"bot was blocked by the user",
	"forbidden: bot was kicked",
	"chat_id is empty",
	"recipient is not a valid",
	"outbound not configured for channel",
}

// IsPermanent reports whether err's message matches a known permanent
// delivery-failure pattern.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ExpireAction selects what ExpireTTL does with a row whose TTL window has
// elapsed: mark it expired outright, or give it one last delivery attempt
// first. Mirrors config.ExpireAction without importing config, so outbox
// stays a leaf package.
type ExpireAction string

const (
	ExpireActionFail    ExpireAction = "fail"
	ExpireActionDeliver ExpireAction = "deliver"
)

// Status is a message_outbox.status value.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusFailedRetryable Status = "failed_retryable"
	StatusDelivered       Status = "delivered"
	StatusFailedTerminal  Status = "failed_terminal"
	StatusExpired         Status = "expired"
)

func (s Status) terminal() bool {
	switch s {
	case StatusDelivered, StatusFailedTerminal, StatusExpired:
		return true
	default:
		return false
	}
}

// ReplyPayload is one item of a Payload's Payloads slice: either text,
// media, or a poll, optionally targeting a specific message to reply to.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Poll      *Poll    `json:"poll,omitempty"`
	ReplyToId string   `json:"replyToId,omitempty"`
}

// Poll is the poll-specific shape of a ReplyPayload.
type Poll struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	MaxOptions  int      `json:"maxOptions,omitempty"`
	Anonymous   bool     `json:"anonymous,omitempty"`
	MultiChoice bool     `json:"multiChoice,omitempty"`
}

// Payload is the serialized shape of message_outbox.payload.
type Payload struct {
	Channel     string         `json:"channel"`
	To          string         `json:"to"`
	AccountId   string         `json:"accountId,omitempty"`
	Payloads    []ReplyPayload `json:"payloads,omitempty"`
	ThreadId    string         `json:"threadId,omitempty"`
	ReplyToId   string         `json:"replyToId,omitempty"`
	BestEffort  bool           `json:"bestEffort,omitempty"`
	GifPlayback bool           `json:"gifPlayback,omitempty"`
	Silent      bool           `json:"silent,omitempty"`
	Mirror      bool           `json:"mirror,omitempty"`
}

// Row is one message_outbox record.
type Row struct {
	ID             string
	TurnID         sql.NullString
	Channel        string
	AccountID      string
	Target         string
	Payload        string
	IdempotencyKey sql.NullString
	QueuedAt       int64
	Status         Status
	AttemptCount   int
	NextAttemptAt  int64
	LastAttemptAt  sql.NullInt64
	LastError      string
	ErrorClass     string
	TerminalReason string
	DeliveredAt    sql.NullInt64
	CompletedAt    sql.NullInt64
}

// StatusCounts is the aggregated {queued, delivered, failed} triple
// returned by GetOutboxStatusForTurn.
type StatusCounts struct {
	Queued    int
	Delivered int
	Failed    int
}

// EnqueueParams are the inputs to EnqueueDelivery.
type EnqueueParams struct {
	TurnID         string // empty for system-initiated sends with no turn
	Channel        string
	AccountID      string
	Target         string
	Payload        Payload
	IdempotencyKey string // empty disables the unique-idempotency constraint for this row
}

// Journal owns all reads and writes to message_outbox.
type Journal struct {
	db             *store.DB
	idgen          idgen.Generator
	now            func() time.Time
	ttl            time.Duration
	expireAction   ExpireAction
	deliverAttempt DeliveryAttempt
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator overrides the outbox row id generator (default: UUIDv7
// prefixed "obx_").
func WithIDGenerator(g idgen.Generator) Option { return func(j *Journal) { j.idgen = g } }

// WithClock overrides the time source (test seam).
func WithClock(now func() time.Time) Option { return func(j *Journal) { j.now = now } }

// WithTTL overrides the expiry max-age (default DefaultTTL).
func WithTTL(d time.Duration) Option { return func(j *Journal) { j.ttl = d } }

// New constructs a Journal backed by db.
func New(db *store.DB, opts ...Option) *Journal {
	j := &Journal{
		db:           db,
		idgen:        idgen.Prefixed("obx_", idgen.UUIDv7()),
		now:          time.Now,
		ttl:          DefaultTTL,
		expireAction: ExpireActionFail,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Journal) nowMillis() int64 { return j.now().UnixMilli() }

// EnqueueDelivery inserts a new queued row and returns its id.
func (j *Journal) EnqueueDelivery(ctx context.Context, p EnqueueParams) (string, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: marshal payload: %w", err)
	}

	id := j.idgen()
	now := j.nowMillis()

	var turnID, idem any
	if p.TurnID != "" {
		turnID = p.TurnID
	}
	if p.IdempotencyKey != "" {
		idem = p.IdempotencyKey
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO message_outbox (
			id, turn_id, channel, account_id, target, payload, idempotency_key,
			queued_at, status, attempt_count, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?)`,
		id, turnID, p.Channel, p.AccountID, p.Target, string(payloadJSON), idem, now, now)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return id, nil
}

// LoadPendingDeliveries returns queued/failed_retryable rows eligible for
// an attempt now, oldest first. When startupCutoff is non-nil, rows
// inserted after it that have never been attempted are excluded — they
// are being delivered live by an in-flight driver and must not be
// double-sent.
func (j *Journal) LoadPendingDeliveries(ctx context.Context, startupCutoff *int64) ([]Row, error) {
	now := j.nowMillis()
	query := `
		SELECT id, turn_id, channel, account_id, target, payload, idempotency_key,
		       queued_at, status, attempt_count, next_attempt_at, last_attempt_at,
		       last_error, error_class, terminal_reason, delivered_at, completed_at
		FROM message_outbox
		WHERE status IN ('queued','failed_retryable') AND next_attempt_at <= ?`
	args := []any{now}
	if startupCutoff != nil {
		query += ` AND NOT (queued_at > ? AND last_attempt_at IS NULL AND attempt_count = 0)`
		args = append(args, *startupCutoff)
	}
	query += ` ORDER BY queued_at ASC`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: LoadPendingDeliveries: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: LoadPendingDeliveries: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDelivery loads a single outbox row by id, for the admin
// introspection endpoints.
func (j *Journal) GetDelivery(ctx context.Context, id string) (Row, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, turn_id, channel, account_id, target, payload, idempotency_key,
		       queued_at, status, attempt_count, next_attempt_at, last_attempt_at,
		       last_error, error_class, terminal_reason, delivered_at, completed_at
		FROM message_outbox WHERE id=?`, id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("outbox: GetDelivery: %w", err)
	}
	return r, nil
}

// Eligible reports whether row r (never attempted, or previously failed)
// is eligible for another attempt right now, applying the backoff table
// since its last attempt.
func Eligible(r Row, now time.Time) bool {
	if r.AttemptCount == 0 && !r.LastAttemptAt.Valid {
		return true
	}
	last := r.QueuedAt
	if r.LastAttemptAt.Valid {
		last = r.LastAttemptAt.Int64
	}
	return last+Backoff(r.AttemptCount).Milliseconds() <= now.UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var r Row
	err := s.Scan(
		&r.ID, &r.TurnID, &r.Channel, &r.AccountID, &r.Target, &r.Payload, &r.IdempotencyKey,
		&r.QueuedAt, &r.Status, &r.AttemptCount, &r.NextAttemptAt, &r.LastAttemptAt,
		&r.LastError, &r.ErrorClass, &r.TerminalReason, &r.DeliveredAt, &r.CompletedAt,
	)
	return r, err
}
