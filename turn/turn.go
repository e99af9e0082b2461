package turn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nohat/openclaw/idgen"
	"github.com/nohat/openclaw/store"
)

// Recovery and retention constants, grounded on the fixed backoff table
// conventions used by veille/internal/repair.Sweeper.
const (
	MaxRecoveryAttempts  = 3
	RecoveryBackoff      = 15 * time.Second
	MaxRecoveryAge       = 24 * time.Hour
	PruneAge             = 48 * time.Hour
	dedupeFallbackWindow = 10 * time.Minute
)

// Status is a message_turns.status value.
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusRunning         Status = "running"
	StatusDeliveryPending Status = "delivery_pending"
	StatusFailedRetryable Status = "failed_retryable"
	StatusDelivered       Status = "delivered"
	StatusAborted         Status = "aborted"
	StatusFailedTerminal  Status = "failed_terminal"
)

// terminal reports whether s is one of the three terminal statuses.
func (s Status) terminal() bool {
	switch s {
	case StatusDelivered, StatusAborted, StatusFailedTerminal:
		return true
	default:
		return false
	}
}

// Row is one message_turns record.
type Row struct {
	ID              string
	Channel         string
	AccountID       string
	ExternalID      sql.NullString
	DedupeKey       sql.NullString
	SessionKey      string
	Payload         string
	RouteChannel    string
	RouteTo         string
	RouteAccountID  string
	RouteThreadID   sql.NullString
	RouteReplyToID  sql.NullString
	Status          Status
	AcceptedAt      int64
	UpdatedAt       int64
	CompletedAt     sql.NullInt64
	AttemptCount    int
	NextAttemptAt   int64
	TerminalReason  string
}

// Journal owns all reads and writes to message_turns.
//
// Grounded on veille/internal/store/source.go's CRUD shape: exported
// methods on a struct wrapping *store.DB, each a single short statement
// or, for AcceptTurn, RecordTurnRecoveryFailure and PruneTurns, a short
// transaction via store.DB.WithTx.
type Journal struct {
	db     *store.DB
	idgen  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	// fallback is the in-memory dedupe cache used when a DB write fails
	// but a dedupe_key was still computable, keyed by
	// "channel\x1faccountID\x1fexternalID".
	fallbackMu     sync.Mutex
	fallback       map[string]time.Time
	lastWarnUnixNs int64
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator overrides the turn id generator (default: UUIDv7 prefixed
// "trn_").
func WithIDGenerator(g idgen.Generator) Option { return func(j *Journal) { j.idgen = g } }

// WithLogger overrides the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option { return func(j *Journal) { j.logger = l } }

// WithClock overrides the time source (test seam).
func WithClock(now func() time.Time) Option { return func(j *Journal) { j.now = now } }

// New constructs a Journal backed by db.
func New(db *store.DB, opts ...Option) *Journal {
	j := &Journal{
		db:       db,
		idgen:    idgen.Prefixed("trn_", idgen.UUIDv7()),
		now:      time.Now,
		logger:   slog.Default(),
		fallback: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Journal) nowMillis() int64 { return j.now().UnixMilli() }

func (j *Journal) warnOncePerMinute(msg string, args ...any) {
	now := j.now().UnixNano()
	last := atomic.LoadInt64(&j.lastWarnUnixNs)
	if now-last < int64(time.Minute) {
		return
	}
	if atomic.CompareAndSwapInt64(&j.lastWarnUnixNs, last, now) {
		j.logger.Warn(msg, args...)
	}
}

// AcceptResult is the outcome of AcceptTurn.
type AcceptResult struct {
	Accepted bool
	ID       string
}

// fallbackKey derives the in-memory fallback cache key for ctx, used only
// when the durable store write fails but a dedupe key was computable.
func fallbackKey(ctx MsgContext) string {
	channel, _ := ResolveRoute(ctx)
	return channel + dedupeSeparator + ctx.AccountId + dedupeSeparator + ctx.MessageSid
}

// AcceptTurn admits an inbound message as a new turn, deduplicating on the
// derived dedupe key.
func (j *Journal) AcceptTurn(ctx context.Context, msg MsgContext) (AcceptResult, error) {
	dedupeKey, hasDedupe := DedupeKey(msg)
	payload, err := SerializePayload(msg)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("turn: serialize payload: %w", err)
	}
	routeChannel, routeTo := ResolveRoute(msg)

	id := j.idgen()
	now := j.nowMillis()

	var dedupeArg any
	if hasDedupe {
		dedupeArg = dedupeKey
	}

	var threadArg, replyArg any
	if msg.ThreadId != "" {
		threadArg = string(msg.ThreadId)
	}
	if msg.ReplyToId != "" {
		replyArg = msg.ReplyToId
	}

	insert := func(tx *sql.Tx) (sql.Result, error) {
		if hasDedupe {
			return tx.ExecContext(ctx, `
				INSERT INTO message_turns (
					id, channel, account_id, external_id, dedupe_key, session_key, payload,
					route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
					status, accepted_at, updated_at, attempt_count, next_attempt_at, terminal_reason
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'running', ?, ?, 0, 0, '')
				ON CONFLICT(dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
				id, msg.OriginatingChannel, msg.AccountId, nullIfEmpty(msg.MessageSidFull), dedupeArg,
				msg.SessionKey, payload, routeChannel, routeTo, msg.AccountId, threadArg, replyArg,
				now, now,
			)
		}
		return tx.ExecContext(ctx, `
			INSERT INTO message_turns (
				id, channel, account_id, external_id, dedupe_key, session_key, payload,
				route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
				status, accepted_at, updated_at, attempt_count, next_attempt_at, terminal_reason
			) VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, 'running', ?, ?, 0, 0, '')`,
			id, msg.OriginatingChannel, msg.AccountId, nullIfEmpty(msg.MessageSidFull),
			msg.SessionKey, payload, routeChannel, routeTo, msg.AccountId, threadArg, replyArg,
			now, now,
		)
	}

	var res sql.Result
	txErr := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = insert(tx)
		return err
	})
	if txErr != nil {
		if !hasDedupe {
			// No dedupe possible: fail-open rather than reject the turn.
			j.warnOncePerMinute("turn: accept failed with no dedupe key, failing open", "error", txErr)
			return AcceptResult{Accepted: true, ID: id}, nil
		}
		return j.acceptViaFallback(msg, id)
	}

	n, _ := res.RowsAffected()
	return AcceptResult{Accepted: n == 1, ID: id}, nil
}

// acceptViaFallback is the in-memory fallback cache used when the
// database write itself fails: keyed by (channel, account_id,
// external_id) with a 10-minute TTL, fail-open beyond that.
func (j *Journal) acceptViaFallback(msg MsgContext, id string) (AcceptResult, error) {
	key := fallbackKey(msg)
	now := j.now()

	j.fallbackMu.Lock()
	defer j.fallbackMu.Unlock()

	j.warnOncePerMinute("turn: durable accept failed, using in-memory dedupe fallback", "key", key)

	if seenAt, ok := j.fallback[key]; ok && now.Sub(seenAt) < dedupeFallbackWindow {
		return AcceptResult{Accepted: false, ID: id}, nil
	}
	j.fallback[key] = now
	j.sweepFallbackLocked(now)
	return AcceptResult{Accepted: true, ID: id}, nil
}

// sweepFallbackLocked evicts expired fallback entries. Caller holds fallbackMu.
func (j *Journal) sweepFallbackLocked(now time.Time) {
	for k, t := range j.fallback {
		if now.Sub(t) >= dedupeFallbackWindow {
			delete(j.fallback, k)
		}
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
