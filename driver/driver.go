// Package driver orchestrates one turn end to end: admission, reply
// generation through a Dispatcher, outbox status evaluation, and turn
// finalization.
//
// Grounded on channels.Dispatcher's dispatch() method (handler call
// followed by a response-send loop), generalized into the
// accept -> generate -> enqueue -> finalize pipeline.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/nohat/openclaw/dispatch"
	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/turn"
)

// ReplyGenerator is the external reply-computation collaborator (the
// "agent"). It streams intermediate emissions and final replies through
// the supplied Dispatcher and returns when the turn's work is done.
type ReplyGenerator func(ctx context.Context, msg turn.MsgContext, d *dispatch.Dispatcher) error

// Config tunes driver behavior.
type Config struct {
	// FailOpenOnQueuedFinal applies when the outbox holds no rows for the
	// turn and only some of its final replies went through the
	// dispatcher (0 < Counts.Sent < Counts.FinalReplies): true finalizes
	// the turn as delivered anyway; false (default, the stricter path)
	// records a recovery failure instead. It is not consulted when none
	// of the final replies went through (Counts.Sent == 0): that case
	// always records a recovery failure. The dispatcher's Sent counter
	// does not tell a queued reply from a provider-confirmed send.
	FailOpenOnQueuedFinal bool
}

// Result is returned by DispatchInboundMessage/DispatchResumedTurn.
type Result struct {
	TurnID      string
	QueuedFinal bool
	Counts      dispatch.Counts
}

// Driver wires together the turn journal, outbox journal, and an
// in-process set of active turn ids.
type Driver struct {
	turns  *turn.Journal
	outbox *outbox.Journal
	cfg    Config

	activeMu sync.Mutex
	active   map[string]struct{}
}

// New constructs a Driver.
func New(turns *turn.Journal, outboxJournal *outbox.Journal, cfg Config) *Driver {
	return &Driver{turns: turns, outbox: outboxJournal, cfg: cfg, active: make(map[string]struct{})}
}

// IsActive reports whether turnID is currently registered as in-flight in
// this process. The turn-worker uses this to avoid stealing a turn a live
// driver already owns.
func (d *Driver) IsActive(turnID string) bool {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	_, ok := d.active[turnID]
	return ok
}

func (d *Driver) registerActive(turnID string) {
	d.activeMu.Lock()
	d.active[turnID] = struct{}{}
	d.activeMu.Unlock()
}

func (d *Driver) unregisterActive(turnID string) {
	d.activeMu.Lock()
	delete(d.active, turnID)
	d.activeMu.Unlock()
}

// DispatchInboundMessage is the normal inbound path: admits a new turn
// via AcceptTurn, runs the reply generator, and finalizes.
func (d *Driver) DispatchInboundMessage(ctx context.Context, msg turn.MsgContext, d2 *dispatch.Dispatcher, gen ReplyGenerator) (Result, error) {
	accepted, err := d.turns.AcceptTurn(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("driver: accept turn: %w", err)
	}
	if !accepted.Accepted {
		d2.MarkComplete()
		if err := d2.WaitForIdle(ctx); err != nil {
			return Result{}, err
		}
		return Result{TurnID: accepted.ID, QueuedFinal: false, Counts: d2.Counts()}, nil
	}
	return d.run(ctx, accepted.ID, msg, d2, gen, true)
}

// DispatchResumedTurn replays an existing turn after a crash: it bypasses
// AcceptTurn entirely (the row already exists) and disables inbound
// dedup for this specific replay.
func (d *Driver) DispatchResumedTurn(ctx context.Context, turnID string, msg turn.MsgContext, d2 *dispatch.Dispatcher, gen ReplyGenerator) (Result, error) {
	return d.run(ctx, turnID, msg, d2, gen, false)
}

// run executes the shared register/generate/finalize steps for both entry
// points; admission (AcceptTurn) happens in DispatchInboundMessage before it.
func (d *Driver) run(ctx context.Context, turnID string, msg turn.MsgContext, d2 *dispatch.Dispatcher, gen ReplyGenerator, isNewTurn bool) (Result, error) {
	d.registerActive(turnID)
	defer d.unregisterActive(turnID)

	if err := d.turns.MarkTurnRunning(ctx, turnID); err != nil && err != turn.ErrTerminal {
		return Result{}, fmt.Errorf("driver: mark turn running: %w", err)
	}

	if !d2.IsNativeSource() {
		channel, to := turn.ResolveRoute(msg)
		d2.SetDeliveryQueueContext(dispatch.DeliveryQueueContext{
			Channel:   channel,
			To:        to,
			AccountID: msg.AccountId,
			ThreadID:  string(msg.ThreadId),
			ReplyToID: msg.ReplyToId,
			TurnID:    turnID,
		})
	}

	genErr := gen(ctx, msg, d2)

	d2.MarkComplete()
	waitErr := d2.WaitForIdle(ctx)

	if genErr != nil {
		_ = d.turns.RecordTurnRecoveryFailure(ctx, turnID, "reply generator error: "+genErr.Error())
		return Result{}, genErr
	}
	if waitErr != nil {
		return Result{}, fmt.Errorf("driver: wait for idle: %w", waitErr)
	}

	counts := d2.Counts()
	result := Result{TurnID: turnID, QueuedFinal: counts.FinalReplies > 0, Counts: counts}

	if err := d.finalize(ctx, turnID, counts); err != nil {
		return result, err
	}
	return result, nil
}

// finalize evaluates outbox status for the turn and applies the matching
// finalization branch.
func (d *Driver) finalize(ctx context.Context, turnID string, counts dispatch.Counts) error {
	outboxCounts, err := d.outbox.GetOutboxStatusForTurn(ctx, turnID)
	if err != nil {
		return fmt.Errorf("driver: get outbox status: %w", err)
	}

	switch {
	case outboxCounts.Queued > 0:
		return ignoreTerminal(d.turns.MarkTurnDeliveryPending(ctx, turnID))

	case outboxCounts.Delivered > 0 && outboxCounts.Failed == 0:
		return ignoreTerminal(d.turns.FinalizeTurn(ctx, turnID, turn.StatusDelivered, "delivered"))

	case outboxCounts.Failed > 0 && outboxCounts.Queued == 0:
		return ignoreTerminal(d.turns.FinalizeTurn(ctx, turnID, turn.StatusFailedTerminal, "outbox delivery failed"))

	case counts.FinalReplies > 0 && counts.Sent == 0:
		return ignoreTerminal(d.turns.RecordTurnRecoveryFailure(ctx, turnID, "final delivery did not queue successfully"))

	case counts.FinalReplies > 0 && counts.Sent > 0:
		if counts.Sent >= counts.FinalReplies || d.cfg.FailOpenOnQueuedFinal {
			return ignoreTerminal(d.turns.FinalizeTurn(ctx, turnID, turn.StatusDelivered, "delivered"))
		}
		return ignoreTerminal(d.turns.RecordTurnRecoveryFailure(ctx, turnID, "final delivery queued but not confirmed sent"))

	default:
		// Command-only turn: no final reply was ever emitted.
		return ignoreTerminal(d.turns.FinalizeTurn(ctx, turnID, turn.StatusDelivered, "delivered"))
	}
}

func ignoreTerminal(err error) error {
	if err == turn.ErrTerminal {
		return nil
	}
	return err
}
