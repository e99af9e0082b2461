// Package worker implements the two continuous background loops that
// give the message lifecycle crash recovery: the turn-worker (resumes
// non-terminal turns) and the outbox-worker (drains retryable
// deliveries).
//
// Grounded on veille/internal/scheduler.Scheduler's Run(ctx) ticker shape
// (immediate first pass, then one pass per tick, exit on ctx.Done) and
// veille/internal/repair.Sweeper's Run/SweepOnce split.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nohat/openclaw/dispatch"
	"github.com/nohat/openclaw/driver"
	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/turn"
)

// ResumeSend delivers a resumed turn's final payload straight to the
// channel's outbound adapter, bypassing the outbox entirely (no
// delivery-queue context attached).
type ResumeSend func(ctx context.Context, msg turn.MsgContext, payload outbox.Payload) error

// ReplyGenerator re-runs the reply computation for a resumed turn.
type ReplyGenerator = driver.ReplyGenerator

// TurnWorker resumes recoverable turns, fails stale ones, and prunes
// terminal ones, once per loop period.
type TurnWorker struct {
	turns  *turn.Journal
	outbox *outbox.Journal
	driver *driver.Driver
	send   ResumeSend
	gen    ReplyGenerator
	logger *slog.Logger

	Period          time.Duration
	MaxTurnsPerPass int
	MinAge          time.Duration
}

// NewTurnWorker constructs a TurnWorker with its default cadence:
// 1200ms period, 16 turns per pass.
func NewTurnWorker(turns *turn.Journal, outboxJournal *outbox.Journal, d *driver.Driver, send ResumeSend, gen ReplyGenerator, logger *slog.Logger) *TurnWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnWorker{
		turns:           turns,
		outbox:          outboxJournal,
		driver:          d,
		send:            send,
		gen:             gen,
		logger:          logger,
		Period:          1200 * time.Millisecond,
		MaxTurnsPerPass: 16,
		MinAge:          0,
	}
}

// Run blocks, executing one pass immediately and then one pass per tick,
// until ctx is done.
func (w *TurnWorker) Run(ctx context.Context) error {
	if err := w.passOnce(ctx); err != nil {
		w.logger.Warn("turn-worker: pass failed", "error", err)
	}

	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.passOnce(ctx); err != nil {
				w.logger.Warn("turn-worker: pass failed", "error", err)
			}
		}
	}
}

// passOnce fails stale turns, resumes recoverable ones, and prunes old
// terminal rows, in that order.
func (w *TurnWorker) passOnce(ctx context.Context) error {
	if _, err := w.turns.FailStaleTurns(ctx, turn.MaxRecoveryAge.Milliseconds()); err != nil {
		w.logger.Warn("turn-worker: fail stale turns", "error", err)
	}

	rows, err := w.turns.ListRecoverableTurns(ctx, w.MinAge.Milliseconds(), turn.MaxRecoveryAge.Milliseconds(), w.MaxTurnsPerPass)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if w.driver != nil && w.driver.IsActive(row.ID) {
			continue
		}
		w.resumeOne(ctx, row)
	}

	if _, err := w.turns.PruneTurns(ctx, turn.PruneAge.Milliseconds(), false); err != nil {
		w.logger.Warn("turn-worker: prune turns", "error", err)
	}
	return nil
}

func (w *TurnWorker) resumeOne(ctx context.Context, row turn.Row) {
	counts, err := w.outbox.GetOutboxStatusForTurn(ctx, row.ID)
	if err != nil {
		w.logger.Warn("turn-worker: get outbox status", "turn_id", row.ID, "error", err)
		return
	}
	switch {
	case counts.Queued > 0:
		return
	case counts.Delivered > 0 && counts.Failed == 0:
		if err := w.turns.FinalizeTurn(ctx, row.ID, turn.StatusDelivered, "delivered"); err != nil && err != turn.ErrTerminal {
			w.logger.Warn("turn-worker: finalize delivered", "turn_id", row.ID, "error", err)
		}
		return
	case counts.Failed > 0:
		if err := w.turns.FinalizeTurn(ctx, row.ID, turn.StatusFailedTerminal, "outbox delivery failed"); err != nil && err != turn.ErrTerminal {
			w.logger.Warn("turn-worker: finalize failed", "turn_id", row.ID, "error", err)
		}
		return
	}

	msg, ok := turn.HydrateTurnContext(row)
	if !ok {
		if err := w.turns.RecordTurnRecoveryFailure(ctx, row.ID, "invalid turn payload"); err != nil && err != turn.ErrTerminal {
			w.logger.Warn("turn-worker: record recovery failure", "turn_id", row.ID, "error", err)
		}
		return
	}

	d := dispatch.New(nil, dispatch.WithDirectSend(func(ctx context.Context, payload outbox.Payload) error {
		return w.send(ctx, msg, payload)
	}))
	if dispatch.CommandSourceIsNative(msg.CommandSource) {
		d = dispatch.New(nil, dispatch.WithDirectSend(func(ctx context.Context, payload outbox.Payload) error {
			return w.send(ctx, msg, payload)
		}), dispatch.WithNativeSource())
	}

	if _, err := w.driver.DispatchResumedTurn(ctx, row.ID, msg, d, w.gen); err != nil {
		w.logger.Warn("turn-worker: resume turn failed", "turn_id", row.ID, "error", err)
	}
}
