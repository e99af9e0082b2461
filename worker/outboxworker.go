package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nohat/openclaw/outbox"
)

func unmarshalPayload(raw string, payload *outbox.Payload) error {
	return json.Unmarshal([]byte(raw), payload)
}

// Deliver attempts one delivery attempt for an outbox row's payload,
// returning the delivery error (if any) for classification.
type Deliver func(ctx context.Context, row outbox.Row, payload outbox.Payload) error

// OutboxWorker drains eligible outbox rows each pass, importing the
// legacy file queue once on its first pass and enforcing a wall-clock
// budget so a slow channel never blocks the whole pass indefinitely.
type OutboxWorker struct {
	outbox   *outbox.Journal
	turns    outbox.TurnFinalizer
	deliver  Deliver
	stateDir string
	logger   *slog.Logger

	Period       time.Duration
	PassBudget   time.Duration
	startupDone  bool
	startupCutoff int64
}

// NewOutboxWorker constructs an OutboxWorker with its default cadence:
// 1000ms period, 75% wall budget.
func NewOutboxWorker(outboxJournal *outbox.Journal, turns outbox.TurnFinalizer, deliver Deliver, stateDir string, logger *slog.Logger) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	period := time.Second
	return &OutboxWorker{
		outbox:        outboxJournal,
		turns:         turns,
		deliver:       deliver,
		stateDir:      stateDir,
		logger:        logger,
		Period:        period,
		PassBudget:    (period * 75) / 100,
		startupCutoff: time.Now().UnixMilli(),
	}
}

// Run blocks, executing one pass immediately and then one pass per tick,
// until ctx is done.
func (w *OutboxWorker) Run(ctx context.Context) error {
	if err := w.passOnce(ctx); err != nil {
		w.logger.Warn("outbox-worker: pass failed", "error", err)
	}

	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.passOnce(ctx); err != nil {
				w.logger.Warn("outbox-worker: pass failed", "error", err)
			}
		}
	}
}

// passOnce imports the legacy file queue once, expires TTL'd rows,
// attempts each eligible delivery within the pass budget, and prunes old
// terminal rows.
func (w *OutboxWorker) passOnce(ctx context.Context) error {
	// The startup cutoff (recorded at construction) only applies to the
	// first pass after startup.
	var cutoff *int64
	if !w.startupDone {
		if err := w.outbox.ImportLegacyFileQueue(ctx, w.stateDir); err != nil {
			w.logger.Warn("outbox-worker: import legacy file queue", "error", err)
		}
		w.startupDone = true
		c := w.startupCutoff
		cutoff = &c
	}

	if _, err := w.outbox.ExpireTTL(ctx, w.turns); err != nil {
		w.logger.Warn("outbox-worker: expire ttl", "error", err)
	}

	rows, err := w.outbox.LoadPendingDeliveries(ctx, cutoff)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(w.PassBudget)
	for _, row := range rows {
		if time.Now().After(deadline) {
			break
		}
		w.attempt(ctx, row)
	}

	if _, err := w.outbox.PruneOutbox(ctx, outbox.PruneAge.Milliseconds()); err != nil {
		w.logger.Warn("outbox-worker: prune outbox", "error", err)
	}
	return nil
}

func (w *OutboxWorker) attempt(ctx context.Context, row outbox.Row) {
	if row.AttemptCount >= outbox.MaxRetries {
		if err := w.outbox.MoveToFailed(ctx, row.ID, w.turns); err != nil {
			w.logger.Warn("outbox-worker: move to failed", "id", row.ID, "error", err)
		}
		return
	}
	if !outbox.Eligible(row, time.Now()) {
		return
	}

	var payload outbox.Payload
	if err := unmarshalPayload(row.Payload, &payload); err != nil {
		if err := w.outbox.MoveToFailed(ctx, row.ID, w.turns); err != nil {
			w.logger.Warn("outbox-worker: move to failed (bad payload)", "id", row.ID, "error", err)
		}
		return
	}

	deliverErr := w.deliver(ctx, row, payload)
	if deliverErr == nil {
		if err := w.outbox.AckDelivery(ctx, row.ID, w.turns); err != nil {
			w.logger.Warn("outbox-worker: ack delivery", "id", row.ID, "error", err)
		}
		return
	}

	if outbox.IsPermanent(deliverErr) {
		if err := w.outbox.MoveToFailed(ctx, row.ID, w.turns); err != nil {
			w.logger.Warn("outbox-worker: move to failed (permanent)", "id", row.ID, "error", err)
		}
		return
	}
	if err := w.outbox.FailDelivery(ctx, row.ID, deliverErr); err != nil {
		w.logger.Warn("outbox-worker: fail delivery", "id", row.ID, "error", err)
	}
}
