// Package dispatch implements the per-turn Dispatcher: an in-process
// coordinator that serializes reply-generator emissions, durably queues
// final replies to the outbox, and exposes quiesce semantics to the
// dispatch driver.
//
// Grounded on channels.Dispatcher's mutex-guarded counter/WaitGroup
// shape, generalized from a fixed fan-out-to-channels object into a
// single-turn coordinator.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/turn"
)

// DeliveryQueueContext carries the reply destination supplied by
// setDeliveryQueueContext; every durable sendFinalReply enqueued while it
// is set is stamped with these fields.
type DeliveryQueueContext struct {
	Channel   string
	To        string
	AccountID string
	ThreadID  string
	ReplyToID string
	TurnID    string
}

// DirectSend is the optional direct-send function supplied alongside (or
// instead of) a delivery-queue context: it attempts immediate delivery
// and is invoked in lock-step with the outbox enqueue.
type DirectSend func(ctx context.Context, payload outbox.Payload) error

// Counts tracks per-kind emission and successful-send totals for a turn.
type Counts struct {
	ToolResults  int
	BlockReplies int
	FinalReplies int
	Sent         int
}

// Dispatcher coordinates one turn's reply-generator emissions. It is
// single-threaded cooperative: calls are processed in the order the
// mutex grants them, matching emission order from the generator.
type Dispatcher struct {
	outboxJournal *outbox.Journal
	directSend    DirectSend

	mu       sync.Mutex
	wg       sync.WaitGroup
	delivery *DeliveryQueueContext
	complete bool
	counts   Counts
	nativeSrc bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDirectSend supplies a function invoked in lock-step with every
// durable sendFinalReply, used by callers (the turn-worker) that bypass
// the outbox entirely and deliver straight to the channel adapter.
func WithDirectSend(fn DirectSend) Option { return func(d *Dispatcher) { d.directSend = fn } }

// WithNativeSource marks the turn as interaction-scoped
// (CommandSource == "native"): SetDeliveryQueueContext becomes a no-op so
// ephemeral callback tokens are never replayed to a fallback destination.
func WithNativeSource() Option { return func(d *Dispatcher) { d.nativeSrc = true } }

// New constructs a Dispatcher. outboxJournal may be nil for a
// direct-send-only dispatcher (e.g. the turn-worker's resume path).
func New(outboxJournal *outbox.Journal, opts ...Option) *Dispatcher {
	d := &Dispatcher{outboxJournal: outboxJournal}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetDeliveryQueueContext attaches the reply destination for this turn.
// A no-op for interaction-scoped (native) sources.
func (d *Dispatcher) SetDeliveryQueueContext(dq DeliveryQueueContext) {
	if d.nativeSrc {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivery = &dq
}

// SendToolResult records an intermediate, non-durable tool-result
// emission. Ignored once the dispatcher has been marked complete.
func (d *Dispatcher) SendToolResult(ctx context.Context, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.complete {
		return
	}
	d.counts.ToolResults++
}

// SendBlockReply records an intermediate, non-durable streamed-block
// emission. Ignored once the dispatcher has been marked complete.
func (d *Dispatcher) SendBlockReply(ctx context.Context, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.complete {
		return
	}
	d.counts.BlockReplies++
}

// SendFinalReply is the only durable emission kind: final payloads are
// enqueued to the outbox (when routed) and/or sent directly, in FIFO
// emission order, before or in lock-step with each other.
func (d *Dispatcher) SendFinalReply(ctx context.Context, payload outbox.Payload) error {
	d.mu.Lock()
	if d.complete {
		d.mu.Unlock()
		return nil
	}
	d.counts.FinalReplies++
	delivery := d.delivery
	d.mu.Unlock()

	d.wg.Add(1)
	defer d.wg.Done()

	var enqueueErr, sendErr error
	if delivery != nil && d.outboxJournal != nil {
		queued := payload
		if queued.ThreadId == "" {
			queued.ThreadId = delivery.ThreadID
		}
		if queued.ReplyToId == "" {
			queued.ReplyToId = delivery.ReplyToID
		}
		_, enqueueErr = d.outboxJournal.EnqueueDelivery(ctx, outbox.EnqueueParams{
			TurnID:    delivery.TurnID,
			Channel:   delivery.Channel,
			AccountID: delivery.AccountID,
			Target:    delivery.To,
			Payload:   queued,
		})
	}
	if d.directSend != nil {
		sendErr = d.directSend(ctx, payload)
	}

	if enqueueErr != nil {
		return fmt.Errorf("dispatch: send final reply: enqueue: %w", enqueueErr)
	}
	if sendErr != nil {
		return fmt.Errorf("dispatch: send final reply: direct send: %w", sendErr)
	}

	d.mu.Lock()
	d.counts.Sent++
	d.mu.Unlock()
	return nil
}

// MarkComplete transitions the dispatcher so that no new emissions are
// accepted. Safe to call more than once.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.complete = true
}

// WaitForIdle blocks until every SendFinalReply call already admitted has
// finished enqueuing/sending.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns a snapshot of emission/send counters.
func (d *Dispatcher) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// IsNativeSource reports whether this dispatcher was constructed with
// WithNativeSource — used by the driver to decide whether to attach a
// delivery-queue context at all.
func (d *Dispatcher) IsNativeSource() bool { return d.nativeSrc }

// CommandSourceIsNative reports whether src marks an interaction-scoped
// emission: providers with one-time reply callbacks (native slash
// commands) must never have their outbox rows replayed to a fallback
// destination.
func CommandSourceIsNative(src turn.CommandSource) bool {
	return src == turn.CommandSourceNative
}
