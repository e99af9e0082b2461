package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nohat/openclaw/dispatch"
	"github.com/nohat/openclaw/driver"
	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/store"
	"github.com/nohat/openclaw/turn"
)

func newTestDBs(t *testing.T) (*turn.Journal, *outbox.Journal) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return turn.New(db), outbox.New(db)
}

func noopGen(ctx context.Context, msg turn.MsgContext, d *dispatch.Dispatcher) error {
	return nil
}

func TestTurnWorkerResumesRecoverableTurn(t *testing.T) {
	// WHAT: a turn accepted but never finalized (simulated crash before
	// any outbox row was enqueued).
	// WHY: the turn-worker must hydrate and resume it, eventually
	// reaching a terminal state.
	turns, outboxJournal := newTestDBs(t)
	ctx := context.Background()

	msg := turn.MsgContext{
		OriginatingChannel: "telegram", OriginatingTo: "chat-1",
		SessionKey: "agent1:telegram:chat-1", MessageSid: "msg-1", Body: "hi",
	}
	res, err := turns.AcceptTurn(ctx, msg)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	d := driver.New(turns, outboxJournal, driver.Config{})
	send := func(ctx context.Context, msg turn.MsgContext, payload outbox.Payload) error { return nil }
	w := NewTurnWorker(turns, outboxJournal, d, send, noopGen, nil)
	w.Period = 5 * time.Millisecond
	w.MinAge = 0

	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	row, err := turns.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if row.Status != turn.StatusDelivered {
		t.Fatalf("expected turn resumed to delivered (command-only), got %s", row.Status)
	}
}

func TestTurnWorkerSkipsActiveTurns(t *testing.T) {
	// WHAT: a turn id the driver already considers active (a live
	// in-process dispatch is running it, blocked on a channel).
	// WHY: the worker must never steal it out from under the live driver.
	turns, outboxJournal := newTestDBs(t)
	ctx := context.Background()

	msg := turn.MsgContext{
		OriginatingChannel: "telegram", OriginatingTo: "chat-1",
		SessionKey: "agent1:telegram:chat-1", MessageSid: "msg-1", Body: "hi",
	}
	res, err := turns.AcceptTurn(ctx, msg)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	d := driver.New(turns, outboxJournal, driver.Config{})

	release := make(chan struct{})
	entered := make(chan struct{})
	blockingGen := func(ctx context.Context, msg turn.MsgContext, dp *dispatch.Dispatcher) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.DispatchResumedTurn(ctx, res.ID, msg, dispatch.New(nil), blockingGen)
	}()
	<-entered

	if !d.IsActive(res.ID) {
		t.Fatal("expected turn to be registered active while dispatch is in flight")
	}

	send := func(ctx context.Context, msg turn.MsgContext, payload outbox.Payload) error { return nil }
	w := NewTurnWorker(turns, outboxJournal, d, send, noopGen, nil)
	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	row, err := turns.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if row.Status != turn.StatusRunning {
		t.Fatalf("expected active turn left untouched (still running), got %s", row.Status)
	}

	close(release)
	<-done
}

func TestOutboxWorkerDeliversAndAcks(t *testing.T) {
	_, outboxJournal := newTestDBs(t)
	ctx := context.Background()

	id, err := outboxJournal.EnqueueDelivery(ctx, outbox.EnqueueParams{
		Channel: "telegram", Target: "chat-1", Payload: outbox.Payload{Channel: "telegram", To: "chat-1"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	delivered := false
	w := NewOutboxWorker(outboxJournal, nil, func(ctx context.Context, row outbox.Row, payload outbox.Payload) error {
		delivered = true
		return nil
	}, t.TempDir(), nil)
	w.Period = 5 * time.Millisecond

	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if !delivered {
		t.Fatal("expected deliver to be invoked")
	}

	rows, err := outboxJournal.LoadPendingDeliveries(ctx, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected row %s to have been acked and removed from pending, got %d", id, len(rows))
	}
}

func TestOutboxWorkerDeadLettersPermanentFailure(t *testing.T) {
	_, outboxJournal := newTestDBs(t)
	ctx := context.Background()

	if _, err := outboxJournal.EnqueueDelivery(ctx, outbox.EnqueueParams{
		Channel: "telegram", Target: "chat-1", Payload: outbox.Payload{Channel: "telegram", To: "chat-1"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewOutboxWorker(outboxJournal, nil, func(ctx context.Context, row outbox.Row, payload outbox.Payload) error {
		return errors.New("chat not found")
	}, t.TempDir(), nil)

	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	rows, err := outboxJournal.LoadPendingDeliveries(ctx, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("expected permanently-failed row to be dead-lettered out of pending deliveries")
	}
}

func TestOutboxWorkerImportsLegacyQueueOnce(t *testing.T) {
	_, outboxJournal := newTestDBs(t)
	ctx := context.Background()
	dir := t.TempDir()

	w := NewOutboxWorker(outboxJournal, nil, func(ctx context.Context, row outbox.Row, payload outbox.Payload) error {
		return nil
	}, dir, nil)

	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !w.startupDone {
		t.Error("expected startupDone=true after first pass")
	}
	if err := w.passOnce(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
}
