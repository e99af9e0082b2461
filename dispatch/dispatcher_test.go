package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/store"
)

func newTestOutbox(t *testing.T) *outbox.Journal {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return outbox.New(db)
}

func TestSendFinalReplyEnqueuesWhenRouted(t *testing.T) {
	// WHAT: SendFinalReply with a delivery-queue context attached.
	// WHY: routed final replies must enqueue an outbox row before
	// reporting success.
	j := newTestOutbox(t)
	d := New(j)
	d.SetDeliveryQueueContext(DeliveryQueueContext{
		Channel: "telegram", To: "chat-1", TurnID: "turn-1",
	})

	ctx := context.Background()
	if err := d.SendFinalReply(ctx, outbox.Payload{Channel: "telegram", To: "chat-1"}); err != nil {
		t.Fatalf("send final reply: %v", err)
	}
	if err := d.WaitForIdle(ctx); err != nil {
		t.Fatalf("wait for idle: %v", err)
	}

	rows, err := j.LoadPendingDeliveries(ctx, nil)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 queued outbox row, got %d", len(rows))
	}
	if d.Counts().Sent != 1 {
		t.Errorf("expected Sent=1, got %d", d.Counts().Sent)
	}
}

func TestSendFinalReplyDirectSend(t *testing.T) {
	var sent []outbox.Payload
	d := New(nil, WithDirectSend(func(ctx context.Context, p outbox.Payload) error {
		sent = append(sent, p)
		return nil
	}))

	ctx := context.Background()
	if err := d.SendFinalReply(ctx, outbox.Payload{Channel: "discord", To: "chan-1"}); err != nil {
		t.Fatalf("send final reply: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 direct send, got %d", len(sent))
	}
}

func TestSendFinalReplyDirectSendFailurePropagates(t *testing.T) {
	d := New(nil, WithDirectSend(func(ctx context.Context, p outbox.Payload) error {
		return errors.New("boom")
	}))
	if err := d.SendFinalReply(context.Background(), outbox.Payload{Channel: "discord", To: "chan-1"}); err == nil {
		t.Fatal("expected error from failing direct send")
	}
}

func TestMarkCompleteIgnoresLaterSends(t *testing.T) {
	j := newTestOutbox(t)
	d := New(j)
	d.SetDeliveryQueueContext(DeliveryQueueContext{Channel: "telegram", To: "chat-1", TurnID: "turn-1"})
	d.MarkComplete()

	ctx := context.Background()
	if err := d.SendFinalReply(ctx, outbox.Payload{Channel: "telegram", To: "chat-1"}); err != nil {
		t.Fatalf("send final reply after complete: %v", err)
	}

	rows, err := j.LoadPendingDeliveries(ctx, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("expected no outbox rows after markComplete")
	}
}

func TestNativeSourceSuppressesDeliveryQueueContext(t *testing.T) {
	j := newTestOutbox(t)
	d := New(j, WithNativeSource())
	d.SetDeliveryQueueContext(DeliveryQueueContext{Channel: "telegram", To: "chat-1", TurnID: "turn-1"})

	ctx := context.Background()
	if err := d.SendFinalReply(ctx, outbox.Payload{Channel: "telegram", To: "chat-1"}); err != nil {
		t.Fatalf("send final reply: %v", err)
	}

	rows, err := j.LoadPendingDeliveries(ctx, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("expected native-source dispatcher to never attach a delivery-queue context")
	}
}
