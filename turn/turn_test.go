package turn

import (
	"context"
	"testing"
	"time"

	"github.com/nohat/openclaw/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func sampleMsg() MsgContext {
	return MsgContext{
		OriginatingChannel: "telegram",
		OriginatingTo:      "chat-1",
		AccountId:          "acct-1",
		SessionKey:         "agent1:telegram:chat-1",
		MessageSid:         "msg-1",
		Body:               "hello",
	}
}

func TestAcceptTurnDeduplicates(t *testing.T) {
	// WHAT: two AcceptTurn calls with identical dedupe-relevant fields.
	// WHY: the unique index on dedupe_key must reject the second insert,
	// and the second call must report accepted=false without erroring.
	j := newTestJournal(t)
	ctx := context.Background()

	first, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if !first.Accepted {
		t.Fatal("expected first accept to succeed")
	}

	second, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if second.Accepted {
		t.Error("expected duplicate accept to be rejected")
	}
}

func TestAcceptTurnWithoutMessageSidAlwaysAccepts(t *testing.T) {
	// WHAT: a message with no MessageSid has a null dedupe key.
	// WHY: with no dedupe key computable the turn must unconditionally
	// insert (accepted=true) rather than being rejected.
	j := newTestJournal(t)
	ctx := context.Background()

	msg := sampleMsg()
	msg.MessageSid = ""

	a, err := j.AcceptTurn(ctx, msg)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !a.Accepted {
		t.Error("expected accept without dedupe key to always succeed")
	}

	b, err := j.AcceptTurn(ctx, msg)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !b.Accepted {
		t.Error("expected second accept without dedupe key to also succeed")
	}
}

func TestMarkTurnRunningRejectsTerminal(t *testing.T) {
	// WHAT: MarkTurnRunning on a turn already finalized.
	// WHY: terminal rows must never leave their terminal state.
	j := newTestJournal(t)
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := j.FinalizeTurn(ctx, res.ID, StatusDelivered, "ok"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := j.MarkTurnRunning(ctx, res.ID); err != ErrTerminal {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestRecordTurnRecoveryFailureEscalatesToTerminal(t *testing.T) {
	// WHAT: recording recovery failures MaxRecoveryAttempts times.
	// WHY: the turn must escalate from failed_retryable to failed_terminal
	// exactly at the configured threshold, never before or after.
	j := newTestJournal(t)
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	for i := 1; i < MaxRecoveryAttempts; i++ {
		if err := j.RecordTurnRecoveryFailure(ctx, res.ID, "transient"); err != nil {
			t.Fatalf("recovery failure %d: %v", i, err)
		}
		row, err := j.GetTurn(ctx, res.ID)
		if err != nil {
			t.Fatalf("get turn: %v", err)
		}
		if row.Status != StatusFailedRetryable {
			t.Fatalf("attempt %d: expected failed_retryable, got %s", i, row.Status)
		}
	}

	if err := j.RecordTurnRecoveryFailure(ctx, res.ID, "final"); err != nil {
		t.Fatalf("final recovery failure: %v", err)
	}
	row, err := j.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if row.Status != StatusFailedTerminal {
		t.Fatalf("expected failed_terminal at threshold, got %s", row.Status)
	}
}

func TestFailStaleTurns(t *testing.T) {
	// WHAT: a turn accepted long ago, still non-terminal.
	// WHY: failStaleTurns must sweep it to failed_terminal regardless of
	// its specific status.
	fixedNow := time.Now()
	j := newTestJournal(t)
	j.now = func() time.Time { return fixedNow.Add(-25 * time.Hour) }
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	j.now = func() time.Time { return fixedNow }
	n, err := j.FailStaleTurns(ctx, MaxRecoveryAge.Milliseconds())
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale turn, got %d", n)
	}

	row, err := j.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if row.Status != StatusFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", row.Status)
	}
}

func TestAbortTurnsForSession(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	n, err := j.AbortTurnsForSession(ctx, "agent1:telegram:chat-1")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 aborted turn, got %d", n)
	}

	row, err := j.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if row.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", row.Status)
	}
}

func TestPruneTurnsDeletesOldTerminalRows(t *testing.T) {
	fixedNow := time.Now()
	j := newTestJournal(t)
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := j.FinalizeTurn(ctx, res.ID, StatusDelivered, "ok"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	j.now = func() time.Time { return fixedNow.Add(49 * time.Hour) }
	n, err := j.PruneTurns(ctx, PruneAge.Milliseconds(), false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned turn, got %d", n)
	}

	if _, err := j.GetTurn(ctx, res.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after prune, got %v", err)
	}
}

func TestListRecoverableTurnsRespectsMinAge(t *testing.T) {
	// WHAT: a turn accepted "now".
	// WHY: a nonzero minAge must exclude it so an in-flight driver's own
	// turn is never stolen by the worker on the same pass.
	j := newTestJournal(t)
	ctx := context.Background()

	if _, err := j.AcceptTurn(ctx, sampleMsg()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rows, err := j.ListRecoverableTurns(ctx, 5*time.Minute.Milliseconds(), MaxRecoveryAge.Milliseconds(), 16)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 rows within minAge window, got %d", len(rows))
	}

	rows, err = j.ListRecoverableTurns(ctx, 0, MaxRecoveryAge.Milliseconds(), 16)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 recoverable row, got %d", len(rows))
	}
}

func TestHydrateTurnContextRoundTrips(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	res, err := j.AcceptTurn(ctx, sampleMsg())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	row, err := j.GetTurn(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	hydrated, ok := HydrateTurnContext(row)
	if !ok {
		t.Fatal("expected hydration to succeed")
	}
	if hydrated.Body != "hello" {
		t.Errorf("body = %q, want %q", hydrated.Body, "hello")
	}
}
