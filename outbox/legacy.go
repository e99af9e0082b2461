package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// QueuedDelivery is the JSON shape of a legacy file-queue entry, written
// by an older process generation's atomic file writer before the outbox
// journal existed: {id, channel, to, payloads, enqueuedAt, retryCount}.
type QueuedDelivery struct {
	ID             string         `json:"id"`
	TurnID         string         `json:"turnId,omitempty"`
	Channel        string         `json:"channel"`
	AccountID      string         `json:"accountId,omitempty"`
	To             string         `json:"to"`
	Payloads       []ReplyPayload `json:"payloads,omitempty"`
	ThreadId       string         `json:"threadId,omitempty"`
	ReplyToId      string         `json:"replyToId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	EnqueuedAt     int64          `json:"enqueuedAt,omitempty"`
	RetryCount     int            `json:"retryCount,omitempty"`
}

// ImportLegacyFileQueue reads every *.json file in
// <stateDir>/delivery-queue/, inserting each as an outbox row (keyed by
// the file's own id, insert-or-ignore) and unlinking the file on success.
// Malformed entries and non-JSON files are skipped, not removed. Safe to
// call repeatedly — it is a no-op once the directory is empty, which is
// what the outbox-worker relies on, calling it once per process on its
// first pass.
func (j *Journal) ImportLegacyFileQueue(ctx context.Context, stateDir string) error {
	dir := filepath.Join(stateDir, "delivery-queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("outbox: ImportLegacyFileQueue: read dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var qd QueuedDelivery
		if err := json.Unmarshal(data, &qd); err != nil || qd.ID == "" {
			continue
		}

		if err := j.insertLegacyRow(ctx, qd); err != nil {
			continue
		}
		_ = os.Remove(path)
	}
	return nil
}

func (j *Journal) insertLegacyRow(ctx context.Context, qd QueuedDelivery) error {
	payload := Payload{
		Channel:   qd.Channel,
		To:        qd.To,
		AccountId: qd.AccountID,
		Payloads:  qd.Payloads,
		ThreadId:  qd.ThreadId,
		ReplyToId: qd.ReplyToId,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := j.nowMillis()
	queuedAt := qd.EnqueuedAt
	if queuedAt == 0 {
		queuedAt = now
	}

	var turnID, idem any
	if qd.TurnID != "" {
		turnID = qd.TurnID
	}
	if qd.IdempotencyKey != "" {
		idem = qd.IdempotencyKey
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO message_outbox (
			id, turn_id, channel, account_id, target, payload, idempotency_key,
			queued_at, status, attempt_count, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?)
		ON CONFLICT(id) DO NOTHING`,
		qd.ID, turnID, qd.Channel, qd.AccountID, qd.To, string(payloadJSON), idem, queuedAt, queuedAt)
	return err
}
