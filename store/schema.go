package store

import "database/sql"

// Schema creates the two tables that back the message lifecycle:
// message_turns (one row per admitted inbound turn) and message_outbox
// (zero-to-many deliverable final payloads per turn).
//
// Grounded on veille/internal/store/schema.go's shape: a single exported
// Schema string applied with db.Exec, CREATE TABLE/INDEX IF NOT EXISTS
// throughout so Init is idempotent across restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS message_turns (
    id                  TEXT PRIMARY KEY,
    channel             TEXT NOT NULL,
    account_id          TEXT NOT NULL DEFAULT '',
    external_id         TEXT,
    dedupe_key          TEXT,
    session_key         TEXT NOT NULL DEFAULT '',
    payload             TEXT NOT NULL,
    route_channel       TEXT NOT NULL DEFAULT '',
    route_to            TEXT NOT NULL DEFAULT '',
    route_account_id    TEXT NOT NULL DEFAULT '',
    route_thread_id     TEXT,
    route_reply_to_id   TEXT,
    status              TEXT NOT NULL DEFAULT 'accepted'
                            CHECK(status IN ('accepted','running','delivery_pending',
                                              'failed_retryable','delivered','aborted','failed_terminal')),
    accepted_at         INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER,
    attempt_count       INTEGER NOT NULL DEFAULT 0,
    next_attempt_at     INTEGER NOT NULL DEFAULT 0,
    terminal_reason     TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_dedupe_key
    ON message_turns(dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_turns_resume
    ON message_turns(status, next_attempt_at, updated_at);

CREATE INDEX IF NOT EXISTS idx_turns_session
    ON message_turns(session_key, status);

CREATE TABLE IF NOT EXISTS message_outbox (
    id                  TEXT PRIMARY KEY,
    turn_id             TEXT,
    channel             TEXT NOT NULL,
    account_id          TEXT NOT NULL DEFAULT '',
    target              TEXT NOT NULL DEFAULT '',
    payload             TEXT NOT NULL,
    idempotency_key     TEXT,
    queued_at           INTEGER NOT NULL,
    status              TEXT NOT NULL DEFAULT 'queued'
                            CHECK(status IN ('queued','failed_retryable','delivered','failed_terminal','expired')),
    attempt_count       INTEGER NOT NULL DEFAULT 0,
    next_attempt_at     INTEGER NOT NULL DEFAULT 0,
    last_attempt_at     INTEGER,
    last_error          TEXT NOT NULL DEFAULT '',
    error_class         TEXT NOT NULL DEFAULT '',
    terminal_reason     TEXT NOT NULL DEFAULT '',
    delivered_at        INTEGER,
    completed_at        INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency_key
    ON message_outbox(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_outbox_resume
    ON message_outbox(status, next_attempt_at, queued_at);

CREATE INDEX IF NOT EXISTS idx_outbox_turn
    ON message_outbox(turn_id);
`

// Init applies Schema. Safe to call repeatedly (idempotent DDL).
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
