package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// openSQLite opens a modernc.org/sqlite database at path with the pragmas
// the message lifecycle needs: WAL journaling so the turn-worker and
// outbox-worker can read while the driver writes, a busy_timeout long
// enough to ride out a concurrent writer's transaction, and foreign-key
// enforcement switched on (the schema itself declares no foreign keys:
// message_outbox.turn_id is a plain nullable column). The
// caller chooses synchronous mode, whether to create the parent
// directory, and whether to verify the connection with a Ping — the
// in-memory fallback path needs none of the latter two.
func openSQLite(path string, busyTimeoutMs int, synchronous string, mkdirAll, ping bool) (*sql.DB, error) {
	if mkdirAll {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
		fmt.Sprintf("PRAGMA synchronous = %s", synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}
	}

	return db, nil
}
