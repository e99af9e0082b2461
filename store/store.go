// Package store provides the embedded relational database that backs the
// message lifecycle: one modernc.org/sqlite file per state directory,
// opened in WAL mode, schema-migrated, and cached as a process-wide
// singleton keyed by the resolved absolute path.
//
// Grounded on channels.OpenDB/channels.Init (single-purpose SQLite opener
// applying the schema) generalized with the per-path singleton caching that
// dbsync and trace each re-derive ad hoc — here it is factored into one
// place since both the turn journal and the outbox journal share the same
// database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB is the durable store handle shared by the turn and outbox journals.
type DB struct {
	*sql.DB

	inMemory bool
	path     string
	logger   *slog.Logger
}

// WithTx runs fn inside a transaction with busy-retry, rolling back on
// any error fn returns. The transaction is begun in SQLite's default
// deferred mode, not as BEGIN IMMEDIATE. This is the transaction(db, fn)
// primitive the journals' multi-statement writes use.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return runTx(ctx, d.DB, fn)
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*DB{}
)

// Filename is the database file name created inside every state directory.
const Filename = "message-lifecycle.db"

// Open returns the singleton *DB for the given state directory, opening
// and schema-migrating it on first use. Subsequent calls with the same
// resolved path return the cached handle.
//
// On open failure (e.g. unwritable path), Open falls back to a shared
// in-memory database keyed by the same resolved path: reads/writes still
// succeed, but recovery is inoperative until the process restarts with a
// writable path. A warning is logged once per distinct path.
func Open(stateDir string, opts ...Option) (*DB, error) {
	cfg := defaultOptions()
	for _, o := range opts {
		o(&cfg)
	}

	abs, err := filepath.Abs(stateDir)
	if err != nil {
		abs = stateDir
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if d, ok := cache[abs]; ok {
		return d, nil
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := filepath.Join(abs, Filename)
	sqlDB, err := openSQLite(dbPath, cfg.busyTimeoutMs, "NORMAL", true, true)
	inMemory := false
	if err != nil {
		logger.Warn("store: failed to open durable store, falling back to in-memory",
			"path", dbPath, "error", err)
		sqlDB, err = openSQLite("file:"+abs+"?mode=memory&cache=shared", cfg.busyTimeoutMs, "NORMAL", false, false)
		if err != nil {
			return nil, fmt.Errorf("store: open fallback in-memory db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		inMemory = true
	}

	if err := Init(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	d := &DB{DB: sqlDB, inMemory: inMemory, path: abs, logger: logger}
	cache[abs] = d
	return d, nil
}

// InMemoryFallback reports whether this handle is the degraded in-memory
// fallback rather than the real durable file.
func (d *DB) InMemoryFallback() bool {
	return d.inMemory
}

// Path returns the resolved state directory this handle was opened for.
func (d *DB) Path() string { return d.path }

type options struct {
	busyTimeoutMs int
	logger        *slog.Logger
}

func defaultOptions() options {
	return options{busyTimeoutMs: 5000}
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout overrides the busy_timeout pragma in milliseconds.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeoutMs = ms } }

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
