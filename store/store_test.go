package store

import (
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	// WHAT: Open() against a fresh temp dir creates both tables.
	// WHY: schema is the foundation every journal operation depends on.
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"message_turns", "message_outbox"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
	if db.InMemoryFallback() {
		t.Error("expected durable file-backed db, got in-memory fallback")
	}
}

func TestOpenIsSingletonPerPath(t *testing.T) {
	// WHAT: two Open() calls against the same dir return the same handle.
	// WHY: the turn journal and outbox journal must share one connection
	// pool so writes serialize correctly.
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if a != b {
		t.Error("expected singleton DB handle for the same state dir")
	}
}
