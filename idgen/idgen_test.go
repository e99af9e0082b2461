package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Format(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestUUIDv7Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("trn_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "trn_") {
		t.Fatalf("Prefixed: expected prefix 'trn_', got %q", id)
	}
	if len(id) != 4+36 {
		t.Fatalf("Prefixed: expected length 40, got %d", len(id))
	}
}

func TestDefaultIsUUIDv7(t *testing.T) {
	id := Default()
	if len(id) != 36 {
		t.Fatalf("Default: expected UUIDv7-shaped id of length 36, got %d for %q", len(id), id)
	}
}
