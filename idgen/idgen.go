// Package idgen provides the pluggable id generator the turn and outbox
// journals use for their primary keys. Both accept a Generator via a
// functional option so tests can substitute a deterministic one; neither
// assumes anything about id shape beyond "unique string".
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings —
// time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every id, so a
// turn id and an outbox id remain visually distinguishable wherever one
// shows up on its own — admin responses, logs — without a lookup.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the unprefixed UUIDv7 generator, for callers that don't need
// a type-scoped prefix.
var Default Generator = UUIDv7()
