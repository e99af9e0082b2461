package outbox

import "errors"

// ErrNotFound is returned when an outbox row id has no corresponding row.
var ErrNotFound = errors.New("outbox: not found")
