package turn

import "errors"

// ErrNotFound is returned when a turn id has no corresponding row.
var ErrNotFound = errors.New("turn: not found")

// ErrTerminal is returned when a caller attempts a transition on a turn
// already in a terminal status (delivered, aborted, failed_terminal). The
// status-guarded transitions also return it when the row exists in any
// other status the transition does not start from (e.g. MarkTurnRunning
// on a turn that is already running).
var ErrTerminal = errors.New("turn: already terminal")

// ErrDuplicate names a dedupe-key collision with an existing row.
// AcceptTurn does not return it: a duplicate admission is reported as
// AcceptResult{Accepted: false} with a nil error.
var ErrDuplicate = errors.New("turn: duplicate dedupe key")
