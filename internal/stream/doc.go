// Package stream owns turn lifecycle state. A turn moves
// started -> streaming -> (cancelling) -> completed | cancelled | failed,
// and each session has at most one non-terminal turn: beginning a new turn
// force-cancels the old one and waits for it to finish, so terminal events
// never interleave across turns on the wire.
//
// Cancellation is cooperative. Cancel fires the turn's context; the event
// producer notices between yields and winds down, then the session layer
// emits the single terminal stream_control and calls End.
package stream
