package broker

import "errors"

// ErrQueueNotFound is returned when a terminator references a qid
// that no longer (or never did) resolve to a live queue.
var ErrQueueNotFound = errors.New("broker: queue not found")

// ErrServerFull is returned by the accept loop when maxconns is
// already reached; the connection is told SERVER_FULL and closed.
var ErrServerFull = errors.New("broker: server full")

// ErrMessageNotFound is returned when REPLY/DELIVERED names an id with
// no matching in-flight message (already replied, timed out, or
// fabricated). Per spec §7 this is logged and the frame discarded;
// the connection is not torn down.
var ErrMessageNotFound = errors.New("broker: message not found")

// ErrTargetMismatch is returned when REPLY/DELIVERED arrives from a
// connection that isn't the message's recorded target.
var ErrTargetMismatch = errors.New("broker: replying connection is not the message target")

// errIdleTimeout is the disconnect cause recorded when a connection
// misses cfg.IdleLimit consecutive PINGs (spec §12).
var errIdleTimeout = errors.New("broker: connection missed keepalive deadline")

// errMessageTimeout is the cause logged when a REQUEST's TIMEOUT
// elapses before a REPLY arrives (spec §5's periodic sweep, §7's
// MessageTimeout).
var errMessageTimeout = errors.New("broker: message timed out before reply")
