package protocol

import "fmt"

// Priority is the dispatch band a consumer is served in. Values mirror
// the original wire thresholds (0, 10, 20, 30) bucketed into four
// bands so callers never have to juggle raw byte values.
type Priority uint8

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "none"
	}
}

// priorityFromByte buckets a raw PRIORITY byte using the original
// librq thresholds: 0-9=none, 10-19=low, 20-29=normal, 30+=high.
func priorityFromByte(b uint8) Priority {
	switch {
	case b >= 30:
		return PriorityHigh
	case b >= 20:
		return PriorityNormal
	case b >= 10:
		return PriorityLow
	default:
		return PriorityNone
	}
}

// field is a bit in Pending.Mask marking which scalar/string fields
// have been set since the last CLEAR.
type field uint16

const (
	FieldID field = 1 << iota
	FieldQueueID
	FieldTimeout
	FieldMax
	FieldPriority
	FieldQueueName
	FieldPayload
)

// Pending is the sparse, not-yet-committed command set a connection
// accumulates between CLEAR and a terminator opcode (spec §4.2).
type Pending struct {
	Mask field

	ID      uint16
	QueueID uint16
	Timeout uint16
	Max     uint16

	Priority  Priority
	QueueName string
	Payload   []byte

	Broadcast bool
	NoReply   bool
	Exclusive bool
}

// Reset clears every field, exactly what the CLEAR opcode does.
func (p *Pending) Reset() {
	*p = Pending{}
}

func (p *Pending) Has(f field) bool {
	return p.Mask&f != 0
}

// Apply folds one decoded, non-terminator command into the pending
// set. Terminators (REQUEST, REPLY, BROADCAST, CONSUME, CANCEL_QUEUE,
// CLOSING, DELIVERED, CONSUMING) are not applied here — the caller
// detects them with IsTerminator and commits the set as a unit instead.
func (p *Pending) Apply(cmd Command) error {
	switch cmd.Op {
	case ID:
		p.ID = uint16(cmd.Int)
		p.Mask |= FieldID
	case QUEUEID:
		p.QueueID = uint16(cmd.Int)
		p.Mask |= FieldQueueID
	case TIMEOUT:
		p.Timeout = uint16(cmd.Int)
		p.Mask |= FieldTimeout
	case MAX:
		p.Max = uint16(cmd.Int)
		p.Mask |= FieldMax
	case PRIORITY:
		p.Priority = priorityFromByte(uint8(cmd.Int))
		p.Mask |= FieldPriority
	case QUEUE:
		if len(cmd.Bytes) > maxQueueNameLen {
			return &ProtocolError{Op: QUEUE, Msg: fmt.Sprintf("queue name %d bytes exceeds %d", len(cmd.Bytes), maxQueueNameLen)}
		}
		p.QueueName = string(cmd.Bytes)
		p.Mask |= FieldQueueName
	case PAYLOAD:
		p.Payload = cmd.Bytes
		p.Mask |= FieldPayload
	case NOREPLY:
		p.NoReply = true
	case EXCLUSIVE:
		p.Exclusive = true
	case BROADCAST:
		// BROADCAST is itself a terminator; record the flag too so a
		// caller that inspects Pending after commit sees it set.
		p.Broadcast = true
	default:
		return &ProtocolError{Op: cmd.Op, Msg: "not a pending-set field or terminator"}
	}
	return nil
}

// IsTerminator reports whether op commits the pending command set.
func IsTerminator(op Opcode) bool {
	switch op {
	case REQUEST, REPLY, BROADCAST, CONSUME, CANCEL_QUEUE, CLOSING, DELIVERED, CONSUMING:
		return true
	default:
		return false
	}
}

// Validate checks that a terminator's required fields (spec §4.2's
// table) are present in the pending set, returning a ProtocolError
// naming the first missing field if not.
func Validate(op Opcode, p *Pending) error {
	missing := func(what string) error {
		return &ProtocolError{Op: op, Msg: "missing required field: " + what}
	}
	hasQueueRef := p.Has(FieldQueueName) || p.Has(FieldQueueID)

	switch op {
	case REQUEST:
		if !p.Has(FieldPayload) {
			return missing("payload")
		}
		if !hasQueueRef {
			return missing("queue or qid")
		}
		if !p.Has(FieldID) {
			return missing("id")
		}
	case REPLY:
		if !p.Has(FieldID) {
			return missing("id")
		}
		if !p.Has(FieldPayload) {
			return missing("payload")
		}
	case BROADCAST:
		if !p.Has(FieldPayload) {
			return missing("payload")
		}
		if !hasQueueRef {
			return missing("queue or qid")
		}
	case CONSUME:
		if !p.Has(FieldQueueName) {
			return missing("queue")
		}
	case CANCEL_QUEUE:
		if !hasQueueRef {
			return missing("queue or qid")
		}
	case CLOSING:
		// no required fields
	case DELIVERED:
		if !p.Has(FieldID) {
			return missing("id")
		}
	case CONSUMING:
		if !p.Has(FieldQueueName) {
			return missing("queue")
		}
		if !p.Has(FieldQueueID) {
			return missing("qid")
		}
	default:
		return &ProtocolError{Op: op, Msg: "not a terminator"}
	}
	return nil
}
