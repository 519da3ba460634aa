// Package protocol implements the broker's wire format: a stream of
// self-delimiting TLV records. The high bits of the opcode select the
// payload layout (nullary, byte/short/long integer, or a length-prefixed
// byte string); the payload itself carries no further framing.
package protocol

import "fmt"

// Opcode identifies a single command in the wire stream. Its value
// determines the payload layout per the ranges below.
type Opcode uint8

// Layout ranges. The high bits of the opcode select how much, if
// anything, follows it on the wire.
const (
	rangeNullary   = 0  // 0-31: no payload
	rangeFlag      = 32 // 32-63: no payload, a modifier on the pending set
	rangeByteInt   = 64 // 64-95: 1-byte unsigned integer
	rangeShortInt  = 96 // 96-127: 2-byte big-endian unsigned integer
	rangeLongInt   = 128 // 128-159: 4-byte big-endian unsigned integer
	rangeByteStr   = 160 // 160-191: 1-byte length N, then N bytes
	rangeShortStr  = 192 // 192-223: 2-byte length N, then N bytes
	rangeLongStr   = 224 // 224-255: 4-byte length N, then N bytes
)

// Canonical core opcodes. Values in the nullary/byte-int/short-int/
// string ranges are preserved bit-exactly per the wire specification;
// PING, PONG, CONSUMING and EXCLUSIVE occupy the spec's "pick unused"
// slots.
const (
	NOP          Opcode = 0
	CLEAR        Opcode = 1
	EXECUTE      Opcode = 2
	REQUEST      Opcode = 10
	REPLY        Opcode = 11
	RECEIVED     Opcode = 12
	DELIVERED    Opcode = 13
	BROADCAST    Opcode = 14
	NOREPLY      Opcode = 15
	UNDELIVERED  Opcode = 16
	CONSUME      Opcode = 20
	CANCEL_QUEUE Opcode = 21
	CLOSING      Opcode = 22
	SERVER_FULL  Opcode = 23
	CONTROLLER   Opcode = 24
	CONSUMING    Opcode = 25
	PING         Opcode = 26
	PONG         Opcode = 27

	EXCLUSIVE Opcode = 32

	PRIORITY Opcode = 64

	ID      Opcode = 96
	QUEUEID Opcode = 97
	TIMEOUT Opcode = 98
	MAX     Opcode = 99

	QUEUE Opcode = 160

	PAYLOAD Opcode = 224
)

var names = map[Opcode]string{
	NOP: "NOP", CLEAR: "CLEAR", EXECUTE: "EXECUTE",
	REQUEST: "REQUEST", REPLY: "REPLY", RECEIVED: "RECEIVED",
	DELIVERED: "DELIVERED", BROADCAST: "BROADCAST", NOREPLY: "NOREPLY",
	UNDELIVERED: "UNDELIVERED", CONSUME: "CONSUME",
	CANCEL_QUEUE: "CANCEL_QUEUE", CLOSING: "CLOSING",
	SERVER_FULL: "SERVER_FULL", CONTROLLER: "CONTROLLER",
	CONSUMING: "CONSUMING", PING: "PING", PONG: "PONG",
	EXCLUSIVE: "EXCLUSIVE", PRIORITY: "PRIORITY", ID: "ID",
	QUEUEID: "QUEUEID", TIMEOUT: "TIMEOUT", MAX: "MAX", QUEUE: "QUEUE",
	PAYLOAD: "PAYLOAD",
}

func (op Opcode) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(%d)", byte(op))
}

// layout classifies the payload that follows an opcode on the wire.
type layout int

const (
	layoutNullary layout = iota
	layoutByteInt
	layoutShortInt
	layoutLongInt
	layoutByteStr
	layoutShortStr
	layoutLongStr
)

func layoutOf(op Opcode) layout {
	switch {
	case op < rangeFlag:
		return layoutNullary
	case op < rangeByteInt:
		return layoutNullary // flag range: no payload, but op itself is a modifier
	case op < rangeShortInt:
		return layoutByteInt
	case op < rangeLongInt:
		return layoutShortInt
	case op < rangeByteStr:
		return layoutLongInt
	case op < rangeShortStr:
		return layoutByteStr
	case op < rangeLongStr:
		return layoutShortStr
	default:
		return layoutLongStr
	}
}

// maxQueueNameLen is the largest queue name the wire format can carry:
// QUEUE uses the 1-byte-length string layout, so 255 is the hard cap.
const maxQueueNameLen = 255

// maxFrameBody bounds the 4-byte length field so a corrupt/hostile
// stream can't make the decoder allocate unbounded memory.
const maxFrameBody = 16 * 1024 * 1024
