package broker

import (
	"bufio"
	"net"

	"github.com/google/uuid"

	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
	"github.com/relayqueue/rqd/internal/queue"
)

// role distinguishes a regular client from a peer-broker controller
// link (spec §3's "role mask"); federated connections carry consumer
// records on behalf of a remote broker instead of a local client.
type role uint8

const (
	roleClient role = iota
	roleController
)

// Connection is a single TCP client or controller link (spec §3's
// Connection). Its pending command set and decode loop run on their
// own goroutine; every field below that the broker's core loop reads
// or writes is only ever touched from that loop — the read goroutine
// only ever reads commands and hands decoded frames to the loop via
// Broker.submit, never mutating broker-owned state directly.
type Connection struct {
	id   message.ConnID
	conn net.Conn
	enc  *protocol.Encoder
	r    *bufio.Reader
	role role

	traceID string

	pending protocol.Pending

	// outstandingProducer tracks messages this connection submitted as
	// a producer and is still awaiting a reply for.
	outstandingProducer map[message.MsgID]struct{}
	// outstandingConsumer tracks messages delivered to this connection
	// that it has not yet replied to or delivered-acked.
	outstandingConsumer map[message.MsgID]struct{}

	// consumers maps a qid this connection subscribes to, to its
	// consumer record in that queue — used to unwind subscriptions on
	// disconnect without searching every queue.
	consumers map[message.QueueID]*queue.Consumer

	idle    int
	closing bool

	// onClose, if set, runs once at the end of disconnect — used by the
	// federation connector to notice a peer link has gone down and
	// schedule a reconnect.
	onClose func()
}

func newConnection(id message.ConnID, nc net.Conn) *Connection {
	return &Connection{
		id:                  id,
		conn:                nc,
		enc:                 protocol.NewEncoder(bufio.NewWriter(nc)),
		r:                   bufio.NewReader(nc),
		traceID:             uuid.NewString(),
		outstandingProducer: make(map[message.MsgID]struct{}),
		outstandingConsumer: make(map[message.MsgID]struct{}),
		consumers:           make(map[message.QueueID]*queue.Consumer),
	}
}
