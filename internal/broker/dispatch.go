package broker

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
	"github.com/relayqueue/rqd/internal/queue"
)

// readLoop decodes frames from one connection and hands them to the
// core loop as closures. It never touches broker-owned state itself —
// PING/PONG/RECEIVED/CONTROLLER are the only opcodes actioned without going
// through the pending-command-set/terminator machinery (spec §12).
func (b *Broker) readLoop(c *Connection, logger *slog.Logger) {
	for {
		cmd, err := protocol.Decode(c.r)
		if err != nil {
			reason := err
			if errors.Is(err, io.EOF) {
				reason = nil
			}
			b.submit(func() { b.disconnect(c.id, reason) })
			return
		}

		switch {
		case cmd.Op == protocol.PING:
			b.submit(func() { b.sendPong(c.id) })

		case cmd.Op == protocol.PONG:
			b.submit(func() { b.resetIdle(c.id) })

		case cmd.Op == protocol.RECEIVED:
			logger.Debug("received ack, discarding")

		case cmd.Op == protocol.CONTROLLER:
			b.submit(func() { b.markController(c.id) })

		case cmd.Op == protocol.CLEAR:
			c.pending.Reset()

		case protocol.IsTerminator(cmd.Op):
			if verr := protocol.Validate(cmd.Op, &c.pending); verr != nil {
				logger.Warn("protocol error, closing connection", "error", verr)
				b.submit(func() { b.disconnect(c.id, verr) })
				return
			}
			op := cmd.Op
			pending := c.pending
			c.pending.Reset()
			b.submit(func() { b.commit(c.id, op, pending) })

		default:
			if aerr := c.pending.Apply(cmd); aerr != nil {
				logger.Warn("protocol error, closing connection", "error", aerr)
				b.submit(func() { b.disconnect(c.id, aerr) })
				return
			}
		}
	}
}

// commit runs on the core loop: it is the only place a terminator
// opcode actually mutates broker state (spec §4.2's "commit the
// pending set as a unit").
func (b *Broker) commit(connID message.ConnID, op protocol.Opcode, p protocol.Pending) {
	c, ok := b.conns[connID]
	if !ok {
		return // connection already torn down before its last frame was processed
	}
	logger := b.logger.With("conn", connID, "op", op.String())

	switch op {
	case protocol.REQUEST:
		b.commitRequest(c, p, logger)
	case protocol.BROADCAST:
		b.commitBroadcast(c, p, logger)
	case protocol.REPLY:
		b.commitReply(c, p, logger)
	case protocol.DELIVERED:
		b.commitDelivered(c, p, logger)
	case protocol.CONSUME:
		b.commitConsume(c, p, logger)
	case protocol.CONSUMING:
		b.commitConsuming(c, p, logger)
	case protocol.CANCEL_QUEUE:
		b.commitCancelQueue(c, p, logger)
	case protocol.CLOSING:
		c.closing = true
		logger.Info("peer signaled closing")
	}
}

// markController flips a connection to the controller role once it
// identifies itself with CONTROLLER — an inbound peer link accepted
// the same way as any client, distinguished only by this handshake
// (spec §4.5).
func (b *Broker) markController(connID message.ConnID) {
	if c, ok := b.conns[connID]; ok {
		c.role = roleController
	}
}

func (b *Broker) resolveQueue(p protocol.Pending) (*queue.Queue, bool) {
	if p.Has(protocol.FieldQueueName) {
		return b.sched.Registry.GetOrCreate(p.QueueName), true
	}
	if p.Has(protocol.FieldQueueID) {
		return b.sched.Registry.GetByID(message.QueueID(p.QueueID))
	}
	return nil, false
}

func (b *Broker) commitRequest(c *Connection, p protocol.Pending, logger *slog.Logger) {
	q, ok := b.resolveQueue(p)
	if !ok {
		logger.Info("request for unknown queue, discarding", "error", ErrQueueNotFound)
		return
	}

	m, err := b.store.Allocate()
	if err != nil {
		logger.Error("message store exhausted, dropping request", "error", err)
		return
	}
	m.OriginConn = c.id
	m.OriginLabel = p.ID
	m.Payload = p.Payload
	m.Queue = q.QID
	if p.Has(protocol.FieldTimeout) && p.Timeout > 0 {
		m.Flags |= message.FlagTimeout
		m.Deadline = time.Now().Add(time.Duration(p.Timeout) * time.Second)
	}
	if p.NoReply {
		m.Flags |= message.FlagNoReply
	}
	c.outstandingProducer[m.ID] = struct{}{}

	for _, d := range b.sched.Enqueue(q, m.ID) {
		b.sendDelivery(d, q, false)
	}
}

func (b *Broker) commitBroadcast(c *Connection, p protocol.Pending, logger *slog.Logger) {
	q, ok := b.resolveQueue(p)
	if !ok {
		logger.Info("broadcast for unknown queue, discarding", "error", ErrQueueNotFound)
		return
	}

	m, err := b.store.Allocate()
	if err != nil {
		logger.Error("message store exhausted, dropping broadcast", "error", err)
		return
	}
	m.OriginConn = c.id
	m.Payload = p.Payload
	m.Queue = q.QID
	m.Flags |= message.FlagBroadcast | message.FlagNoReply

	for _, d := range b.sched.Enqueue(q, m.ID) {
		b.sendDelivery(d, q, true)
	}
}

func (b *Broker) commitReply(c *Connection, p protocol.Pending, logger *slog.Logger) {
	mid := message.MsgID(p.ID)
	msg, ok := b.store.Get(mid)
	if !ok {
		logger.Info("reply discarded", "id", mid, "error", ErrMessageNotFound)
		return
	}
	if msg.TargetConn != c.id {
		logger.Warn("reply discarded", "id", mid, "error", ErrTargetMismatch)
		return
	}
	q, ok := b.sched.Registry.GetByID(msg.Queue)
	if !ok {
		logger.Warn("reply for message whose queue vanished, discarding", "id", mid)
		return
	}

	origin := msg.OriginConn
	originLabel := msg.OriginLabel
	payload := p.Payload

	b.sched.Reply(q, mid)
	delete(c.outstandingConsumer, mid)

	if oc, ok := b.conns[origin]; ok {
		delete(oc.outstandingProducer, mid)
		_ = oc.enc.Nullary(protocol.CLEAR)
		_ = oc.enc.ShortInt(protocol.ID, originLabel)
		_ = oc.enc.LongStr(protocol.PAYLOAD, payload)
		_ = oc.enc.Nullary(protocol.REPLY)
		_ = oc.enc.Flush()
	}

	b.sched.Registry.Reclaim(q)
}

func (b *Broker) commitDelivered(c *Connection, p protocol.Pending, logger *slog.Logger) {
	mid := message.MsgID(p.ID)
	msg, ok := b.store.Get(mid)
	if !ok {
		logger.Info("delivered ack discarded", "id", mid, "error", ErrMessageNotFound)
		return
	}
	if msg.TargetConn != c.id {
		logger.Warn("delivered ack discarded", "id", mid, "error", ErrTargetMismatch)
		return
	}
	q, ok := b.sched.Registry.GetByID(msg.Queue)
	if !ok {
		return
	}
	origin := msg.OriginConn
	b.sched.Delivered(q, mid)
	delete(c.outstandingConsumer, mid)
	if oc, ok := b.conns[origin]; ok {
		delete(oc.outstandingProducer, mid)
	}
	b.sched.Registry.Reclaim(q)
}

func (b *Broker) commitConsume(c *Connection, p protocol.Pending, logger *slog.Logger) {
	if !p.Has(protocol.FieldQueueName) {
		logger.Warn("consume without a queue name, discarding")
		return
	}
	q := b.sched.Registry.GetOrCreate(p.QueueName)
	cons := &queue.Consumer{
		Conn:      c.id,
		Max:       int(p.Max),
		Priority:  p.Priority,
		Exclusive: p.Exclusive,
	}
	active, deliveries := b.sched.Consume(q, cons)
	c.consumers[q.QID] = cons
	if !active {
		logger.Info("consume deferred, queue held exclusively", "queue", q.Name)
	} else {
		b.notifyConsuming(c.id, q)
	}
	for _, d := range deliveries {
		b.sendDelivery(d, q, false)
	}
	if active && q.ReadyCount()+q.BusyCount() == 1 {
		b.peers.advertise(q)
	}
}

// commitConsuming is the federation handshake reply: a peer
// controller confirms it is now consuming a queue this broker
// advertised to it (original_source queue_notify/sendConsumeReply).
func (b *Broker) commitConsuming(c *Connection, p protocol.Pending, logger *slog.Logger) {
	if c.role != roleController {
		logger.Warn("CONSUMING from a non-controller connection, ignoring")
		return
	}
	b.peers.markConsuming(c, p.QueueName, message.QueueID(p.QueueID))
}

func (b *Broker) commitCancelQueue(c *Connection, p protocol.Pending, logger *slog.Logger) {
	q, ok := b.resolveQueue(p)
	if !ok {
		return
	}
	promoted := b.sched.CancelQueue(q, c.id)
	delete(c.consumers, q.QID)
	if promoted != nil {
		b.notifyConsuming(promoted.Conn, q)
	}
	b.sched.Registry.Reclaim(q)
}

// sendDelivery writes one scheduled delivery to its target
// connection: {CLEAR, ID, QUEUEID, PAYLOAD, REQUEST} for a request, or
// {CLEAR, QUEUEID, PAYLOAD, BROADCAST} with no ID for a broadcast
// (spec §6's external frame shapes).
func (b *Broker) sendDelivery(d queue.Delivery, q *queue.Queue, broadcast bool) {
	c, ok := b.conns[d.Target]
	if !ok {
		return
	}
	if broadcast {
		c.outstandingConsumer[d.Msg.ID] = struct{}{}
		_ = c.enc.Nullary(protocol.CLEAR)
		_ = c.enc.ShortInt(protocol.QUEUEID, uint16(q.QID))
		_ = c.enc.LongStr(protocol.PAYLOAD, d.Msg.Payload)
		_ = c.enc.Nullary(protocol.BROADCAST)
		_ = c.enc.Flush()
		return
	}
	c.outstandingConsumer[d.Msg.ID] = struct{}{}
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ShortInt(protocol.ID, uint16(d.Msg.ID))
	_ = c.enc.ShortInt(protocol.QUEUEID, uint16(q.QID))
	_ = c.enc.LongStr(protocol.PAYLOAD, d.Msg.Payload)
	_ = c.enc.Nullary(protocol.REQUEST)
	_ = c.enc.Flush()
}

// notifyConsuming tells connID it is now an active consumer of q:
// sent on a subscribe that goes straight to ready, and on exclusive
// promotion (queue_cancel_node's sendConsumeReply).
func (b *Broker) notifyConsuming(connID message.ConnID, q *queue.Queue) {
	c, ok := b.conns[connID]
	if !ok {
		return
	}
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ByteStr(protocol.QUEUE, []byte(q.Name))
	_ = c.enc.ShortInt(protocol.QUEUEID, uint16(q.QID))
	_ = c.enc.Nullary(protocol.CONSUMING)
	_ = c.enc.Flush()
}

// sendUndelivered tells origin that mid could not be delivered or
// completed (spec §4.6 step 2, §9's timeout path).
func (b *Broker) sendUndelivered(origin message.ConnID, originLabel uint16) {
	c, ok := b.conns[origin]
	if !ok {
		return
	}
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ShortInt(protocol.ID, originLabel)
	_ = c.enc.Nullary(protocol.UNDELIVERED)
	_ = c.enc.Flush()
}

// disconnect tears a connection down: its consumer subscriptions are
// cancelled queue by queue (reassigning or flagging undelivered any
// message it held), its outstanding-as-producer messages are
// released, and it is removed from the connection table (spec §4.6
// step 2-3).
func (b *Broker) disconnect(connID message.ConnID, cause error) {
	c, ok := b.conns[connID]
	if !ok {
		return
	}
	logger := b.logger.With("conn", connID)
	if cause != nil {
		logger.Info("connection closed", "reason", cause)
	} else {
		logger.Info("connection closed")
	}

	for qid, cons := range c.consumers {
		q, ok := b.sched.Registry.GetByID(qid)
		if !ok {
			continue
		}
		result := b.sched.DisconnectConsumer(q, cons.Conn)
		for _, d := range result.Redeliver {
			b.sendDelivery(d, q, false)
		}
		for _, u := range result.Undelivered {
			b.sendUndelivered(u.Origin, u.OriginLabel)
		}
		if result.Promoted != nil {
			b.notifyConsuming(result.Promoted.Conn, q)
		}
		b.sched.Registry.Reclaim(q)
	}

	for mid := range c.outstandingProducer {
		// The producer vanished before its message was replied to or
		// delivered; there is no one left to notify, so the slot is
		// simply released (spec names no wire frame for this edge).
		b.store.Release(mid)
	}

	_ = c.conn.Close()
	delete(b.conns, connID)

	if c.onClose != nil {
		c.onClose()
	}
}
