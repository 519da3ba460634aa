package queue

import "github.com/relayqueue/rqd/internal/message"

// Delivery describes one outbound frame the caller must actually
// write to a connection. Scheduler methods never touch sockets
// themselves (spec §5's core loop owns all state changes; writing the
// wire frame is the caller's job).
type Delivery struct {
	Target message.ConnID
	Msg    *message.Message
}

// Scheduler ties the queue registry to the message store and
// implements the delivery algorithm from spec §4.4, grounded in
// queue_addmsg/queue_deliver/queue_msg_done/queue_cancel_node.
type Scheduler struct {
	Registry *Registry
	Store    *message.Store
}

// NewScheduler builds a scheduler over a fresh registry backed by
// store.
func NewScheduler(store *message.Store) *Scheduler {
	return &Scheduler{Registry: NewRegistry(), Store: store}
}

// Enqueue adds mid to q's pending list and attempts an immediate
// delivery if it is the only message waiting (queue_addmsg). It
// returns the deliveries to perform, if any.
func (s *Scheduler) Enqueue(q *Queue, mid message.MsgID) []Delivery {
	q.pushPendingTail(mid)
	if len(q.pending) == 1 {
		return s.deliver(q)
	}
	return nil
}

// deliver pops the head of q's pending list and assigns it to a
// consumer, or to every ready consumer if it is a broadcast
// (queue_deliver). A request with no ready consumer is pushed back to
// the head of pending to retry on the next consumer-ready event.
func (s *Scheduler) deliver(q *Queue) []Delivery {
	mid, ok := q.popPendingHead()
	if !ok {
		return nil
	}
	msg, ok := s.Store.Get(mid)
	if !ok {
		// message vanished from under us (disconnect race); nothing to do.
		return nil
	}

	if msg.Flags.Has(message.FlagBroadcast) {
		// Release zeroes the store slot, so the deliveries carry a copy.
		snapshot := *msg
		targets := make([]Delivery, 0, q.readyCount())
		for _, band := range q.ready {
			for _, c := range band {
				targets = append(targets, Delivery{Target: c.Conn, Msg: &snapshot})
			}
		}
		if len(targets) == 0 {
			// no ready consumers: drop the broadcast rather than queue it
			// (spec §13, Open Question 3) and release its slot.
			s.Store.Release(mid)
			return nil
		}
		s.Store.Release(mid)
		return targets
	}

	c := q.pickReady()
	if c == nil {
		q.pushPendingHead(mid)
		return nil
	}

	msg.TargetConn = c.Conn
	c.Waiting++
	if c.atCapacity() {
		q.busy = append(q.busy, c)
	} else {
		q.pushReady(c)
	}
	q.inFlight = append(q.inFlight, mid)

	return []Delivery{{Target: c.Conn, Msg: msg}}
}

// Reply completes an in-flight message on REPLY: it must be removed
// from in-flight, its consumer freed back to ready, and the message
// released. The caller is responsible for emitting the reply frame to
// msg.OriginConn before or after calling Reply.
func (s *Scheduler) Reply(q *Queue, mid message.MsgID) (*message.Message, bool) {
	msg, ok := s.Store.Get(mid)
	if !ok {
		return nil, false
	}
	done := *msg // Release zeroes the slot; the caller gets a copy
	q.removeInFlight(mid)
	q.MsgDone(msg.TargetConn)
	s.Store.Release(mid)
	return &done, true
}

// Delivered completes an in-flight noreply message on DELIVERED, the
// same bookkeeping as Reply but with no payload to route back.
func (s *Scheduler) Delivered(q *Queue, mid message.MsgID) (*message.Message, bool) {
	return s.Reply(q, mid)
}

// Consume subscribes c to q and, if the queue had a message pending
// and could not previously deliver it, retries delivery now that a
// consumer is ready.
func (s *Scheduler) Consume(q *Queue, c *Consumer) (active bool, deliveries []Delivery) {
	active = q.Subscribe(c)
	if active && len(q.pending) > 0 {
		deliveries = s.deliver(q)
	}
	return active, deliveries
}

// UndeliveredMessage names one message the caller must report
// UNDELIVERED to its origin. Origin/OriginLabel are captured here
// rather than left for the caller to look up afterward, because the
// message's store slot is released as part of producing this result —
// by the time the caller sees it, message.Store.Get(ID) would already
// report it inactive.
type UndeliveredMessage struct {
	ID          message.MsgID
	Origin      message.ConnID
	OriginLabel uint16
}

// DisconnectResult reports what must happen to a connection's
// in-flight and pending-reply messages when it disconnects.
type DisconnectResult struct {
	Redeliver   []Delivery           // messages reassigned to another ready consumer
	Undelivered []UndeliveredMessage // messages that must be reported UNDELIVERED to their origin
	Promoted    *Consumer            // a waiting consumer promoted into an exclusive queue's ready list
}

// reassign tries to hand an already-in-flight message to another
// ready consumer of q, bypassing the pending queue entirely (used
// when the message's original target disconnects before replying).
func (s *Scheduler) reassign(q *Queue, mid message.MsgID, msg *message.Message) (Delivery, bool) {
	c := q.pickReady()
	if c == nil {
		return Delivery{}, false
	}
	msg.TargetConn = c.Conn
	c.Waiting++
	if c.atCapacity() {
		q.busy = append(q.busy, c)
	} else {
		q.pushReady(c)
	}
	return Delivery{Target: c.Conn, Msg: msg}, true
}

// DisconnectConsumer removes conn from every consumer list of q and,
// for any message it held in-flight, tries to reassign it to another
// ready consumer or else flags it undelivered (spec §4.6, step 2).
func (s *Scheduler) DisconnectConsumer(q *Queue, conn message.ConnID) DisconnectResult {
	_, promoted := q.CancelConsumer(conn)
	result := DisconnectResult{Promoted: promoted}

	remaining := q.inFlight[:0:0]
	for _, mid := range q.inFlight {
		msg, ok := s.Store.Get(mid)
		if !ok || msg.TargetConn != conn {
			remaining = append(remaining, mid)
			continue
		}
		if msg.Flags.Has(message.FlagNoReply) {
			// A noreply message's only acknowledgement path is DELIVERED;
			// its target vanishing before sending one means the origin
			// must be told UNDELIVERED the same as any other message that
			// can't be completed (spec §8 excludes noreply from the
			// reassignment branch, not from notification entirely).
			result.Undelivered = append(result.Undelivered, UndeliveredMessage{ID: mid, Origin: msg.OriginConn, OriginLabel: msg.OriginLabel})
			s.Store.Release(mid)
			continue
		}
		if d, ok := s.reassign(q, mid, msg); ok {
			result.Redeliver = append(result.Redeliver, d)
			remaining = append(remaining, mid)
			continue
		}
		result.Undelivered = append(result.Undelivered, UndeliveredMessage{ID: mid, Origin: msg.OriginConn, OriginLabel: msg.OriginLabel})
		s.Store.Release(mid)
	}
	q.inFlight = remaining

	return result
}

// ExpireMessage forcibly completes mid because its timeout elapsed
// before a REPLY or DELIVERED arrived (spec §5's periodic sweep, §7's
// MessageTimeout). It removes mid from whichever list still holds it —
// pending if it was never delivered, in-flight otherwise, in which case
// the target consumer's outstanding count is freed the same as MsgDone
// — and releases the slot. target is the zero ConnID when the message
// was still pending. ok is false if mid no longer names a live message
// (a reply raced the sweep to the core loop first).
func (s *Scheduler) ExpireMessage(q *Queue, mid message.MsgID) (expired UndeliveredMessage, target message.ConnID, ok bool) {
	msg, found := s.Store.Get(mid)
	if !found {
		return UndeliveredMessage{}, 0, false
	}
	expired = UndeliveredMessage{ID: mid, Origin: msg.OriginConn, OriginLabel: msg.OriginLabel}
	if !q.removePending(mid) {
		target = msg.TargetConn
		q.removeInFlight(mid)
		q.MsgDone(target)
	}
	s.Store.Release(mid)
	return expired, target, true
}

// CancelQueue removes conn from q as a consumer without treating it
// as a disconnect (the CANCEL_QUEUE opcode — a voluntary unsubscribe).
// It returns the consumer promoted into an exclusive queue's ready
// list, if removing conn freed one up.
func (s *Scheduler) CancelQueue(q *Queue, conn message.ConnID) *Consumer {
	_, promoted := q.CancelConsumer(conn)
	return promoted
}
