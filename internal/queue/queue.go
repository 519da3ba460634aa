// Package queue implements the queue registry and delivery scheduler:
// named queues, their four consumer lists (ready/busy/waiting/
// federated), their two message lists (pending/in-flight), and the
// selection policy that picks which consumer gets the next message
// (spec §4.4). The algorithms are grounded in the original broker's
// queue_add_node/queue_deliver/queue_msg_done/queue_cancel_node, with
// priority promoted to a first-class scheduling dimension.
package queue

import (
	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
)

// Consumer binds a connection to a queue (spec §3's Consumer record).
type Consumer struct {
	Conn      message.ConnID
	Max       int // 0 = unlimited
	Priority  protocol.Priority
	Waiting   int
	Exclusive bool
}

func (c *Consumer) atCapacity() bool {
	return c.Max > 0 && c.Waiting >= c.Max
}

// remaining reports how much outstanding capacity a consumer has left,
// used to break ties within a priority band (spec §4.4: "most
// remaining capacity"). Unlimited consumers always win a tie.
func (c *Consumer) remaining() int {
	if c.Max == 0 {
		return int(^uint(0) >> 1) // unbounded
	}
	return c.Max - c.Waiting
}

// bandCount is the number of priority buckets the ready list is split
// into. Dispatch always drains high before normal before low before
// none (spec §4.4's redesigned, first-class priority bands).
const bandCount = int(protocol.PriorityHigh) + 1

// Queue is one named, broker-local message channel (spec §3's Queue).
type Queue struct {
	Name      string
	QID       message.QueueID
	Exclusive bool

	ready     [bandCount][]*Consumer
	busy      []*Consumer
	waiting   []*Consumer
	federated []*Consumer

	pending  []message.MsgID
	inFlight []message.MsgID
}

func newQueue(name string, qid message.QueueID) *Queue {
	return &Queue{Name: name, QID: qid}
}

// Empty reports whether the queue can be reclaimed: every consumer
// list and both message lists are empty (spec §3).
func (q *Queue) Empty() bool {
	if len(q.busy) != 0 || len(q.waiting) != 0 || len(q.federated) != 0 {
		return false
	}
	for _, b := range q.ready {
		if len(b) != 0 {
			return false
		}
	}
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

func (q *Queue) readyCount() int {
	n := 0
	for _, b := range q.ready {
		n += len(b)
	}
	return n
}

// ReadyCount, BusyCount, WaitingCount, FederatedCount expose per-list
// sizes for the admin stats surface.
func (q *Queue) ReadyCount() int     { return q.readyCount() }
func (q *Queue) BusyCount() int      { return len(q.busy) }
func (q *Queue) WaitingCount() int   { return len(q.waiting) }
func (q *Queue) FederatedCount() int { return len(q.federated) }
func (q *Queue) PendingCount() int   { return len(q.pending) }
func (q *Queue) InFlightCount() int  { return len(q.inFlight) }

func removeConsumer(list []*Consumer, conn message.ConnID) ([]*Consumer, *Consumer, bool) {
	for i, c := range list {
		if c.Conn == conn {
			list = append(list[:i], list[i+1:]...)
			return list, c, true
		}
	}
	return list, nil, false
}

// pickReady selects the best ready consumer per spec §4.4: highest
// non-empty priority band first, then the consumer with the most
// remaining capacity within that band (ties broken by FIFO order). A
// federated (peer-broker) consumer is only picked once every local
// band is empty — "the peer link acts as a regular low-priority
// consumer" (spec §4.5), below even PriorityNone locally. It removes
// the chosen consumer from its list.
func (q *Queue) pickReady() *Consumer {
	for band := bandCount - 1; band >= 0; band-- {
		list := q.ready[band]
		if len(list) == 0 {
			continue
		}
		best := 0
		for i := 1; i < len(list); i++ {
			if list[i].remaining() > list[best].remaining() {
				best = i
			}
		}
		c := list[best]
		q.ready[band] = append(list[:best], list[best+1:]...)
		return c
	}
	if len(q.federated) > 0 {
		best := 0
		for i := 1; i < len(q.federated); i++ {
			if q.federated[i].remaining() > q.federated[best].remaining() {
				best = i
			}
		}
		c := q.federated[best]
		q.federated = append(q.federated[:best], q.federated[best+1:]...)
		return c
	}
	return nil
}

// SubscribeFederated registers a peer-broker link as a consumer of q
// (the CONSUMING handshake's effect on the local side of §4.5).
func (q *Queue) SubscribeFederated(c *Consumer) {
	q.federated = append(q.federated, c)
}

func (q *Queue) pushReady(c *Consumer) {
	q.ready[c.Priority] = append(q.ready[c.Priority], c)
}

// Subscribe adds c as a consumer of q (queue_add_node, spec §4.4's
// three-way Subscribe algorithm). c is deferred to the waiting list
// either if the queue is already exclusively held, or if c itself
// requests exclusive access and the queue already has any ready or
// busy consumer — both cases must never leave more than one consumer
// record across ready ∪ busy for an exclusive queue (spec §3). The
// bool result reports whether c is now actively consuming (false
// means deferred).
func (q *Queue) Subscribe(c *Consumer) bool {
	if q.Exclusive && (len(q.busy) > 0 || q.readyCount() > 0) {
		q.waiting = append(q.waiting, c)
		return false
	}
	if c.Exclusive && (len(q.busy) > 0 || q.readyCount() > 0) {
		q.waiting = append(q.waiting, c)
		return false
	}

	if c.Exclusive {
		q.Exclusive = true
	}
	q.pushReady(c)
	return true
}

// CancelConsumer removes conn from every list it might be in
// (queue_cancel_node). If removing it frees an exclusive queue with a
// waiting subscriber, the longest-waiting subscriber is promoted and
// returned as promoted (the caller must tell it CONSUMING).
func (q *Queue) CancelConsumer(conn message.ConnID) (removed *Consumer, promoted *Consumer) {
	var ok bool
	q.busy, removed, ok = removeConsumer(q.busy, conn)
	if !ok {
		for band := range q.ready {
			var c *Consumer
			q.ready[band], c, ok = removeConsumer(q.ready[band], conn)
			if ok {
				removed = c
				break
			}
		}
	}
	if ok {
		// removed an active holder: if that leaves an exclusive queue
		// with nobody consuming and someone waiting, promote the
		// longest-waiting subscriber.
		if q.Exclusive && len(q.busy) == 0 && q.readyCount() == 0 && len(q.waiting) > 0 {
			promoted = q.waiting[0]
			q.waiting = q.waiting[1:]
			q.pushReady(promoted)
		}
		return removed, promoted
	}

	if q.waiting, removed, ok = removeConsumer(q.waiting, conn); ok {
		return removed, nil
	}
	q.federated, removed, _ = removeConsumer(q.federated, conn)
	return removed, nil
}

// MsgDone decrements conn's outstanding count and, if it was in the
// busy list, moves it back to the tail of its ready band
// (queue_msg_done). Called on REPLY and on DELIVERED for a noreply
// message.
func (q *Queue) MsgDone(conn message.ConnID) {
	var ok bool
	var c *Consumer
	q.busy, c, ok = removeConsumer(q.busy, conn)
	if ok {
		if c.Waiting > 0 {
			c.Waiting--
		}
		q.pushReady(c)
		return
	}
	for band := range q.ready {
		for _, c := range q.ready[band] {
			if c.Conn == conn && c.Waiting > 0 {
				c.Waiting--
				return
			}
		}
	}
}

// pushPendingHead and pushPendingTail mirror queue_addmsg's semantics:
// a freshly-submitted message joins the tail; a message that could
// not be delivered is put back at the head to be retried first.
func (q *Queue) pushPendingTail(mid message.MsgID) { q.pending = append(q.pending, mid) }
func (q *Queue) pushPendingHead(mid message.MsgID) {
	q.pending = append([]message.MsgID{mid}, q.pending...)
}

func (q *Queue) popPendingHead() (message.MsgID, bool) {
	if len(q.pending) == 0 {
		return 0, false
	}
	mid := q.pending[0]
	q.pending = q.pending[1:]
	return mid, true
}

// removePending removes mid from the pending list if present, used by
// ExpireMessage when a message times out before ever being delivered.
func (q *Queue) removePending(mid message.MsgID) bool {
	for i, m := range q.pending {
		if m == mid {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) removeInFlight(mid message.MsgID) {
	for i, m := range q.inFlight {
		if m == mid {
			q.inFlight = append(q.inFlight[:i], q.inFlight[i+1:]...)
			return
		}
	}
}
