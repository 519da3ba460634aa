package broker

import (
	"net"
	"time"

	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
	"github.com/relayqueue/rqd/internal/queue"
)

const (
	peerConnectTimeout = time.Second
	peerRetryDelay     = time.Second
	// peerPriorityByte is the raw PRIORITY value a federated CONSUME
	// advertises: below the 10-19 "low" band floor is "none", so 10 is
	// the lowest priority that still buckets to low (spec §4.5: "acts
	// as a regular low-priority consumer").
	peerPriorityByte = 10
)

// peerLink is one configured peer broker endpoint and its reconnect
// state (spec §4.5, §4.6's "peer links finalized like client
// connections" on shutdown).
type peerLink struct {
	addr   string
	failed bool // unresolvable endpoint: never retried (spec §7 PeerUnresolved)
	conn   *Connection
}

// peerSet owns every configured peer broker connector. Each link's
// connect/retry loop runs on its own goroutine; the only broker state
// it ever touches is through Broker.submit, same as a client's read
// loop.
type peerSet struct {
	b     *Broker
	links []*peerLink
}

func newPeerSet(b *Broker) *peerSet {
	return &peerSet{b: b}
}

// AddPeer registers a peer broker endpoint and starts its connector.
// Called through Broker.AddPeer during startup (cmd/rqd), before Serve.
func (p *peerSet) AddPeer(addr string) {
	link := &peerLink{addr: addr}
	p.links = append(p.links, link)
	go p.connectLoop(link)
}

// connectLoop dials addr, reconnecting with a fixed backoff on failure
// or drop, until the endpoint is found unresolvable (spec §4.5's
// reconnect backoff and the PeerUnresolved/PeerUnavailable split from
// the error table in spec.md §7).
func (p *peerSet) connectLoop(link *peerLink) {
	for {
		if link.failed {
			return
		}
		if _, err := net.ResolveTCPAddr("tcp", link.addr); err != nil {
			p.b.logger.Error("peer endpoint unresolvable, will not retry", "peer", link.addr, "error", err)
			link.failed = true
			return
		}

		nc, err := net.DialTimeout("tcp", link.addr, peerConnectTimeout)
		if err != nil {
			p.b.logger.Warn("peer connect failed, retrying", "peer", link.addr, "error", err)
			time.Sleep(peerRetryDelay)
			continue
		}

		p.b.logger.Info("peer link established", "peer", link.addr)
		closed := make(chan struct{})
		p.b.submit(func() { p.attach(nc, link, closed) })
		<-closed
		time.Sleep(peerRetryDelay)
	}
}

// attach runs on the core loop: it registers the dialed connection
// like any other, marks it a controller link, and replays a CONSUME
// for every locally-consumed queue (spec §4.5's "on connect-ready...
// immediately sends CONSUME for every queue the broker currently has
// consumers on").
func (p *peerSet) attach(nc net.Conn, link *peerLink, closed chan struct{}) {
	p.b.nextConn++
	id := p.b.nextConn
	c := newConnection(id, nc)
	c.role = roleController
	c.onClose = func() {
		link.conn = nil
		close(closed)
	}
	link.conn = c
	p.b.conns[id] = c

	logger := p.b.logger.With("conn", id, "peer", link.addr)
	logger.Info("peer connection registered")
	go p.b.readLoop(c, logger)

	_ = c.enc.Nullary(protocol.CONTROLLER)
	_ = c.enc.Flush()

	for _, name := range p.b.sched.Registry.Names() {
		q, ok := p.b.sched.Registry.GetByName(name)
		if !ok || q.ReadyCount()+q.BusyCount() == 0 {
			continue
		}
		p.sendConsume(c, q)
	}
}

// advertise sends a CONSUME for q to every connection currently
// carrying the controller role — both peers we dialed out to and
// peers that dialed into us (spec §4.5: "advertise the subscription to
// every peer broker"). Called when q gets its first non-federated
// consumer.
func (p *peerSet) advertise(q *queue.Queue) {
	for _, c := range p.b.conns {
		if c.role == roleController {
			p.sendConsume(c, q)
		}
	}
}

func (p *peerSet) sendConsume(c *Connection, q *queue.Queue) {
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ByteStr(protocol.QUEUE, []byte(q.Name))
	_ = c.enc.ShortInt(protocol.MAX, 1)
	_ = c.enc.ByteInt(protocol.PRIORITY, peerPriorityByte)
	if q.Exclusive {
		_ = c.enc.Nullary(protocol.EXCLUSIVE)
	}
	_ = c.enc.Nullary(protocol.CONSUME)
	_ = c.enc.Flush()
}

// markConsuming records c (a peer link we sent CONSUME over) as a
// federated consumer of our local queue named name, once the peer
// confirms with CONSUMING {queue, qid}.
func (p *peerSet) markConsuming(c *Connection, name string, _ message.QueueID) {
	q, ok := p.b.sched.Registry.GetByName(name)
	if !ok {
		return
	}
	q.SubscribeFederated(&queue.Consumer{
		Conn:     c.id,
		Priority: protocol.PriorityLow,
		Max:      1,
	})
}
