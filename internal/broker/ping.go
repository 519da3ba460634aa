package broker

import (
	"time"

	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
)

// pingLoop drives the keepalive protocol (spec §12): every tick it
// submits one job that nudges every connection's idle counter, pings
// anyone overdue, and disconnects anyone who never answered within
// cfg.IdleLimit ticks.
func (b *Broker) pingLoop() {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.submit(b.checkIdleAll)
		case <-b.done:
			return
		}
	}
}

// checkIdleAll runs on the core loop once per tick.
func (b *Broker) checkIdleAll() {
	for id, c := range b.conns {
		if c.idle >= b.cfg.IdleLimit {
			b.logger.Warn("connection unresponsive past idle limit, disconnecting", "conn", id, "idle", c.idle)
			b.disconnect(id, errIdleTimeout)
			continue
		}
		c.idle++
		_ = c.enc.Nullary(protocol.PING)
		_ = c.enc.Flush()
	}
}

// sendPong answers a peer's PING immediately; it does not touch idle
// accounting for the sender.
func (b *Broker) sendPong(id message.ConnID) {
	c, ok := b.conns[id]
	if !ok {
		return
	}
	_ = c.enc.Nullary(protocol.PONG)
	_ = c.enc.Flush()
}

// resetIdle clears a connection's missed-ping counter on PONG.
func (b *Broker) resetIdle(id message.ConnID) {
	if c, ok := b.conns[id]; ok {
		c.idle = 0
	}
}
