package broker

import "time"

// timeoutLoop mirrors pingLoop's shape: a ticker submits one sweep job
// to the core loop per tick, keeping deadline enforcement inside the
// single-writer discipline the rest of the broker follows. The sweep
// period (cfg.TimeoutSweep) is a periodic scan rather than a real timer
// wheel (spec §5's "lightweight wheel or per-message timer") — the
// store holds at most 65535 slots, and scanning the active ones is
// cheaper than the bookkeeping a wheel would add at that scale.
func (b *Broker) timeoutLoop() {
	ticker := time.NewTicker(b.cfg.TimeoutSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.submit(b.sweepTimeouts)
		case <-b.done:
			return
		}
	}
}

// sweepTimeouts runs on the core loop once per tick: every message
// flagged FlagTimeout whose deadline has passed is pulled out of its
// queue, its consumer (if any) freed back to ready, and its origin
// told UNDELIVERED (spec §7's MessageTimeout, §9).
func (b *Broker) sweepTimeouts() {
	now := time.Now()
	for _, mid := range b.store.Expired(now) {
		msg, ok := b.store.Get(mid)
		if !ok {
			continue
		}
		q, ok := b.sched.Registry.GetByID(msg.Queue)
		if !ok {
			b.store.Release(mid)
			continue
		}

		expired, target, ok := b.sched.ExpireMessage(q, mid)
		if !ok {
			continue
		}

		if target != 0 {
			if tc, ok := b.conns[target]; ok {
				delete(tc.outstandingConsumer, mid)
			}
		}
		if oc, ok := b.conns[expired.Origin]; ok {
			delete(oc.outstandingProducer, mid)
		}

		b.logger.Info("message timed out, reporting undelivered", "id", mid, "queue", q.Name, "error", errMessageTimeout)
		b.sendUndelivered(expired.Origin, expired.OriginLabel)
		b.sched.Registry.Reclaim(q)
	}
}
