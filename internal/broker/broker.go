// Package broker implements the rqd daemon: the per-connection
// protocol state machine, the queue scheduler dispatch, message
// lifecycle, and the graceful shutdown protocol. All mutable state is
// owned by a single goroutine (Broker.loop) reached only through
// closures submitted on a job channel — the Go realization of spec
// §5's single-threaded event loop, generalized from the teacher's
// single-writer MemoryMessageQueue channel to the whole broker.
package broker

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relayqueue/rqd/internal/buffer"
	"github.com/relayqueue/rqd/internal/message"
	"github.com/relayqueue/rqd/internal/protocol"
	"github.com/relayqueue/rqd/internal/queue"
)

// Config bundles the broker's tunables, sourced from internal/config
// (CLI flags / environment).
type Config struct {
	MaxConns     int
	PingInterval time.Duration
	IdleLimit    int // missed pings before a connection is considered dead
	ShutdownWait time.Duration
	TimeoutSweep time.Duration // how often expired message deadlines are swept
}

func defaultConfig() Config {
	return Config{
		MaxConns:     1024,
		PingInterval: 30 * time.Second,
		IdleLimit:    3,
		ShutdownWait: 5 * time.Second,
		TimeoutSweep: time.Second,
	}
}

// Broker owns every queue, message, and connection. Exactly one
// goroutine (loop) ever mutates conns/sched/store; everything else
// submits a closure to jobs and waits for it to run.
type Broker struct {
	logger *slog.Logger
	cfg    Config

	pool  *buffer.Pool
	store *message.Store
	sched *queue.Scheduler

	jobs chan func()
	done chan struct{}

	conns    map[message.ConnID]*Connection
	nextConn message.ConnID

	startOnce sync.Once
	listenMu  sync.Mutex
	listeners []net.Listener

	peers *peerSet
}

// New builds a broker with default tunables; Configure overrides them
// before Start (or the first Serve) is called.
func New(logger *slog.Logger) *Broker {
	pool := buffer.New()
	store := message.NewStore(pool)
	b := &Broker{
		logger: logger,
		cfg:    defaultConfig(),
		pool:   pool,
		store:  store,
		sched:  queue.NewScheduler(store),
		jobs:   make(chan func(), 1024),
		done:   make(chan struct{}),
		conns:  make(map[message.ConnID]*Connection),
	}
	b.peers = newPeerSet(b)
	return b
}

// Configure overrides the broker's tunables before Start runs.
func (b *Broker) Configure(cfg Config) { b.cfg = cfg }

// AddPeer registers a peer broker to federate with; its connector
// starts dialing immediately (spec §4.5). Call before Serve, or any
// time after — the connector runs independently of the accept loop.
func (b *Broker) AddPeer(addr string) { b.peers.AddPeer(addr) }

// ResetQueueOrder restores the queue name lookup's recency order back
// to qid-assignment order — SIGHUP's effect on broker state (spec §6,
// SPEC_FULL.md §13.1).
func (b *Broker) ResetQueueOrder() {
	done := make(chan struct{})
	b.submit(func() {
		b.sched.Registry.ResetOrder()
		close(done)
	})
	<-done
}

// submit hands a closure to the core loop. It never blocks the caller
// past the channel send — the job channel is large and the loop
// drains it continuously — and is safe to call from any goroutine.
func (b *Broker) submit(job func()) {
	select {
	case b.jobs <- job:
	case <-b.done:
	}
}

// loop is the single goroutine that owns all broker state.
func (b *Broker) loop() {
	for {
		select {
		case job := <-b.jobs:
			job()
		case <-b.done:
			return
		}
	}
}

// Start brings up the core loop and the keepalive ticker. It is safe
// to call more than once (idempotent) and safe to call before or
// concurrently with Serve — every Serve call on a multi-listener
// broker shares the one core loop Start establishes, instead of each
// racing to own broker state on its own goroutine.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		go b.loop()
		go b.pingLoop()
		go b.timeoutLoop()
	})
}

// Serve runs the accept loop on ln, registering it for Stop to close.
// It blocks until ln is closed or the broker is stopped. Call Start
// first (directly, or implicitly via the first Serve call) — Serve
// calls Start itself so a single-listener broker needs nothing extra.
func (b *Broker) Serve(ln net.Listener) error {
	b.Start()
	b.listenMu.Lock()
	b.listeners = append(b.listeners, ln)
	b.listenMu.Unlock()

	b.logger.Info("broker listening", "addr", ln.Addr().String(), "maxconns", b.cfg.MaxConns)

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-b.done:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		b.submit(func() { b.accept(nc) })
	}
}

// accept registers a freshly dialed-in connection, rejecting it with
// SERVER_FULL if maxconns is already reached (spec §6).
func (b *Broker) accept(nc net.Conn) {
	if b.cfg.MaxConns > 0 && len(b.conns) >= b.cfg.MaxConns {
		b.logger.Warn("rejecting connection", "remote", nc.RemoteAddr(), "error", ErrServerFull)
		enc := protocol.NewEncoder(bufio.NewWriter(nc))
		_ = enc.Nullary(protocol.SERVER_FULL)
		_ = enc.Flush()
		_ = nc.Close()
		return
	}

	b.nextConn++
	id := b.nextConn
	conn := newConnection(id, nc)
	b.conns[id] = conn

	logger := b.logger.With("conn", id, "trace", conn.traceID, "remote", nc.RemoteAddr())
	logger.Info("connection accepted")

	go b.readLoop(conn, logger)
}

// Stop begins the graceful shutdown protocol (spec §4.6): stop
// accepting, tell every connection CLOSING, then poll until every
// connection is gone or cfg.ShutdownWait elapses, force-closing any
// that remain past that deadline.
func (b *Broker) Stop() {
	b.listenMu.Lock()
	for _, ln := range b.listeners {
		_ = ln.Close()
	}
	b.listenMu.Unlock()

	done := make(chan struct{})
	b.submit(func() {
		for _, c := range b.conns {
			_ = c.enc.Nullary(protocol.CLOSING)
			_ = c.enc.Flush()
		}
		close(done)
	})
	<-done

	deadline := time.After(b.cfg.ShutdownWait)
	for {
		remaining := make(chan int, 1)
		b.submit(func() { remaining <- len(b.conns) })
		select {
		case n := <-remaining:
			if n == 0 {
				close(b.done)
				return
			}
		case <-deadline:
			b.forceCloseAll()
			close(b.done)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (b *Broker) forceCloseAll() {
	done := make(chan struct{})
	b.submit(func() {
		for id, c := range b.conns {
			b.logger.Warn("force-closing connection past shutdown deadline", "conn", id)
			_ = c.conn.Close()
		}
		close(done)
	})
	<-done
}

// Stats is a point-in-time snapshot for the admin HTTP surface.
type Stats struct {
	Connections int
	Queues      int
	MessagesUsed int
	MessagesCap  int
	PoolOutstanding int
	PoolPooled      int
}

// Stats returns a snapshot of broker-wide counters. Safe to call from
// any goroutine — it runs on the core loop like everything else.
func (b *Broker) Stats() Stats {
	out := make(chan Stats, 1)
	b.submit(func() {
		out <- Stats{
			Connections:     len(b.conns),
			Queues:          b.sched.Registry.Len(),
			MessagesUsed:    b.store.Used(),
			MessagesCap:     b.store.Capacity(),
			PoolOutstanding: b.pool.Outstanding(),
			PoolPooled:      b.pool.Pooled(),
		}
	})
	return <-out
}

// QueueInfo describes one queue for the admin HTTP surface.
type QueueInfo struct {
	Name      string
	QID       message.QueueID
	Exclusive bool
	Ready     int
	Busy      int
	Waiting   int
	Federated int
	Pending   int
	InFlight  int
}

// Queues returns a snapshot of every live queue's list sizes.
func (b *Broker) Queues() []QueueInfo {
	out := make(chan []QueueInfo, 1)
	b.submit(func() {
		names := b.sched.Registry.Names()
		infos := make([]QueueInfo, 0, len(names))
		for _, name := range names {
			q, ok := b.sched.Registry.GetByName(name)
			if !ok {
				continue
			}
			infos = append(infos, QueueInfo{
				Name: q.Name, QID: q.QID, Exclusive: q.Exclusive,
				Ready: q.ReadyCount(), Busy: q.BusyCount(),
				Waiting: q.WaitingCount(), Federated: q.FederatedCount(),
				Pending: q.PendingCount(), InFlight: q.InFlightCount(),
			})
		}
		out <- infos
	})
	return <-out
}
