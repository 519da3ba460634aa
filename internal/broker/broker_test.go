package broker

import (
	"bufio"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayqueue/rqd/internal/protocol"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	b := New(logger)
	b.Configure(Config{MaxConns: 8, PingInterval: time.Hour, IdleLimit: 3, ShutdownWait: time.Second, TimeoutSweep: time.Second})
	b.Start()
	t.Cleanup(func() { close(b.done) })
	return b
}

// attach registers a fake client connection with the broker and
// returns the test's end of the pipe plus a bufio.Reader over it.
func attach(t *testing.T, b *Broker) (net.Conn, *bufio.Reader, *protocol.Encoder) {
	t.Helper()
	clientSide, brokerSide := net.Pipe()
	done := make(chan struct{})
	b.submit(func() { b.accept(brokerSide); close(done) })
	<-done
	return clientSide, bufio.NewReader(clientSide), protocol.NewEncoder(bufio.NewWriter(clientSide))
}

// readUntilTerminator decodes frames until a terminator opcode,
// folding every other field into a Pending the way the real protocol
// does, and returns the terminator plus the accumulated fields.
func readUntilTerminator(t *testing.T, r *bufio.Reader) (protocol.Opcode, protocol.Pending) {
	t.Helper()
	var p protocol.Pending
	for {
		cmd, err := protocol.Decode(r)
		require.NoError(t, err)
		if cmd.Op == protocol.CLEAR {
			p.Reset()
			continue
		}
		if protocol.IsTerminator(cmd.Op) {
			return cmd.Op, p
		}
		require.NoError(t, p.Apply(cmd))
	}
}

func subscribe(t *testing.T, enc *protocol.Encoder, queue string, max uint16, exclusive bool) {
	t.Helper()
	require.NoError(t, enc.Nullary(protocol.CLEAR))
	require.NoError(t, enc.ByteStr(protocol.QUEUE, []byte(queue)))
	if max > 0 {
		require.NoError(t, enc.ShortInt(protocol.MAX, max))
	}
	if exclusive {
		require.NoError(t, enc.Nullary(protocol.EXCLUSIVE))
	}
	require.NoError(t, enc.Nullary(protocol.CONSUME))
	require.NoError(t, enc.Flush())
}

func request(t *testing.T, enc *protocol.Encoder, id uint16, queue string, payload []byte) {
	t.Helper()
	require.NoError(t, enc.Nullary(protocol.CLEAR))
	require.NoError(t, enc.ShortInt(protocol.ID, id))
	require.NoError(t, enc.ByteStr(protocol.QUEUE, []byte(queue)))
	require.NoError(t, enc.LongStr(protocol.PAYLOAD, payload))
	require.NoError(t, enc.Nullary(protocol.REQUEST))
	require.NoError(t, enc.Flush())
}

func requestWithTimeout(t *testing.T, enc *protocol.Encoder, id uint16, queue string, payload []byte, timeoutSeconds uint16) {
	t.Helper()
	require.NoError(t, enc.Nullary(protocol.CLEAR))
	require.NoError(t, enc.ShortInt(protocol.ID, id))
	require.NoError(t, enc.ShortInt(protocol.TIMEOUT, timeoutSeconds))
	require.NoError(t, enc.ByteStr(protocol.QUEUE, []byte(queue)))
	require.NoError(t, enc.LongStr(protocol.PAYLOAD, payload))
	require.NoError(t, enc.Nullary(protocol.REQUEST))
	require.NoError(t, enc.Flush())
}

func reply(t *testing.T, enc *protocol.Encoder, id uint16, payload []byte) {
	t.Helper()
	require.NoError(t, enc.Nullary(protocol.CLEAR))
	require.NoError(t, enc.ShortInt(protocol.ID, id))
	require.NoError(t, enc.LongStr(protocol.PAYLOAD, payload))
	require.NoError(t, enc.Nullary(protocol.REPLY))
	require.NoError(t, enc.Flush())
}

func TestSimpleRequestReplyRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	_, consR, consEnc := attach(t, b)
	subscribe(t, consEnc, "work", 0, false)
	op, p := readUntilTerminator(t, consR)
	require.Equal(t, protocol.CONSUMING, op)
	require.Equal(t, "work", p.QueueName)

	_, prodR, prodEnc := attach(t, b)
	request(t, prodEnc, 1, "work", []byte("ping"))

	op, p = readUntilTerminator(t, consR)
	require.Equal(t, protocol.REQUEST, op)
	require.Equal(t, []byte("ping"), p.Payload)
	msgID := p.ID

	reply(t, consEnc, msgID, []byte("pong"))

	op, p = readUntilTerminator(t, prodR)
	require.Equal(t, protocol.REPLY, op)
	require.Equal(t, uint16(1), p.ID)
	require.Equal(t, []byte("pong"), p.Payload)
}

func TestBroadcastFansOutToEveryReadyConsumer(t *testing.T) {
	b := newTestBroker(t)

	_, c1R, c1Enc := attach(t, b)
	subscribe(t, c1Enc, "alerts", 0, false)
	_, _ = readUntilTerminator(t, c1R) // CONSUMING

	_, c2R, c2Enc := attach(t, b)
	subscribe(t, c2Enc, "alerts", 0, false)
	_, _ = readUntilTerminator(t, c2R) // CONSUMING

	_, _, prodEnc := attach(t, b)
	require.NoError(t, prodEnc.Nullary(protocol.CLEAR))
	require.NoError(t, prodEnc.ByteStr(protocol.QUEUE, []byte("alerts")))
	require.NoError(t, prodEnc.LongStr(protocol.PAYLOAD, []byte("fire")))
	require.NoError(t, prodEnc.Nullary(protocol.BROADCAST))
	require.NoError(t, prodEnc.Flush())

	op1, p1 := readUntilTerminator(t, c1R)
	require.Equal(t, protocol.BROADCAST, op1)
	require.Equal(t, []byte("fire"), p1.Payload)

	op2, p2 := readUntilTerminator(t, c2R)
	require.Equal(t, protocol.BROADCAST, op2)
	require.Equal(t, []byte("fire"), p2.Payload)
}

func TestExclusiveQueueDefersSecondConsumerUntilFirstDisconnects(t *testing.T) {
	b := newTestBroker(t)

	c1Conn, c1R, c1Enc := attach(t, b)
	subscribe(t, c1Enc, "ex", 0, true)
	op, p := readUntilTerminator(t, c1R)
	require.Equal(t, protocol.CONSUMING, op)
	qid := p.QueueID

	_, c2R, c2Enc := attach(t, b)
	subscribe(t, c2Enc, "ex", 0, true)

	// c1 disconnects; c2 should be promoted and told CONSUMING for the
	// same qid.
	require.NoError(t, c1Conn.Close())

	op2, p2 := readUntilTerminator(t, c2R)
	require.Equal(t, protocol.CONSUMING, op2)
	require.Equal(t, qid, p2.QueueID)
}

func TestDisconnectedConsumerReportsUndeliveredToOrigin(t *testing.T) {
	b := newTestBroker(t)

	consConn, consR, consEnc := attach(t, b)
	subscribe(t, consEnc, "work", 0, false)
	_, _ = readUntilTerminator(t, consR) // CONSUMING

	_, prodR, prodEnc := attach(t, b)
	request(t, prodEnc, 9, "work", []byte("ping"))
	_, _ = readUntilTerminator(t, consR) // REQUEST delivered to consumer

	// Consumer vanishes before replying.
	require.NoError(t, consConn.Close())

	op, p := readUntilTerminator(t, prodR)
	require.Equal(t, protocol.UNDELIVERED, op)
	require.Equal(t, uint16(9), p.ID)
}

func TestRequestTimeoutReportsUndeliveredAndFreesConsumer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	b := New(logger)
	b.Configure(Config{MaxConns: 8, PingInterval: time.Hour, IdleLimit: 3, ShutdownWait: time.Second, TimeoutSweep: 10 * time.Millisecond})
	b.Start()
	t.Cleanup(func() { close(b.done) })

	consConn, consR, consEnc := attach(t, b)
	subscribe(t, consEnc, "work", 1, false)
	_, _ = readUntilTerminator(t, consR) // CONSUMING

	_, prodR, prodEnc := attach(t, b)
	requestWithTimeout(t, prodEnc, 7, "work", []byte("ping"), 1)

	// delivered to the consumer, who never replies
	_, _ = readUntilTerminator(t, consR)

	op, p := readUntilTerminator(t, prodR)
	require.Equal(t, protocol.UNDELIVERED, op)
	require.Equal(t, uint16(7), p.ID)

	// the consumer's slot should be freed, not stuck busy forever.
	stats := b.Queues()
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].Ready)
	require.Equal(t, 0, stats[0].Busy)
	require.Equal(t, 0, stats[0].InFlight)

	require.NoError(t, consConn.Close())
}

func TestStatsReflectsActiveConnectionsAndQueues(t *testing.T) {
	b := newTestBroker(t)
	_, r, enc := attach(t, b)
	subscribe(t, enc, "work", 0, false)
	_, _ = readUntilTerminator(t, r)

	stats := b.Stats()
	require.Equal(t, 1, stats.Connections)
	require.Equal(t, 1, stats.Queues)

	queues := b.Queues()
	require.Len(t, queues, 1)
	require.Equal(t, "work", queues[0].Name)
	require.Equal(t, 1, queues[0].Ready)
}
