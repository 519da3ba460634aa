package consumer

import (
	"bufio"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayqueue/rqd/internal/protocol"
)

func fakeBroker(t *testing.T, server net.Conn, queueID uint16, reqID uint16, payload []byte) {
	t.Helper()
	go func() {
		r := bufio.NewReader(server)
		enc := protocol.NewEncoder(bufio.NewWriter(server))
		var p protocol.Pending
		sawConsume := false
		for {
			cmd, err := protocol.Decode(r)
			if err != nil {
				return
			}
			switch cmd.Op {
			case protocol.CLEAR:
				p.Reset()
			case protocol.CONSUME:
				sawConsume = true
				_ = enc.Nullary(protocol.CLEAR)
				_ = enc.ByteStr(protocol.QUEUE, []byte(p.QueueName))
				_ = enc.ShortInt(protocol.QUEUEID, queueID)
				_ = enc.Nullary(protocol.CONSUMING)
				_ = enc.Flush()

				_ = enc.Nullary(protocol.CLEAR)
				_ = enc.ShortInt(protocol.ID, reqID)
				_ = enc.ShortInt(protocol.QUEUEID, queueID)
				_ = enc.LongStr(protocol.PAYLOAD, payload)
				_ = enc.Nullary(protocol.REQUEST)
				_ = enc.Flush()
			case protocol.REPLY:
				_ = sawConsume
				return
			default:
				_ = p.Apply(cmd)
			}
		}
	}()
}

func TestDialSubscribesAndReceivesDelivery(t *testing.T) {
	clientConn, server := net.Pipe()
	logger := slog.New(slog.DiscardHandler)

	c := &Client{
		conn:   clientConn,
		enc:    protocol.NewEncoder(bufio.NewWriter(clientConn)),
		r:      bufio.NewReader(clientConn),
		logger: logger,
	}
	defer c.Close()

	fakeBroker(t, server, 7, 42, []byte("ping"))

	done := make(chan error, 1)
	go func() { done <- c.subscribe("work", ConsumeOptions{}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CONSUMING")
	}

	delivery, err := c.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(42), delivery.ID)
	require.Equal(t, uint16(7), delivery.QueueID)
	require.Equal(t, []byte("ping"), delivery.Payload)

	require.NoError(t, c.Reply(delivery.ID, []byte("pong")))
}
