// Package producer is a thin reference client for submitting REQUEST
// and BROADCAST messages to rqd, grounded in the teacher's
// cmd/producer Producer type (Start/Stream/Close) but rewritten
// against the broker's TLV wire protocol instead of a JSON envelope.
package producer

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relayqueue/rqd/internal/protocol"
)

// Client is a single TCP connection to a broker, used to submit
// request/reply or fire-and-forget broadcast traffic.
type Client struct {
	conn   net.Conn
	enc    *protocol.Encoder
	r      *bufio.Reader
	logger *slog.Logger
	nextID uint16
}

// Dial connects to a broker at addr.
func Dial(addr string, logger *slog.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("producer: dial %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		enc:    protocol.NewEncoder(bufio.NewWriter(conn)),
		r:      bufio.NewReader(conn),
		logger: logger,
	}, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Request submits payload to queue and blocks for the correlated
// REPLY, honoring an optional timeout (0 disables it). It returns the
// reply payload, or an error if the broker reports UNDELIVERED or the
// connection breaks.
func (c *Client) Request(queue string, payload []byte, timeout time.Duration) ([]byte, error) {
	c.nextID++
	id := c.nextID

	if err := c.enc.Nullary(protocol.CLEAR); err != nil {
		return nil, err
	}
	if err := c.enc.ShortInt(protocol.ID, id); err != nil {
		return nil, err
	}
	if timeout > 0 {
		if err := c.enc.ShortInt(protocol.TIMEOUT, uint16(timeout.Seconds())); err != nil {
			return nil, err
		}
	}
	if err := c.enc.ByteStr(protocol.QUEUE, []byte(queue)); err != nil {
		return nil, err
	}
	if err := c.enc.LongStr(protocol.PAYLOAD, payload); err != nil {
		return nil, err
	}
	if err := c.enc.Nullary(protocol.REQUEST); err != nil {
		return nil, err
	}
	if err := c.enc.Flush(); err != nil {
		return nil, err
	}

	return c.awaitReply(id)
}

// Broadcast submits payload to every ready consumer of queue with no
// correlated reply.
func (c *Client) Broadcast(queue string, payload []byte) error {
	if err := c.enc.Nullary(protocol.CLEAR); err != nil {
		return err
	}
	if err := c.enc.ByteStr(protocol.QUEUE, []byte(queue)); err != nil {
		return err
	}
	if err := c.enc.LongStr(protocol.PAYLOAD, payload); err != nil {
		return err
	}
	if err := c.enc.Nullary(protocol.BROADCAST); err != nil {
		return err
	}
	return c.enc.Flush()
}

// awaitReply decodes frames until it sees a REPLY or UNDELIVERED
// terminator carrying the expected id, discarding anything else
// (e.g. PING, which it answers with PONG).
func (c *Client) awaitReply(wantID uint16) ([]byte, error) {
	var pending protocol.Pending
	for {
		cmd, err := protocol.Decode(c.r)
		if err != nil {
			return nil, fmt.Errorf("producer: read: %w", err)
		}

		switch cmd.Op {
		case protocol.PING:
			_ = c.enc.Nullary(protocol.PONG)
			_ = c.enc.Flush()
		case protocol.CLEAR:
			pending.Reset()
		case protocol.REPLY:
			if pending.Has(protocol.FieldID) && pending.ID == wantID {
				return pending.Payload, nil
			}
		case protocol.UNDELIVERED:
			if pending.Has(protocol.FieldID) && pending.ID == wantID {
				return nil, fmt.Errorf("producer: message %d undelivered", wantID)
			}
		default:
			_ = pending.Apply(cmd)
		}
	}
}
