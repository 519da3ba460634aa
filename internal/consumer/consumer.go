// Package consumer is a thin reference client for subscribing to a
// queue and replying to delivered work, mirroring the shape of
// internal/producer but for the consume side of the protocol.
package consumer

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"

	"github.com/relayqueue/rqd/internal/protocol"
)

// Delivery is one REQUEST or BROADCAST handed to this consumer.
type Delivery struct {
	ID      uint16 // 0 for a broadcast, which carries no reply correlation
	QueueID uint16
	Payload []byte
}

// Client subscribes to a single queue on one broker connection.
type Client struct {
	conn   net.Conn
	enc    *protocol.Encoder
	r      *bufio.Reader
	logger *slog.Logger
}

// Dial connects to addr and issues CONSUME for queue, blocking until
// the broker confirms with CONSUMING.
func Dial(addr, queue string, opts ConsumeOptions, logger *slog.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("consumer: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:   conn,
		enc:    protocol.NewEncoder(bufio.NewWriter(conn)),
		r:      bufio.NewReader(conn),
		logger: logger,
	}
	if err := c.subscribe(queue, opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// ConsumeOptions mirrors the CONSUME terminator's optional fields
// (spec §4.3).
type ConsumeOptions struct {
	Max       uint16
	Priority  uint8
	Exclusive bool
}

func (c *Client) subscribe(queue string, opts ConsumeOptions) error {
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ByteStr(protocol.QUEUE, []byte(queue))
	if opts.Max > 0 {
		_ = c.enc.ShortInt(protocol.MAX, opts.Max)
	}
	if opts.Priority > 0 {
		_ = c.enc.ByteInt(protocol.PRIORITY, opts.Priority)
	}
	if opts.Exclusive {
		_ = c.enc.Nullary(protocol.EXCLUSIVE)
	}
	_ = c.enc.Nullary(protocol.CONSUME)
	if err := c.enc.Flush(); err != nil {
		return err
	}

	for {
		cmd, err := protocol.Decode(c.r)
		if err != nil {
			return fmt.Errorf("consumer: awaiting CONSUMING: %w", err)
		}
		if cmd.Op == protocol.CONSUMING {
			return nil
		}
	}
}

// Next blocks for the next REQUEST or BROADCAST delivered to this
// consumer, answering PING with PONG transparently. A CLOSING from the
// broker ends the wait with an error.
func (c *Client) Next() (Delivery, error) {
	var pending protocol.Pending
	for {
		cmd, err := protocol.Decode(c.r)
		if err != nil {
			return Delivery{}, fmt.Errorf("consumer: read: %w", err)
		}
		switch cmd.Op {
		case protocol.CLEAR:
			pending.Reset()
		case protocol.PING:
			_ = c.enc.Nullary(protocol.PONG)
			_ = c.enc.Flush()
		case protocol.CLOSING:
			return Delivery{}, fmt.Errorf("consumer: broker closing")
		case protocol.REQUEST:
			return Delivery{ID: pending.ID, QueueID: pending.QueueID, Payload: pending.Payload}, nil
		case protocol.BROADCAST:
			return Delivery{QueueID: pending.QueueID, Payload: pending.Payload}, nil
		default:
			_ = pending.Apply(cmd)
		}
	}
}

// Reply answers a REQUEST delivery by id.
func (c *Client) Reply(id uint16, payload []byte) error {
	_ = c.enc.Nullary(protocol.CLEAR)
	_ = c.enc.ShortInt(protocol.ID, id)
	_ = c.enc.LongStr(protocol.PAYLOAD, payload)
	_ = c.enc.Nullary(protocol.REPLY)
	return c.enc.Flush()
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }
