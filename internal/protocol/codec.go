package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolError is fatal to the connection it occurred on: the byte
// stream no longer has a known framing boundary.
type ProtocolError struct {
	Op  Opcode
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at opcode %s: %s", e.Op, e.Msg)
}

// ErrFrameTooLarge is returned when a string payload's declared length
// exceeds maxFrameBody.
var ErrFrameTooLarge = errors.New("protocol: frame body exceeds maximum size")

// Command is one decoded TLV unit: an opcode plus whichever of Int or
// Bytes its layout carries (at most one is meaningful for any given
// opcode).
type Command struct {
	Op    Opcode
	Int   uint32
	Bytes []byte
}

// Decode reads exactly one command from r, blocking until the opcode
// byte and its payload (if any) are available. It never reads beyond
// the command's own framing, so the caller can call Decode again
// immediately to pull the next command from the same stream.
func Decode(r *bufio.Reader) (Command, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return Command{}, err
	}
	op := Opcode(opByte)

	switch layoutOf(op) {
	case layoutNullary:
		return Command{Op: op}, nil

	case layoutByteInt:
		b, err := r.ReadByte()
		if err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Int: uint32(b)}, nil

	case layoutShortInt:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Int: uint32(binary.BigEndian.Uint16(buf[:]))}, nil

	case layoutLongInt:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Int: binary.BigEndian.Uint32(buf[:])}, nil

	case layoutByteStr:
		n, err := r.ReadByte()
		if err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Bytes: body}, nil

	case layoutShortStr:
		var lbuf [2]byte
		if _, err := io.ReadFull(r, lbuf[:]); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		n := binary.BigEndian.Uint16(lbuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Bytes: body}, nil

	case layoutLongStr:
		var lbuf [4]byte
		if _, err := io.ReadFull(r, lbuf[:]); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		n := binary.BigEndian.Uint32(lbuf[:])
		if n > maxFrameBody {
			return Command{}, ErrFrameTooLarge
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Command{}, wrapShortRead(op, err)
		}
		return Command{Op: op, Bytes: body}, nil

	default:
		return Command{}, &ProtocolError{Op: op, Msg: "unknown opcode layout"}
	}
}

// wrapShortRead turns a bare EOF encountered mid-payload into
// io.ErrUnexpectedEOF, matching ReadFrame's contract in the teacher's
// original length-prefixed codec; a clean EOF at the very start of a
// command (handled by the ReadByte above) is left alone.
func wrapShortRead(op Opcode, err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Encoder writes commands symmetrically with Decode. It holds no
// state of its own beyond the underlying writer.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w *bufio.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Nullary(op Opcode) error {
	return e.w.WriteByte(byte(op))
}

func (e *Encoder) ByteInt(op Opcode, v uint8) error {
	if err := e.w.WriteByte(byte(op)); err != nil {
		return err
	}
	return e.w.WriteByte(v)
}

func (e *Encoder) ShortInt(op Opcode, v uint16) error {
	if err := e.w.WriteByte(byte(op)); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := e.w.Write(buf[:])
	return err
}

func (e *Encoder) ByteStr(op Opcode, s []byte) error {
	if len(s) > 255 {
		return fmt.Errorf("protocol: %s payload %d bytes exceeds 1-byte length field", op, len(s))
	}
	if err := e.w.WriteByte(byte(op)); err != nil {
		return err
	}
	if err := e.w.WriteByte(byte(len(s))); err != nil {
		return err
	}
	_, err := e.w.Write(s)
	return err
}

func (e *Encoder) LongStr(op Opcode, s []byte) error {
	if err := e.w.WriteByte(byte(op)); err != nil {
		return err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	if _, err := e.w.Write(buf[:]); err != nil {
		return err
	}
	_, err := e.w.Write(s)
	return err
}

func (e *Encoder) Flush() error {
	return e.w.Flush()
}
