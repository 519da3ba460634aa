// Package message implements the broker's message arena: an indexed
// table of in-flight messages addressed by small, densely-reused
// 16-bit ids (spec §4.3), replacing the connection/message/queue/
// consumer pointer cycles of a naive implementation with integer
// handles into this store.
package message

import (
	"fmt"
	"time"

	"github.com/relayqueue/rqd/internal/buffer"
)

// ConnID is an arena handle identifying a connection. The zero value
// never refers to a live connection.
type ConnID uint32

// QueueID is the broker-local queue identifier assigned monotonically
// at queue creation (the wire "qid"). The zero value never refers to
// a live queue.
type QueueID uint16

// Flags records a message's lifecycle and delivery modifiers.
type Flags uint8

const (
	FlagActive Flags = 1 << iota
	FlagBroadcast
	FlagNoReply
	FlagTimeout
	FlagDelivered
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Message is one allocated slot in the store. Field names mirror
// spec §3's Message data model directly.
type Message struct {
	ID MsgID

	Flags    Flags
	Deadline time.Time // zero means no timeout

	Payload []byte

	OriginConn  ConnID
	OriginLabel uint16 // the id the producer labeled this message with on the wire

	TargetConn ConnID
	Queue      QueueID
}

// MsgID is the broker-scoped 16-bit message id (the wire "mid"),
// unique among active messages at any instant.
type MsgID uint16

// errStoreExhausted is returned when the store cannot grow any
// further (id space exhausted at 65535 slots).
var errStoreExhausted = fmt.Errorf("message: store exhausted, 16-bit id space full")

const maxSlots = 1 << 16

// slot pairs a Message with its liveness bit so Get/Release can tell
// a stale id from an active one in O(1).
type slot struct {
	msg    Message
	active bool
}

// Store is the message arena. It is not safe for concurrent use by
// design: the broker's core loop is its single owner (spec §5), the
// same discipline the teacher's MemoryMessageQueue applies to its
// single-writer channel.
type Store struct {
	slots []slot
	free  []MsgID // indices of released slots, reusable
	used  int
	pool  *buffer.Pool
}

// NewStore creates an empty store backed by pool for payload buffer
// reuse. Capacity grows lazily as messages are allocated.
func NewStore(pool *buffer.Pool) *Store {
	return &Store{pool: pool}
}

// Allocate assigns a new message id and returns a pointer to the
// zeroed slot, ready for the caller to fill in. It picks the lowest
// free slot per spec §4.3 so ids stay small and densely reused.
func (s *Store) Allocate() (*Message, error) {
	var idx MsgID
	if n := len(s.free); n > 0 {
		lowest := 0
		for i := 1; i < n; i++ {
			if s.free[i] < s.free[lowest] {
				lowest = i
			}
		}
		idx = s.free[lowest]
		s.free[lowest] = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if len(s.slots) == 0 {
			// slot 0 is reserved and never active, so no message gets id 0
			s.slots = append(s.slots, slot{})
		}
		if len(s.slots) >= maxSlots {
			return nil, errStoreExhausted
		}
		idx = MsgID(len(s.slots))
		s.slots = append(s.slots, slot{})
	}

	s.slots[idx] = slot{active: true}
	m := &s.slots[idx].msg
	m.ID = idx
	m.Flags = FlagActive
	s.used++
	return m, nil
}

// Get returns the message for id, and whether it is currently active.
// A stale or out-of-range id is reported as not-ok rather than a
// panic, since callers look up ids supplied by a remote peer.
func (s *Store) Get(id MsgID) (*Message, bool) {
	if int(id) >= len(s.slots) || !s.slots[id].active {
		return nil, false
	}
	return &s.slots[id].msg, true
}

// Release marks id free, returns its payload buffer to the pool, and
// makes the id eligible for reuse by a future Allocate. Releasing an
// already-inactive id is a no-op — callers routinely hit this on
// disconnect cleanup racing a reply.
func (s *Store) Release(id MsgID) {
	if int(id) >= len(s.slots) || !s.slots[id].active {
		return
	}
	if buf := s.slots[id].msg.Payload; buf != nil && s.pool != nil {
		s.pool.Put(buf)
	}
	s.slots[id] = slot{}
	s.free = append(s.free, id)
	s.used--
}

// Expired returns the ids of every active message flagged FlagTimeout
// whose Deadline has passed as of now (spec §5's periodic timeout
// sweep, §7's MessageTimeout).
func (s *Store) Expired(now time.Time) []MsgID {
	var ids []MsgID
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.active && sl.msg.Flags.Has(FlagTimeout) && !sl.msg.Deadline.IsZero() && !sl.msg.Deadline.After(now) {
			ids = append(ids, sl.msg.ID)
		}
	}
	return ids
}

// Used returns the number of currently active messages.
func (s *Store) Used() int { return s.used }

// Capacity returns the store's current slot count (used + free),
// not counting the reserved slot 0.
func (s *Store) Capacity() int {
	if len(s.slots) == 0 {
		return 0
	}
	return len(s.slots) - 1
}
