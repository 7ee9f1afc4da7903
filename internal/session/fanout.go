package session

import (
	"log"

	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/google/uuid"
)

// Conn is one attached connection's send path. The owning worker
// assigns delivery sequence numbers and enqueues envelopes; the
// transport drains Recv and writes to the wire at its own pace.
type Conn struct {
	ID string

	send   chan *protocol.Envelope
	seq    uint64 // next delivery sequence, owned by the worker loop
	closed bool   // owned by the worker loop
}

// NewConn creates a connection send path with the given buffer size.
func NewConn(buffer int) *Conn {
	if buffer < 1 {
		buffer = 1
	}
	return &Conn{
		ID:   uuid.NewString(),
		send: make(chan *protocol.Envelope, buffer),
	}
}

// Recv returns the channel of envelopes to deliver. It is closed when
// the worker detaches the connection, including the stalled-send case.
func (c *Conn) Recv() <-chan *protocol.Envelope {
	return c.send
}

// deliver stamps the connection's next delivery sequence onto env and
// enqueues it without blocking. A connection whose buffer is full is
// dropped: the client reconnects and recovers via cursor replay, which
// keeps worker memory bounded regardless of how slow any consumer is.
// Returns false when the connection was dropped.
func (c *Conn) deliver(env protocol.Envelope) bool {
	if c.closed {
		return false
	}
	env.Seq = c.seq
	select {
	case c.send <- &env:
		c.seq++
		return true
	default:
		log.Printf("session: dropping stalled connection %s (send buffer full)", c.ID)
		c.close()
		return false
	}
}

// close shuts the send path. Worker-loop only.
func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// newTraceID returns a fresh trace identifier for one event.
func newTraceID() string {
	return uuid.NewString()
}
