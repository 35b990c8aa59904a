package hub

import (
	"sync"
	"sync/atomic"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// Client is the hub-side view of one connected session: a bounded
// outbound queue drained by the session's writer. The socket itself is
// owned by the connection manager, never by the hub.
type Client struct {
	ID      string
	Session *domain.Session

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func NewClient(session *domain.Session, queueSize int) *Client {
	return &Client{
		ID:      session.ID,
		Session: session,
		send:    make(chan []byte, queueSize),
		closed:  make(chan struct{}),
	}
}

// Enqueue offers a frame to the outbound queue without blocking. A
// full queue drops the frame and counts it; fan-out to the rest of the
// room is never held up by one slow reader.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Outbound is drained by the session's dedicated writer goroutine.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Close stops the queue. Pending frames already enqueued may still be
// drained by the writer before it observes Done.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Dropped returns how many frames this session has lost to queue
// overflow since connecting.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}
