package hub

import (
	"net"
	"sync"
	"sync/atomic"
)

// Connection is one live WebSocket plus the bounded send queue that is its
// single writer's mailbox. There is no replay buffer: a frame dropped or a
// connection lost means the message is gone, by contract.
type Connection struct {
	sessionID string
	userID    string
	clientIP  string

	conn net.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	consecutiveFullQueue int32 // atomic; two in a row triggers a backpressure close
}

func newConnection(conn net.Conn, sessionID, userID, clientIP string, queueCapacity int) *Connection {
	return &Connection{
		sessionID: sessionID,
		userID:    userID,
		clientIP:  clientIP,
		conn:      conn,
		send:      make(chan []byte, queueCapacity),
		closed:    make(chan struct{}),
	}
}

// enqueue attempts a non-blocking send. If the queue is full it drops the
// oldest frame in it and tracks consecutive full-queue events so the
// caller can close the connection with code backpressure after the second
// one.
func (c *Connection) enqueue(frame []byte) (dropped bool, consecutiveFull int) {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.consecutiveFullQueue, 0)
		return false, 0
	default:
	}

	select {
	case <-c.send:
		dropped = true
	default:
	}

	select {
	case c.send <- frame:
	default:
		// Queue refilled between the drain and the retry; give up on this
		// frame rather than block the caller.
		dropped = true
	}

	n := atomic.AddInt32(&c.consecutiveFullQueue, 1)
	return dropped, int(n)
}

// close shuts the connection down and reports whether this call was the
// one that actually did it, so callers that may race (backpressure close
// vs. a concurrent read error) only unregister and count the closure once.
func (c *Connection) close() (first bool) {
	c.closeOnce.Do(func() {
		first = true
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return first
}
