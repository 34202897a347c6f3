package netsync

import "sync"

// Conn is the outgoing side of one peer connection. Send never blocks; it
// reports false when the connection is closed or its buffer is full.
type Conn interface {
	Send(b []byte) bool
	// Pending is the number of encoded messages not yet written out.
	Pending() int
	Close(reason string)
}

// ChanConn is a Conn backed by a bounded channel. A transport writer (or a
// test) drains Out.
type ChanConn struct {
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string
}

func NewChanConn(capacity int) *ChanConn {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChanConn{
		out:  make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

func (c *ChanConn) Send(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (c *ChanConn) Pending() int { return len(c.out) }

func (c *ChanConn) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *ChanConn) Out() <-chan []byte    { return c.out }
func (c *ChanConn) Done() <-chan struct{} { return c.done }

// Reason is the argument of the first Close call.
func (c *ChanConn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Drain returns every message currently buffered.
func (c *ChanConn) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-c.out:
			out = append(out, b)
		default:
			return out
		}
	}
}
