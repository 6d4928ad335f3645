package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/fleetctl/fleetctl/internal/domain/protocol"
)

var (
	ErrConnClosed = errors.New("fake conn: closed")
	ErrConnFull   = errors.New("fake conn: mailbox full")
)

// FakeConn is an in-memory worker connection. Every successful Send is
// recorded and also delivered to a channel read by Next.
type FakeConn struct {
	Addr string

	mu     sync.Mutex
	sent   []protocol.Envelope
	closed bool
	full   bool
	ch     chan protocol.Envelope
}

func NewFakeConn() *FakeConn {
	return &FakeConn{Addr: "10.0.0.1:5000", ch: make(chan protocol.Envelope, 128)}
}

func (c *FakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.full {
		return ErrConnFull
	}
	c.sent = append(c.sent, env)
	select {
	case c.ch <- env:
	default:
	}
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) RemoteAddr() string { return c.Addr }

// SetFull makes subsequent sends fail as if the mailbox were saturated.
func (c *FakeConn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

// Next waits up to timeout for the next sent envelope. It is safe to call from
// a goroutine other than the test's.
func (c *FakeConn) Next(timeout time.Duration) (protocol.Envelope, bool) {
	select {
	case env := <-c.ch:
		return env, true
	case <-time.After(timeout):
		return protocol.Envelope{}, false
	}
}
