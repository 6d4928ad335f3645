package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetctl/fleetctl/internal/domain/protocol"
)

const writeWait = 10 * time.Second

var (
	errConnClosed  = errors.New("worker connection closed")
	errMailboxFull = errors.New("worker mailbox full")
)

// workerConn is the mailbox side of one worker socket. Send and Close never
// block; the write pump owns every write to the socket.
type workerConn struct {
	ws   *websocket.Conn
	addr string
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWorkerConn(ws *websocket.Conn, mailbox int) *workerConn {
	return &workerConn{
		ws:   ws,
		addr: ws.RemoteAddr().String(),
		send: make(chan []byte, mailbox),
		done: make(chan struct{}),
	}
}

func (c *workerConn) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errMailboxFull
	}
}

func (c *workerConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	return nil
}

func (c *workerConn) RemoteAddr() string { return c.addr }

// writePump drains the mailbox and keeps the peer alive with pings. It closes
// the socket on Close or on the first write failure, which also ends the read
// loop.
func (c *workerConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("worker write failed", "remote_addr", c.addr, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
