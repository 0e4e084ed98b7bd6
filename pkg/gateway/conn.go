package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// conn is one client WebSocket connection. All outbound frames flow
// through a bounded send queue drained by a single write pump, so a
// slow socket never blocks an actor's fan-out; on overflow the
// connection is closed and the client resumes by resubscribing.
//
// The subscriptions map is only touched by the connection's read-loop
// goroutine (handleFrame and the deferred cleanup), so it needs no lock.
type conn struct {
	id string
	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	sendCh chan []byte
	closed atomic.Bool
	once   sync.Once

	writeTimeout time.Duration

	// Protocol state. Set by hello, read by the read loop only.
	authed   bool
	clientID string
	userID   string

	subscriptions map[string]bool // session ids this connection subscribed to
}

func newConn(parentCtx context.Context, id string, ws *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *conn {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{
		id:            id,
		ws:            ws,
		ctx:           ctx,
		cancel:        cancel,
		sendCh:        make(chan []byte, sendBuffer),
		writeTimeout:  writeTimeout,
		subscriptions: make(map[string]bool),
	}
	go c.writePump()
	return c
}

// Send queues one frame. Implements session.Sink. Returns false and
// closes the connection when the queue is full.
func (c *conn) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		slog.Warn("Closing connection with full send queue", "connection_id", c.id)
		c.Close()
		return false
	}
}

// Open reports whether the connection is still usable. Implements
// session.Sink.
func (c *conn) Open() bool {
	return !c.closed.Load()
}

// Close tears the connection down. Safe to call from any goroutine and
// more than once. Implements session.Sink.
func (c *conn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// writePump is the sole writer of the underlying socket.
func (c *conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("WebSocket write failed", "connection_id", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}
