package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 8 * 1024
)

// WSChannel is a Channel backed by a websocket connection. Frames are
// queued in a bounded buffer and written by a single goroutine.
type WSChannel struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewWSChannel(conn *websocket.Conn, bufferSize int, log *slog.Logger) *WSChannel {
	return &WSChannel{
		conn: conn,
		log:  log,
		send: make(chan []byte, bufferSize),
	}
}

// Deliver queues frame without blocking.
func (c *WSChannel) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close stops the write pump, which then closes the connection. Safe to
// call more than once.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// Serve pumps frames to the peer until the connection fails, the channel
// is closed, or ctx ends. Inbound frames are discarded; the connection is
// push only.
func (c *WSChannel) Serve(ctx context.Context) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump()
	}()

	c.writePump(ctx, readDone)
	_ = c.Close()
	_ = c.conn.Close()
	<-readDone
}

func (c *WSChannel) readPump() {
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Websocket read failed", "error", err)
			}
			return
		}
	}
}

func (c *WSChannel) writePump(ctx context.Context, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
