// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/metrics"
	"github.com/gorilla/websocket"
)

// Conn is a websocket wrapper that satisfies the net.Conn interface.
// It allows WebSocket connections to be used with stream-based parsers:
// reads run across message boundaries and every write is one binary
// message.
type Conn struct {
	*websocket.Conn
	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex

	// direction labels frame metrics: "upstream" for frames read from the
	// client side, "downstream" for the backend side.
	direction string
	metrics   *metrics.Metrics
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps a websocket.Conn to implement net.Conn interface. Frames
// read from ws are counted in m under direction.
func NewConn(ws *websocket.Conn, direction string, m *metrics.Metrics) *Conn {
	return &Conn{
		Conn:      ws,
		direction: direction,
		metrics:   m,
	}
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write writes data to the websocket as a binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads the current websocket message, advancing to the next one when
// it is exhausted. Text messages are read like binary ones.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, normalize(err)
			}
			c.metrics.WebSocketFrame(frameType(mt), c.direction)
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			// At end of message
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close sends a normal closure frame, best effort, and closes the
// underlying connection. It is safe to call concurrently with Read and
// Write.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.Conn.Close()
}

// normalize reports a clean close handshake as io.EOF so stream parsers
// treat it like the end of a TCP stream.
func normalize(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

func frameType(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	}
	return "unknown"
}
