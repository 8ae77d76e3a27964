// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package peek provides a net.Conn wrapper with non-destructive lookahead.
//
// Bytes captured by Peek are replayed, in order and exactly once, by
// subsequent reads before the live stream continues. A handler that receives
// a *Conn cannot tell it apart from the connection the listener accepted.
package peek

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	perrors "github.com/absmach/protomux/pkg/errors"
)

// Conn is a net.Conn with a peekable read side. Writes, deadlines and
// addresses go straight to the wrapped connection; the read deadline is
// also remembered so a router can restore it.
//
// A Conn is owned by the goroutine serving the connection and is not safe
// for concurrent reads.
type Conn struct {
	net.Conn
	buf []byte
	off int

	mu           sync.Mutex
	readDeadline time.Time
}

var (
	_ net.Conn    = (*Conn)(nil)
	_ io.WriterTo = (*Conn)(nil)
)

// NewConn wraps c. Wrapping a *Conn returns it unchanged so nested routers
// share one buffer.
func NewConn(c net.Conn) *Conn {
	if pc, ok := c.(*Conn); ok {
		return pc
	}
	return &Conn{Conn: c}
}

// Replay returns a Conn that yields prefix before reading from c. It is used
// when bytes were consumed by a decoder that read ahead of what it needed.
func Replay(c net.Conn, prefix []byte) *Conn {
	pc := &Conn{Conn: c}
	if len(prefix) > 0 {
		pc.buf = append([]byte(nil), prefix...)
	}
	return pc
}

// Peek returns the next n bytes without advancing the reader. It blocks until
// n bytes are buffered, the stream ends or a read fails. The returned slice
// aliases the internal buffer and is valid until the next read.
//
// When fewer than n bytes are returned, err says why: io.EOF at the end of
// the stream, otherwise a *errors.StreamError wrapping the read error
// (timeouts included). Bytes read before the failure stay buffered.
func (c *Conn) Peek(n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	for len(c.buf)-c.off < n {
		if err := c.fill(n); err != nil {
			return c.buf[c.off:], err
		}
	}
	return c.buf[c.off : c.off+n], nil
}

// More reads at least one byte past what is already buffered, as long as the
// buffered window stays within limit. It returns the whole buffered window.
func (c *Conn) More(limit int) ([]byte, error) {
	if len(c.buf)-c.off >= limit {
		return c.buf[c.off:], nil
	}
	if err := c.fill(limit); err != nil {
		return c.buf[c.off:], err
	}
	return c.buf[c.off:], nil
}

// fill performs a single read that may grow the buffered window up to upto
// bytes.
func (c *Conn) fill(upto int) error {
	if c.off > 0 {
		n := copy(c.buf, c.buf[c.off:])
		c.buf, c.off = c.buf[:n], 0
	}
	if cap(c.buf) < upto {
		grown := make([]byte, len(c.buf), max(upto, 2*cap(c.buf), 64))
		copy(grown, c.buf)
		c.buf = grown
	}

	m, err := c.Conn.Read(c.buf[len(c.buf):upto])
	c.buf = c.buf[:len(c.buf)+m]
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if m > 0 {
			return nil
		}
		return io.EOF
	default:
		return &perrors.StreamError{Op: "peek", Err: err}
	}
}

// Buffered returns the number of peeked bytes not yet consumed by Read.
func (c *Conn) Buffered() int {
	return len(c.buf) - c.off
}

// Read drains the peeked prefix before reading from the wrapped connection.
func (c *Conn) Read(p []byte) (int, error) {
	if c.off < len(c.buf) {
		n := copy(p, c.buf[c.off:])
		c.off += n
		if c.off == len(c.buf) {
			c.buf, c.off = nil, 0
		}
		return n, nil
	}
	return c.Conn.Read(p)
}

// WriteTo writes the buffered prefix and then copies the live stream to w,
// letting io.Copy use the wrapped connection's fast paths.
func (c *Conn) WriteTo(w io.Writer) (int64, error) {
	var written int64
	if c.off < len(c.buf) {
		n, err := w.Write(c.buf[c.off:])
		written += int64(n)
		c.off += n
		if err != nil {
			return written, err
		}
		c.buf, c.off = nil, 0
	}
	n, err := io.Copy(w, c.Conn)
	return written + n, err
}

// SetDeadline implements net.Conn and records the read deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return c.Conn.SetDeadline(t)
}

// SetReadDeadline implements net.Conn and records the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return c.Conn.SetReadDeadline(t)
}

// ReadDeadline returns the read deadline last set through c. Deadlines set
// on the wrapped connection directly are not seen.
func (c *Conn) ReadDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readDeadline
}

// Detach returns the unread prefix and the wrapped connection. The Conn must
// not be used afterwards.
func (c *Conn) Detach() ([]byte, net.Conn) {
	rest := c.buf[c.off:]
	inner := c.Conn
	c.buf, c.off, c.Conn = nil, 0, nil
	return rest, inner
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}
