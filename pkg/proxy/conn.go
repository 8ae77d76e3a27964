// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/bassosimone/safeconn"
)

// session returns the connection session seeded by the listener, or a new
// one describing conn.
func session(ctx context.Context, conn net.Conn, protocol string) *handler.Context {
	if hctx, ok := extensions.Lookup[*handler.Context](ctx); ok {
		if protocol != "" {
			hctx.Protocol = protocol
		}
		return hctx
	}
	return &handler.Context{
		RemoteAddr: safeconn.RemoteAddr(conn),
		Protocol:   protocol,
	}
}

// Pipe copies bytes both ways between a and b until either side finishes,
// then closes both. A clean end of either stream returns nil.
func Pipe(ctx context.Context, a, b net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	errCh := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		errCh <- err
	}
	go cp(a, b)
	go cp(b, a)

	err := <-errCh
	a.Close()
	b.Close()
	<-errCh

	if err == nil || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// addrConn reports addresses other than those of the socket, as decoded from
// a PROXY protocol header.
type addrConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *addrConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

func (c *addrConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

// connListener is a net.Listener that yields a single connection, then
// blocks until it is closed. It lets an *http.Server serve one routed
// connection; Served reports when that connection is gone, hijacked ones
// included.
type connListener struct {
	conns     chan net.Conn
	closed    chan struct{}
	served    chan struct{}
	closeOnce sync.Once
	addr      net.Addr
}

func newConnListener(conn net.Conn) *connListener {
	l := &connListener{
		conns:  make(chan net.Conn, 1),
		closed: make(chan struct{}),
		served: make(chan struct{}),
		addr:   conn.LocalAddr(),
	}
	tc := &trackedConn{Conn: conn}
	tc.onClose = func() {
		tc.once.Do(func() { close(l.served) })
	}
	l.conns <- tc
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.served:
		return nil, net.ErrClosed
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

// Served is closed once the connection was closed.
func (l *connListener) Served() <-chan struct{} { return l.served }

type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.onClose()
	return err
}
