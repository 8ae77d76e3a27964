// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
)

// echoServer starts a TCP server that echoes every connection and returns
// its pool key.
func echoServer(t *testing.T) pool.Key {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return tcpKey(l.Addr())
}

func tcpKey(addr net.Addr) pool.Key {
	ta := addr.(*net.TCPAddr)
	return pool.Key{Scheme: "tcp", Host: ta.IP.String(), Port: uint16(ta.Port)}
}

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(&pool.NetDialer{}, pool.Config{})
	t.Cleanup(func() { p.Close() })
	return p
}

// sessionContext returns a context seeded the way the TCP listener seeds
// it.
func sessionContext(remote string) (context.Context, *handler.Context) {
	ctx, ext := extensions.Fork(context.Background())
	hctx := &handler.Context{SessionID: "s1", RemoteAddr: remote, Protocol: "tcp"}
	extensions.Insert(ext, hctx)
	return ctx, hctx
}

// serve runs h in the background and returns a channel with its result.
func serve(ctx context.Context, h router.Handler, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := h.Serve(ctx, conn)
		done <- err
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

type recordingHandler struct {
	handler.NoopHandler
	mu          sync.Mutex
	connectErr  error
	auths       []handler.Context
	connects    int
	disconnects int
}

func (h *recordingHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auths = append(h.auths, *hctx)
	return h.connectErr
}

func (h *recordingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return nil
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
	return nil
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, h.disconnects
}

func TestPipe(t *testing.T) {
	client, a := net.Pipe()
	b, backend := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- Pipe(context.Background(), a, b) }()

	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(backend, buf); err != nil {
		t.Fatalf("backend read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("backend got %q, want %q", buf, "ping")
	}

	go backend.Write([]byte("pong"))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "pong" {
		t.Errorf("client got %q, want %q", buf, "pong")
	}

	client.Close()
	if err := wait(t, done); err != nil {
		t.Errorf("Pipe() error = %v, want nil", err)
	}
	// The other side is closed too.
	if _, err := backend.Read(buf); err == nil {
		t.Error("backend still open after client closed")
	}
}

func TestPipe_ContextCancel(t *testing.T) {
	_, a := net.Pipe()
	b, _ := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Pipe(ctx, a, b) }()
	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Pipe() error = %v, want nil", err)
	}
}

func TestConnListener(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	l := newConnListener(server)

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		second <- err
	}()
	select {
	case err := <-second:
		t.Fatalf("second Accept() returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	conn.Close()
	if err := wait(t, second); err != net.ErrClosed {
		t.Errorf("second Accept() error = %v, want %v", err, net.ErrClosed)
	}
	select {
	case <-l.Served():
	default:
		t.Error("Served() not closed after the connection closed")
	}
	// Closing twice is harmless.
	conn.Close()
	l.Close()
}

func TestAddrConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	src := &net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 5000}

	c := &addrConn{Conn: a, remote: src}
	if c.RemoteAddr() != src {
		t.Errorf("RemoteAddr() = %v, want %v", c.RemoteAddr(), src)
	}
	if c.LocalAddr() != a.LocalAddr() {
		t.Errorf("LocalAddr() = %v, want socket address", c.LocalAddr())
	}
}

func TestSession(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, seeded := sessionContext("198.51.100.1:1234")
	got := session(ctx, a, "mqtt")
	if got != seeded {
		t.Fatal("session() did not return the seeded context")
	}
	if got.Protocol != "mqtt" {
		t.Errorf("Protocol = %q, want %q", got.Protocol, "mqtt")
	}
	if session(ctx, a, "").Protocol != "mqtt" {
		t.Error("empty protocol overwrote the session protocol")
	}

	fresh := session(context.Background(), a, "http")
	if fresh == seeded || fresh.Protocol != "http" || fresh.RemoteAddr == "" {
		t.Errorf("session() without seed = %+v", fresh)
	}
}
