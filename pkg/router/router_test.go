// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/protomux/pkg/extensions"
	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/peek"
	"github.com/absmach/protomux/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routed struct {
	name     string
	data     []byte
	selected Selected
	tls      matcher.TLSInfo
}

// record returns a handler that reports its name and what it read. It reads
// n bytes, or the whole stream when n is zero.
func record(name string, n int, got chan<- routed) Handler {
	return HandlerFunc(func(ctx context.Context, conn net.Conn) (service.Unit, error) {
		defer conn.Close()
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			_, _ = io.ReadFull(conn, data)
		} else {
			data, _ = io.ReadAll(conn)
		}
		sel, _ := extensions.Lookup[Selected](ctx)
		info, _ := extensions.Lookup[matcher.TLSInfo](ctx)
		got <- routed{name: name, data: data, selected: sel, tls: info}
		return service.Unit{}, nil
	})
}

// dial starts r on one end of a pipe, writes each chunk on the other end and
// closes it when closeAfter is set.
func dial(t *testing.T, r *Router, closeAfter bool, chunks ...[]byte) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	go func() {
		for _, c := range chunks {
			if _, err := client.Write(c); err != nil {
				return
			}
		}
		if closeAfter {
			client.Close()
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := r.Serve(context.Background(), server)
		done <- err
	}()
	return client, done
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for router")
		panic("unreachable")
	}
}

func newEdge(got chan routed, timeout time.Duration) *Router {
	return New(Config{Name: "edge", PeekTimeout: timeout},
		record("http", 0, got),
		Route{Name: "tls", Matcher: matcher.TLS(), Handler: record("tls", 0, got)},
		Route{Name: "socks5", Matcher: matcher.SOCKS5(), Handler: record("socks5", 0, got)},
	)
}

func TestRouteTLS(t *testing.T) {
	got := make(chan routed, 1)
	payload := []byte("\x16\x03\x01\x00\x05hello-and-more")
	_, done := dial(t, newEdge(got, time.Second), true, payload)

	r := wait(t, got)
	assert.Equal(t, "tls", r.name)
	assert.Equal(t, payload, r.data, "handler reads the stream from the first byte")
	assert.Equal(t, Selected{Router: "edge", Route: "tls"}, r.selected)
	assert.NoError(t, wait(t, done))
}

func TestRouteSOCKS5(t *testing.T) {
	got := make(chan routed, 1)
	_, done := dial(t, newEdge(got, time.Second), true, []byte{0x05, 0x01, 0x00})

	r := wait(t, got)
	assert.Equal(t, "socks5", r.name)
	assert.Equal(t, []byte{0x05, 0x01, 0x00}, r.data)
	assert.NoError(t, wait(t, done))
}

func TestRouteFallback(t *testing.T) {
	got := make(chan routed, 1)
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	_, done := dial(t, newEdge(got, time.Second), true, req)

	r := wait(t, got)
	assert.Equal(t, "http", r.name)
	assert.Equal(t, req, r.data)
	assert.Equal(t, "fallback", r.selected.Route)
	assert.NoError(t, wait(t, done))
}

func TestRouteStalledClient(t *testing.T) {
	got := make(chan routed, 1)
	r := New(Config{PeekTimeout: 50 * time.Millisecond},
		record("http", 1, got),
		Route{Name: "tls", Matcher: matcher.TLS(), Handler: record("tls", 1, got)},
		Route{Name: "socks5", Matcher: matcher.SOCKS5(), Handler: record("socks5", 1, got)},
	)

	start := time.Now()
	_, done := dial(t, r, false, []byte{0x16})

	res := wait(t, got)
	assert.Equal(t, "http", res.name, "a lone handshake byte is not enough to claim tls")
	assert.Equal(t, []byte{0x16}, res.data)
	assert.NoError(t, wait(t, done))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRouteShortStream(t *testing.T) {
	got := make(chan routed, 1)
	_, done := dial(t, newEdge(got, -1), true, []byte{0x16, 0x03})

	r := wait(t, got)
	assert.Equal(t, "http", r.name, "eof before the signature completes rejects")
	assert.Equal(t, []byte{0x16, 0x03}, r.data)
	assert.NoError(t, wait(t, done))
}

func TestFirstMatchWins(t *testing.T) {
	got := make(chan routed, 1)
	r := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "get", Matcher: matcher.Prefix([]byte("GET ")), Handler: record("get", 0, got)},
		Route{Name: "http", Matcher: matcher.HTTP1(), Handler: record("http", 0, got)},
	)
	_, done := dial(t, r, true, []byte("GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "get", wait(t, got).name)
	assert.NoError(t, wait(t, done))

	swapped := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "http", Matcher: matcher.HTTP1(), Handler: record("http", 0, got)},
		Route{Name: "get", Matcher: matcher.Prefix([]byte("GET ")), Handler: record("get", 0, got)},
	)
	_, done = dial(t, swapped, true, []byte("GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "http", wait(t, got).name)
	assert.NoError(t, wait(t, done))
}

func TestEarlierUndecidedRouteBlocksLaterMatch(t *testing.T) {
	got := make(chan routed, 1)
	r := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "v1", Matcher: matcher.Prefix([]byte("PROXY TCP4")), Handler: record("v1", 0, got)},
		Route{Name: "pro", Matcher: matcher.Prefix([]byte("PRO")), Handler: record("pro", 0, got)},
	)
	_, done := dial(t, r, true, []byte("PRO"), []byte("XY TCP4 1.2.3.4\r\n"))

	res := wait(t, got)
	assert.Equal(t, "v1", res.name)
	assert.Equal(t, []byte("PROXY TCP4 1.2.3.4\r\n"), res.data)
	assert.NoError(t, wait(t, done))
}

func TestNoMatchClosesConnection(t *testing.T) {
	r := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "tls", Matcher: matcher.TLS(), Handler: record("tls", 0, nil)},
	)
	client, done := dial(t, r, false, []byte("GET "))

	err := wait(t, done)
	var nm *perrors.NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.ErrorIs(t, err, perrors.ErrNoMatch)
	assert.Positive(t, nm.Peeked)

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "router closes an unroutable connection without a reply")
}

type failConn struct {
	net.Conn
	err error
}

func (c *failConn) Read([]byte) (int, error) { return 0, c.err }

func TestStreamErrorPropagates(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	reset := errors.New("connection reset by peer")

	got := make(chan routed, 1)
	_, err := newEdge(got, time.Second).Serve(context.Background(), &failConn{Conn: c1, err: reset})
	assert.ErrorIs(t, err, perrors.ErrStream)
	assert.ErrorIs(t, err, reset)
	assert.Empty(t, got)
}

func TestSelectDeterministic(t *testing.T) {
	r := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "proxy", Matcher: matcher.HAProxy()},
		Route{Name: "tls", Matcher: matcher.TLS()},
		Route{Name: "socks5", Matcher: matcher.SOCKS5()},
		Route{Name: "h2", Matcher: matcher.HTTP2()},
		Route{Name: "http", Matcher: matcher.HTTP1()},
		Route{Name: "mqtt", Matcher: matcher.MQTT()},
	)
	prefixes := []string{
		"", "\x16", "\x16\x03\x01", "\x05\x01\x00", "GET / HTTP/1.1\r\n",
		"PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", "PROXY TCP4 ", "\x10\x0c\x00\x04MQTT\x04\x02",
		"\x00\x01\x02", "PRI * HTTP/1.1\r\n",
	}
	want := []string{"", "", "tls", "socks5", "http", "h2", "proxy", "mqtt", "", ""}

	selectOnce := func(p string) string {
		c1, c2 := net.Pipe()
		c2.Close()
		route, err := r.Select(peek.Replay(c1, []byte(p)), &matcher.Input{})
		require.NoError(t, err)
		if route == nil {
			return ""
		}
		return route.Name
	}
	for i, p := range prefixes {
		first := selectOnce(p)
		assert.Equal(t, first, selectOnce(p), "prefix %q", p)
		assert.Equal(t, want[i], first, "prefix %q", p)
	}
}

func TestSelectRestoresReadDeadline(t *testing.T) {
	r := New(Config{PeekTimeout: time.Minute}, nil, Route{Name: "tls", Matcher: matcher.TLS()})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	pc := peek.Replay(c1, []byte("\x16\x03\x01"))

	own := time.Now().Add(time.Hour)
	require.NoError(t, pc.SetReadDeadline(own))
	route, err := r.Select(pc, &matcher.Input{})
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.True(t, own.Equal(pc.ReadDeadline()), "caller deadline kept")

	require.NoError(t, pc.SetReadDeadline(time.Time{}))
	_, err = r.Select(pc, &matcher.Input{})
	require.NoError(t, err)
	assert.True(t, pc.ReadDeadline().IsZero())
}

func TestSelectHonorsEarlierDeadline(t *testing.T) {
	r := New(Config{PeekTimeout: time.Minute}, nil, Route{Name: "tls", Matcher: matcher.TLS()})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	pc := peek.NewConn(c1)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(30*time.Millisecond)))

	start := time.Now()
	route, err := r.Select(pc, &matcher.Input{})
	require.NoError(t, err)
	assert.Nil(t, route)
	assert.Less(t, time.Since(start), 10*time.Second, "the earlier caller deadline ends the peek")
}

func TestNeedsComputedOnce(t *testing.T) {
	r := New(Config{}, nil,
		Route{Name: "tls", Matcher: matcher.TLS()},
		Route{Name: "h2", Matcher: matcher.HTTP2()},
	)
	assert.Equal(t, matcher.HTTP2PrefaceLen, r.Limit())

	sni := New(Config{MaxPrefix: 4096}, nil, Route{Name: "api", Matcher: matcher.SNI("api.example.com")})
	assert.True(t, sni.Needs().ClientHello)
	assert.Equal(t, 4096, sni.Limit())
}

func TestRouteBySNI(t *testing.T) {
	got := make(chan routed, 1)
	r := New(Config{PeekTimeout: time.Second}, nil,
		Route{Name: "api", Matcher: matcher.SNI("api.example.com"), Handler: record("api", 5, got)},
		Route{Name: "tls", Matcher: matcher.TLS(), Handler: record("tls", 5, got)},
	)

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		c := tls.Client(client, &tls.Config{ServerName: "api.example.com", InsecureSkipVerify: true, NextProtos: []string{"h2"}})
		_ = c.Handshake()
	}()

	_, err := r.Serve(context.Background(), server)
	require.NoError(t, err)

	res := wait(t, got)
	assert.Equal(t, "api", res.name)
	assert.Equal(t, byte(0x16), res.data[0], "the clienthello is replayed to the handler")
	assert.Equal(t, "api.example.com", res.tls.ServerName)
	assert.Equal(t, []string{"h2"}, res.tls.ALPN)
	assert.False(t, res.tls.Terminated)
}

func TestTerminatedMetadataFromContext(t *testing.T) {
	got := make(chan routed, 1)
	r := New(Config{PeekTimeout: time.Second}, record("http1", 0, got),
		Route{Name: "h2", Matcher: matcher.ALPN("h2"), Handler: record("h2", 0, got)},
	)

	ctx, ext := extensions.Fork(context.Background())
	extensions.Insert(ext, matcher.TLSInfo{ALPN: []string{"h2"}, Terminated: true})

	client, server := net.Pipe()
	go func() {
		_, _ = client.Write([]byte("anything"))
		client.Close()
	}()
	_, err := r.Serve(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, "h2", wait(t, got).name)
}
