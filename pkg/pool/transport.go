// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"bufio"
	"io"
	"net/http"
	"sync"
)

// Transport is an HTTP/1.1 http.RoundTripper over pooled connections. A
// connection returns to the pool once its response body is read to EOF or
// closed cleanly, and is discarded on any error or when either side asked
// to close.
type Transport struct {
	Pool *Pool
	// KeyFunc maps a request to a pool key. It defaults to KeyFromURL.
	KeyFunc func(req *http.Request) (Key, error)
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	key, err := t.key(req)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}
	conn, err := t.Pool.Acquire(req.Context(), key)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}

	if err := req.Write(conn); err != nil {
		conn.Discard()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := readResponse(br, req)
	if err != nil {
		conn.Discard()
		return nil, err
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		conn.MarkBroken()
		resp.Body = &upgradedBody{br: br, conn: conn}
		return resp, nil
	}
	resp.Body = &body{
		rc:   resp.Body,
		br:   br,
		conn: conn,
		keep: !resp.Close && !req.Close,
	}
	return resp, nil
}

func (t *Transport) key(req *http.Request) (Key, error) {
	if t.KeyFunc != nil {
		return t.KeyFunc(req)
	}
	key, err := KeyFromURL(req.URL)
	if err != nil {
		return Key{}, err
	}
	if key.TLS() && key.ALPN == "" {
		key.ALPN = "http/1.1"
	}
	return key, nil
}

// readResponse skips informational responses other than 101.
func readResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// body releases its connection when the response has been consumed.
type body struct {
	rc   io.ReadCloser
	br   *bufio.Reader
	conn *Conn
	keep bool
	once sync.Once
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	switch {
	case err == io.EOF:
		b.finish(true)
	case err != nil:
		b.finish(false)
	}
	return n, err
}

func (b *body) Close() error {
	err := b.rc.Close()
	b.finish(err == nil)
	return err
}

func (b *body) finish(clean bool) {
	b.once.Do(func() {
		if !clean || !b.keep || b.br.Buffered() > 0 {
			b.conn.MarkBroken()
		}
		b.conn.Release()
	})
}

// upgradedBody exposes the raw connection after a protocol switch, as
// httputil.ReverseProxy expects.
type upgradedBody struct {
	br   *bufio.Reader
	conn *Conn
}

func (u *upgradedBody) Read(p []byte) (int, error)  { return u.br.Read(p) }
func (u *upgradedBody) Write(p []byte) (int, error) { return u.conn.Write(p) }
func (u *upgradedBody) Close() error                { return u.conn.Discard() }
