// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoPath(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "hello %s", r.URL.Path)
}

func get(t *testing.T, c *http.Client, url string, closeConn bool) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Close = closeConn
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestTransportReusesConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoPath))
	defer srv.Close()

	p := New(&NetDialer{}, Config{MaxPerKey: 2, ReapInterval: -1, Logger: logger})
	defer p.Close()
	client := &http.Client{Transport: &Transport{Pool: p}}

	assert.Equal(t, "hello /a", get(t, client, srv.URL+"/a", false))
	assert.Equal(t, "hello /b", get(t, client, srv.URL+"/b", false))
	assert.Equal(t, Totals{Created: 1, Reused: 1}, p.Totals())

	key, err := ParseKey(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, Stats{Idle: 1}, p.Stats(key))
}

func TestTransportConnectionClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoPath))
	defer srv.Close()

	p := New(&NetDialer{}, Config{ReapInterval: -1, Logger: logger})
	defer p.Close()
	client := &http.Client{Transport: &Transport{Pool: p}}

	assert.Equal(t, "hello /x", get(t, client, srv.URL+"/x", true))
	assert.Equal(t, 0, p.Keys(), "a connection asked to close is not kept")
	assert.Equal(t, "hello /y", get(t, client, srv.URL+"/y", false))
	assert.Equal(t, uint64(2), p.Totals().Created)
}

func TestTransportTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoPath))
	defer srv.Close()

	d := &NetDialer{TLSProfiles: map[string]*tls.Config{"": {InsecureSkipVerify: true}}}
	p := New(d, Config{ReapInterval: -1, Logger: logger})
	defer p.Close()
	client := &http.Client{Transport: &Transport{Pool: p}}

	assert.Equal(t, "hello /s", get(t, client, srv.URL+"/s", false))
	assert.Equal(t, "hello /s", get(t, client, srv.URL+"/s", false))
	assert.Equal(t, Totals{Created: 1, Reused: 1}, p.Totals())
}

func TestNetDialerConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	p := New(&NetDialer{}, Config{ReapInterval: -1, Logger: logger})
	defer p.Close()

	key := Key{Scheme: "tcp", Host: "127.0.0.1", Port: uint16(addr.Port)}
	_, err = p.Acquire(t.Context(), key)
	var ce *errors.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, key.String(), ce.Key)
	assert.Equal(t, 0, p.Keys())
}
