// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/service"
)

// Dialer establishes a new connection for a key. The pool calls it on a
// miss; dialers are Services so timeouts, retries and breakers are layered
// on like anywhere else.
type Dialer = service.Service[Key, net.Conn]

// ContextDialer abstracts the *net.Dialer behavior.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetDialer dials TCP and, for TLS keys, performs the client handshake.
type NetDialer struct {
	// Dialer defaults to a zero *net.Dialer.
	Dialer ContextDialer
	// TLSProfiles maps Key.TLSProfile to a client configuration. The empty
	// profile falls back to a default configuration.
	TLSProfiles map[string]*tls.Config
}

var _ Dialer = (*NetDialer)(nil)

// Serve implements Dialer. Every failure is a *errors.ConnectError and never
// leaves a half-open connection behind.
func (d *NetDialer) Serve(ctx context.Context, key Key) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", key.Address())
	if err != nil {
		return nil, &errors.ConnectError{Key: key.String(), Err: err}
	}
	if !key.TLS() {
		return conn, nil
	}

	cfg := &tls.Config{}
	if base, ok := d.TLSProfiles[key.TLSProfile]; ok && base != nil {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = key.Host
	}
	if key.ALPN != "" {
		cfg.NextProtos = []string{key.ALPN}
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &errors.ConnectError{Key: key.String(), Err: err}
	}
	return tc, nil
}
