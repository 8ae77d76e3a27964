// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
)

// DefaultHandshakeTimeout bounds the TLS handshake when TLS leaves it at
// zero.
const DefaultHandshakeTimeout = 10 * time.Second

// TLS is a router.Handler that terminates TLS and hands the plaintext
// stream to Inner, usually a nested router. The negotiated server name and
// ALPN are inserted into the connection extensions as a terminated
// matcher.TLSInfo, so inner matchers see them.
type TLS struct {
	Config           *tls.Config
	Inner            router.Handler
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

var _ router.Handler = (*TLS)(nil)

// Serve implements router.Handler.
func (t *TLS) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	tc := tls.Server(conn, t.Config)

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	err := tc.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		tc.Close()
		if hsCtx.Err() == context.DeadlineExceeded {
			err = &errors.TimeoutError{Op: "tls handshake", After: timeout}
		}
		return service.Unit{}, fmt.Errorf("tls handshake failed: %w", err)
	}

	cs := tc.ConnectionState()
	sess := session(ctx, conn, "")
	sess.ServerName = cs.ServerName
	if len(cs.PeerCertificates) > 0 {
		sess.Cert = cs.PeerCertificates[0]
	}

	ctx, ext := extensions.Fork(ctx)
	extensions.Insert(ext, router.StateInfo(cs))
	if t.Logger != nil {
		t.Logger.Debug("tls terminated",
			slog.String("session", sess.SessionID),
			slog.String("server_name", cs.ServerName),
			slog.String("alpn", cs.NegotiatedProtocol))
	}
	return t.Inner.Serve(ctx, tc)
}
