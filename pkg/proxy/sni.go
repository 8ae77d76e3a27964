// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
	"github.com/bassosimone/safeconn"
)

// Resolver maps a TLS server name to a backend. *sni.Table and *sni.Watcher
// implement it.
type Resolver interface {
	Lookup(serverName string) (pool.Key, bool)
}

// SNI is a router.Handler that passes TLS connections through, undecrypted,
// to the backend registered for their server name. The server name comes
// from the ClientHello the router inspected, so routes using it must carry
// a matcher that needs the ClientHello, such as matcher.SNI.
type SNI struct {
	Resolver Resolver
	Pool     *pool.Pool
	// Fallback serves unknown server names. When nil they are closed.
	Fallback router.Handler
	Handler  handler.Handler
	Logger   *slog.Logger
}

var _ router.Handler = (*SNI)(nil)

// Serve implements router.Handler.
func (s *SNI) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	info, _ := extensions.Lookup[matcher.TLSInfo](ctx)
	hctx := session(ctx, conn, "tls")
	hctx.ServerName = info.ServerName

	key, ok := s.Resolver.Lookup(info.ServerName)
	if !ok {
		if s.Fallback != nil {
			return s.Fallback.Serve(ctx, conn)
		}
		conn.Close()
		return service.Unit{}, fmt.Errorf("no backend for server name %q: %w", info.ServerName,
			&errors.NoMatchError{RemoteAddr: safeconn.RemoteAddr(conn)})
	}

	t := &Tunnel{Pool: s.Pool, Backend: key, Handler: s.Handler, Logger: s.Logger}
	return t.Serve(ctx, conn)
}
