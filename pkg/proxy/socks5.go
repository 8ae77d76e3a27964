// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
	"github.com/things-go/go-socks5"
)

// SOCKS5 is a router.Handler that serves the SOCKS5 CONNECT command and
// dials destinations through the pool. With a Handler the client must
// authenticate with username/password, checked by AuthConnect; without one
// no authentication is offered.
type SOCKS5 struct {
	Pool    *pool.Pool
	Handler handler.Handler
	Logger  *slog.Logger
}

var _ router.Handler = (*SOCKS5)(nil)

// Serve implements router.Handler.
func (s *SOCKS5) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	defer conn.Close()
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hctx := session(ctx, conn, "socks5")

	opts := []socks5.Option{
		socks5.WithLogger(socksLogger{logger: logger}),
		socks5.WithRule(&socks5.PermitCommand{EnableConnect: true}),
		socks5.WithDial(func(dctx context.Context, network, addr string) (net.Conn, error) {
			return s.dial(dctx, addr)
		}),
	}
	var creds *credentials
	if s.Handler != nil {
		creds = &credentials{ctx: ctx, handler: s.Handler, hctx: hctx, logger: logger}
		opts = append(opts, socks5.WithCredential(creds))
	}

	err := socks5.NewServer(opts...).ServeConn(conn)
	if creds != nil && creds.authorized {
		if derr := s.Handler.OnDisconnect(context.WithoutCancel(ctx), hctx); derr != nil {
			logger.Error("disconnect handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", derr.Error()))
		}
	}
	return service.Unit{}, err
}

// dial takes a connection to a CONNECT destination from the pool. Relayed
// connections are never reused.
func (s *SOCKS5) dial(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	conn, err := s.Pool.Acquire(ctx, pool.Key{Scheme: "tcp", Host: host, Port: uint16(p)})
	if err != nil {
		return nil, err
	}
	conn.MarkBroken()
	return conn, nil
}

// credentials checks SOCKS5 username/password negotiation with the session
// handler.
type credentials struct {
	ctx        context.Context
	handler    handler.Handler
	hctx       *handler.Context
	logger     *slog.Logger
	authorized bool
}

func (c *credentials) Valid(user, password, _ string) bool {
	c.hctx.Username = user
	c.hctx.Password = []byte(password)
	if err := c.handler.AuthConnect(c.ctx, c.hctx); err != nil {
		return false
	}
	c.authorized = true
	if err := c.handler.OnConnect(c.ctx, c.hctx); err != nil {
		c.logger.Warn("notification handler error",
			slog.String("event", "connect"),
			slog.String("session", c.hctx.SessionID),
			slog.String("error", err.Error()))
	}
	return true
}

// socksLogger adapts slog.Logger to the socks5.Logger interface.
type socksLogger struct {
	logger *slog.Logger
}

func (l socksLogger) Errorf(format string, args ...any) {
	l.logger.Debug("socks5 session error", slog.String("error", fmt.Sprintf(format, args...)))
}
