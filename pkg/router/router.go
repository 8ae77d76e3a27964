// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches connections to protocol handlers by inspecting
// the first bytes they send.
//
// A Router peeks a bounded prefix of each connection, evaluates its routes
// strictly in registration order and hands the connection, prefix intact, to
// the first route whose matcher accepts. Routers are Services themselves, so
// a handler may run a nested Router over the same connection or over the
// plaintext of a terminated TLS session.
package router

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/absmach/protomux/pkg/extensions"
	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/peek"
	"github.com/absmach/protomux/pkg/service"
	"github.com/bassosimone/safeconn"
)

// DefaultPeekTimeout bounds the wait for routing bytes when Config leaves it
// at zero.
const DefaultPeekTimeout = 5 * time.Second

// Handler serves one routed connection. The connection it receives is a
// *peek.Conn whose reads start at the first byte the client sent. Handlers
// own the connection and close it when done.
type Handler = service.Service[net.Conn, service.Unit]

// HandlerFunc adapts a function to a Handler.
type HandlerFunc = service.Func[net.Conn, service.Unit]

// Route pairs a matcher with the handler it selects.
type Route struct {
	Name    string
	Matcher matcher.Matcher
	Handler Handler
}

// Selected is inserted into the connection extensions by the router that
// dispatched it.
type Selected struct {
	Router string
	Route  string
}

// Config configures a Router.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// PeekTimeout bounds the wait for routing bytes. Zero uses
	// DefaultPeekTimeout and a negative value disables the bound.
	PeekTimeout time.Duration
	// MaxPrefix caps the number of bytes buffered for routing. Zero means
	// whatever the routes need.
	MaxPrefix int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Router is a Handler that dispatches to one of its routes.
type Router struct {
	name        string
	routes      []Route
	fallback    Handler
	needs       matcher.Needs
	limit       int
	peekTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

var _ Handler = (*Router)(nil)

// New builds a Router. fallback serves connections no route accepts; when it
// is nil such connections are closed and Serve returns *errors.NoMatchError.
// The prefix size is computed here, once, from the routes' matchers.
func New(cfg Config, fallback Handler, routes ...Route) *Router {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.PeekTimeout == 0:
		cfg.PeekTimeout = DefaultPeekTimeout
	case cfg.PeekTimeout < 0:
		cfg.PeekTimeout = 0
	}

	var needs matcher.Needs
	for _, rt := range routes {
		needs = needs.Merge(rt.Matcher.Needs())
	}
	limit := needs.Prefix
	if needs.ClientHello {
		limit = max(limit, matcher.ClientHelloLimit)
	}
	if cfg.MaxPrefix > 0 {
		limit = min(limit, cfg.MaxPrefix)
	}

	return &Router{
		name:        cfg.Name,
		routes:      append([]Route(nil), routes...),
		fallback:    fallback,
		needs:       needs,
		limit:       limit,
		peekTimeout: cfg.PeekTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Needs returns the merged requirements of every route.
func (r *Router) Needs() matcher.Needs {
	return r.needs
}

// Limit returns the largest prefix the router will buffer.
func (r *Router) Limit() int {
	return r.limit
}

// Serve routes conn and runs the selected handler to completion.
func (r *Router) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	pc := peek.NewConn(conn)
	in := &matcher.Input{
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
		TLS:        tlsInfo(ctx, conn),
	}

	route, err := r.Select(pc, in)
	if err != nil {
		pc.Close()
		return service.Unit{}, err
	}

	ctx, ext := extensions.Fork(ctx)
	if route == nil {
		if r.fallback == nil {
			pc.Close()
			r.metrics.NoMatch(r.name)
			r.logger.Debug("no route matched",
				slog.String("router", r.name),
				slog.String("remote", safeconn.RemoteAddr(conn)),
				slog.Int("peeked", len(in.Prefix)),
			)
			return service.Unit{}, &perrors.NoMatchError{
				RemoteAddr: safeconn.RemoteAddr(conn),
				Peeked:     len(in.Prefix),
			}
		}
		r.metrics.RouteSelected(r.name, "fallback")
		extensions.Insert(ext, Selected{Router: r.name, Route: "fallback"})
		return r.fallback.Serve(ctx, pc)
	}

	r.metrics.RouteSelected(r.name, route.Name)
	extensions.Insert(ext, Selected{Router: r.name, Route: route.Name})
	if in.TLS != nil && !in.TLS.Terminated && (in.TLS.ServerName != "" || len(in.TLS.ALPN) > 0) {
		extensions.Insert(ext, *in.TLS)
	}
	return route.Handler.Serve(ctx, pc)
}

// Select peeks pc until the ordered route evaluation is decided and returns
// the chosen route, or nil when none accepts. in receives the peeked prefix.
// Only read errors other than timeouts are returned; EOF and timeouts end the
// peek and leave the decision to the bytes already buffered. A read deadline
// set through pc earlier still applies during the peek and is restored
// afterwards.
func (r *Router) Select(pc *peek.Conn, in *matcher.Input) (*Route, error) {
	start := time.Now()
	if r.peekTimeout > 0 {
		prev := pc.ReadDeadline()
		deadline := start.Add(r.peekTimeout)
		if !prev.IsZero() && prev.Before(deadline) {
			deadline = prev
		}
		_ = pc.SetReadDeadline(deadline)
		defer pc.SetReadDeadline(prev)
	}
	defer func() {
		r.metrics.ObservePeek(r.name, time.Since(start), len(in.Prefix))
	}()

	// Bytes buffered by an enclosing router count without another read.
	in.Prefix, _ = pc.Peek(min(pc.Buffered(), r.limit))
	in.Final = len(in.Prefix) >= r.limit
	for {
		r.parseClientHello(in)
		route, decided := r.evaluate(in)
		if decided || in.Final {
			return route, nil
		}

		prefix, err := pc.More(r.limit)
		in.Prefix = prefix
		switch {
		case err == nil:
			in.Final = len(prefix) >= r.limit
		case isEndOfPeek(err):
			in.Final = true
		default:
			return nil, err
		}
	}
}

// evaluate runs the routes in order over in. It is decided once a route
// accepts or every route rejects; an undecided route stops the scan so a
// later route can never win over an earlier one that still might.
func (r *Router) evaluate(in *matcher.Input) (*Route, bool) {
	for i := range r.routes {
		switch r.routes[i].Matcher.Check(in) {
		case matcher.Accept:
			return &r.routes[i], true
		case matcher.Undecided:
			return nil, false
		}
	}
	return nil, true
}

func (r *Router) parseClientHello(in *matcher.Input) {
	if !r.needs.ClientHello || in.TLS != nil || len(in.Prefix) == 0 {
		return
	}
	if matcher.TLS().Check(in) == matcher.Reject {
		return
	}
	info, complete, err := matcher.ParseClientHello(in.Prefix)
	switch {
	case err != nil:
		in.TLS = &matcher.TLSInfo{}
	case complete:
		in.TLS = info
	case in.Final:
		in.TLS = &matcher.TLSInfo{}
	}
}

func isEndOfPeek(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// tlsInfo describes the TLS layer of conn when it was already terminated,
// either by conn itself or by a handler that recorded it in ctx.
func tlsInfo(ctx context.Context, conn net.Conn) *matcher.TLSInfo {
	if pc, ok := conn.(*peek.Conn); ok {
		conn = pc.NetConn()
	}
	if tc, ok := conn.(*tls.Conn); ok {
		return stateInfo(tc.ConnectionState())
	}
	if info, ok := extensions.Lookup[matcher.TLSInfo](ctx); ok && info.Terminated {
		return &info
	}
	return nil
}

func stateInfo(cs tls.ConnectionState) *matcher.TLSInfo {
	info := &matcher.TLSInfo{ServerName: cs.ServerName, Terminated: true}
	if cs.NegotiatedProtocol != "" {
		info.ALPN = []string{cs.NegotiatedProtocol}
	}
	return info
}

// StateInfo converts a completed handshake into matcher metadata.
func StateInfo(cs tls.ConnectionState) matcher.TLSInfo {
	return *stateInfo(cs)
}
