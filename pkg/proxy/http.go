// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/metrics"
	httpparser "github.com/absmach/protomux/pkg/parser/http"
	"github.com/absmach/protomux/pkg/peek"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
)

// http2Preface is the client connection preface of prior-knowledge HTTP/2.
var http2Preface = []byte(http2.ClientPreface)

// HTTPConfig holds configuration for the HTTP proxy.
type HTTPConfig struct {
	// Target is the http:// or https:// backend.
	Target *url.URL
	// Pool carries upstream requests. Without one, http.DefaultTransport is
	// used.
	Pool *pool.Pool
	// Handler authorizes requests. Nil forwards every request.
	Handler handler.Handler
	// WebSocket serves upgrade requests when set.
	WebSocket http.Handler
	// Drain is closed when the process starts shutting down; idle
	// keep-alive connections are then closed and active ones finish their
	// current request.
	Drain <-chan struct{}

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// HTTP is a router.Handler that serves HTTP/1.1 and HTTP/2 on a routed
// connection and reverse proxies every request to the target. HTTP/2 is
// served when the connection starts with the prior-knowledge preface (h2c)
// or when a terminated TLS session negotiated "h2".
type HTTP struct {
	cfg     HTTPConfig
	handler http.Handler
	h2      *http2.Server
	logger  *slog.Logger
}

var _ router.Handler = (*HTTP)(nil)

// NewHTTP creates a new HTTP proxy.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	p := &HTTP{
		cfg:    cfg,
		h2:     &http2.Server{IdleTimeout: cfg.IdleTimeout},
		logger: cfg.Logger,
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Pool != nil {
		transport = &pool.Transport{Pool: cfg.Pool}
	}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(cfg.Target)
			pr.SetXForwarded()
			// r.TLS is only set for a bare *tls.Conn.
			if info, ok := extensions.Lookup[matcher.TLSInfo](pr.In.Context()); ok && info.Terminated {
				pr.Out.Header.Set("X-Forwarded-Proto", "https")
			}
		},
		Transport:    transport,
		ErrorHandler: p.upstreamError,
		ErrorLog:     slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
	}

	var h http.Handler = rp
	if cfg.Handler != nil {
		h = httpparser.NewParser(rp, cfg.Handler, cfg.Logger)
	}
	p.handler = p.instrument(h)
	return p
}

// ServeHTTP dispatches upgrade requests to the WebSocket bridge and every
// other request to the reverse proxy.
func (p *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.cfg.WebSocket != nil && websocket.IsWebSocketUpgrade(r) {
		p.cfg.WebSocket.ServeHTTP(w, r)
		return
	}
	p.handler.ServeHTTP(w, r)
}

// Serve implements router.Handler.
func (p *HTTP) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	session(ctx, conn, "http")
	if isHTTP2(ctx, conn) {
		defer conn.Close()
		p.h2.ServeConn(conn, &http2.ServeConnOpts{
			Context:    ctx,
			Handler:    p,
			BaseConfig: p.server(ctx),
		})
		return service.Unit{}, nil
	}
	return service.Unit{}, serveConn(ctx, p.server(ctx), conn, p.cfg.Drain)
}

func (p *HTTP) server(ctx context.Context) *http.Server {
	return &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.cfg.ReadHeaderTimeout,
		IdleTimeout:       p.cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// upstreamError maps a failed round trip to 503 when the backend is
// saturated or unavailable and to 502 otherwise.
func (p *HTTP) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if stderrors.Is(err, errors.ErrPoolExhausted) ||
		stderrors.Is(err, errors.ErrBackendUnavailable) ||
		stderrors.Is(err, errors.ErrPoolClosed) {
		status = http.StatusServiceUnavailable
	}
	p.logger.Warn("upstream request failed",
		slog.String("method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.String("class", errors.Class(err)),
		slog.String("error", err.Error()))
	w.WriteHeader(status)
}

func (p *HTTP) instrument(next http.Handler) http.Handler {
	if p.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		p.cfg.Metrics.HTTPRequest(r.Method, rec.status)
	})
}

// serveConn runs srv over the single connection conn and returns once the
// connection is closed. Cancelling ctx closes it at once; closing drain
// shuts the server down gracefully.
func serveConn(ctx context.Context, srv *http.Server, conn net.Conn, drain <-chan struct{}) error {
	l := newConnListener(conn)
	stop := context.AfterFunc(ctx, func() {
		srv.Close()
		conn.Close()
	})
	defer stop()
	if drain != nil {
		go func() {
			select {
			case <-drain:
				srv.Shutdown(context.WithoutCancel(ctx))
			case <-l.Served():
			}
		}()
	}

	err := srv.Serve(l)
	// Serve returns as soon as the listener closes; the connection may
	// still be finishing a request.
	<-l.Served()
	if stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// isHTTP2 reports whether conn carries HTTP/2, either prior knowledge seen
// in the routing prefix or "h2" negotiated by a TLS layer.
func isHTTP2(ctx context.Context, conn net.Conn) bool {
	if info, ok := extensions.Lookup[matcher.TLSInfo](ctx); ok && info.Terminated {
		if slices.Contains(info.ALPN, http2.NextProtoTLS) {
			return true
		}
	}
	pc, ok := conn.(*peek.Conn)
	if !ok {
		return false
	}
	prefix, _ := pc.Peek(min(pc.Buffered(), len(http2Preface)))
	return len(prefix) == len(http2Preface) && bytes.Equal(prefix, http2Preface)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
