// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/parser"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config configures a WebSocket Parser.
type Config struct {
	// Target is the ws:// or wss:// backend. Request paths and queries are
	// carried over.
	Target *url.URL
	// Pool supplies backend connections. Without one the backend is dialed
	// directly.
	Pool *pool.Pool
	// Underlying parses the protocol carried in binary messages, for example
	// MQTT. When nil, messages are relayed unchanged and the upgrade request
	// itself is authorized with AuthConnect.
	Underlying parser.Parser
	Handler    handler.Handler
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin      func(r *http.Request) bool
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Parser bridges client WebSocket sessions to a backend WebSocket server.
// It upgrades HTTP connections to WebSocket and then delegates to an
// underlying protocol parser (typically MQTT over WebSocket).
type Parser struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

var _ http.Handler = (*Parser)(nil)

// NewParser creates a new WebSocket parser.
func NewParser(cfg Config) *Parser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Parser{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
		logger: cfg.Logger,
	}
}

// ServeHTTP implements http.Handler interface. The backend is dialed before
// the client is upgraded, so the subprotocol the backend picks is the one
// offered to the client.
func (p *Parser) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hctx := session(r)
	if p.cfg.Underlying == nil {
		hctx.Username, hctx.Password = credentials(r)
		if err := p.cfg.Handler.AuthConnect(r.Context(), hctx); err != nil {
			p.logger.Debug("websocket authorization failed",
				slog.String("remote", r.RemoteAddr),
				slog.String("error", err.Error()))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	target := p.targetURL(r)
	serverConn, resp, err := p.dialer(r).DialContext(r.Context(), target, forwardHeaders(r))
	if err != nil {
		p.logger.Error("failed to dial backend WebSocket",
			slog.String("target", target),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(dialStatus(resp, err)), dialStatus(resp, err))
		return
	}

	var respHeader http.Header
	if sp := serverConn.Subprotocol(); sp != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {sp}}
	}
	clientConn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		serverConn.Close()
		p.logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	p.logger.Debug("websocket connection upgraded",
		slog.String("session", hctx.SessionID),
		slog.String("remote", r.RemoteAddr),
		slog.String("target", target))

	client := NewConn(clientConn, parser.Upstream.String(), p.cfg.Metrics)
	server := NewConn(serverConn, parser.Downstream.String(), p.cfg.Metrics)

	if p.cfg.Underlying != nil {
		err = parser.Stream(r.Context(), p.cfg.Underlying, client, server, p.cfg.Handler, hctx, p.logger)
	} else {
		err = p.relay(r.Context(), client, server, hctx)
	}
	if err != nil {
		p.logger.Debug("stream error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	p.logger.Debug("websocket connection closed",
		slog.String("session", hctx.SessionID))
}

// relay copies messages in both directions, preserving their type, until
// either side closes.
func (p *Parser) relay(ctx context.Context, client, server *Conn, hctx *handler.Context) error {
	if err := p.cfg.Handler.OnConnect(ctx, hctx); err != nil {
		p.logger.Error("connection notification error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	errCh := make(chan error, 2)
	go func() { errCh <- p.copyMessages(server, client) }()
	go func() { errCh <- p.copyMessages(client, server) }()
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		server.Close()
	})
	defer stop()

	err := <-errCh
	client.Close()
	server.Close()
	<-errCh

	if derr := p.cfg.Handler.OnDisconnect(context.WithoutCancel(ctx), hctx); derr != nil {
		p.logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", derr.Error()))
	}
	if err = normalize(err); err == io.EOF || stderrors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *Parser) copyMessages(dst, src *Conn) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return err
		}
		p.cfg.Metrics.WebSocketFrame(frameType(mt), src.direction)

		w, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, r)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
}

func (p *Parser) dialer(r *http.Request) *websocket.Dialer {
	d := &websocket.Dialer{
		Subprotocols:     websocket.Subprotocols(r),
		HandshakeTimeout: p.cfg.HandshakeTimeout,
	}
	if p.cfg.Pool != nil {
		d.NetDialContext = p.dialPool
		d.NetDialTLSContext = p.dialPool
	}
	return d
}

// dialPool takes a backend connection from the pool. Upgraded connections
// are never returned to the idle set.
func (p *Parser) dialPool(ctx context.Context, _, _ string) (net.Conn, error) {
	key, err := pool.KeyFromURL(p.cfg.Target)
	if err != nil {
		return nil, err
	}
	if key.TLS() {
		key.ALPN = "http/1.1"
	}
	conn, err := p.cfg.Pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	conn.MarkBroken()
	return conn, nil
}

// targetURL builds the backend URL from the request path and query.
func (p *Parser) targetURL(r *http.Request) string {
	target := *p.cfg.Target
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery
	return target.String()
}

func forwardHeaders(r *http.Request) http.Header {
	h := http.Header{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

func dialStatus(resp *http.Response, err error) int {
	switch {
	case resp != nil && resp.StatusCode >= http.StatusBadRequest:
		return resp.StatusCode
	case stderrors.Is(err, errors.ErrPoolExhausted), stderrors.Is(err, errors.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func credentials(r *http.Request) (string, []byte) {
	if user, pass, ok := r.BasicAuth(); ok {
		return user, []byte(pass)
	}
	if auth := r.URL.Query().Get("authorization"); auth != "" {
		return "", []byte(auth)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "", []byte(auth)
	}
	return "", nil
}

func session(r *http.Request) *handler.Context {
	hctx := &handler.Context{RemoteAddr: r.RemoteAddr}
	if conn, ok := extensions.Lookup[*handler.Context](r.Context()); ok {
		*hctx = *conn
	}
	hctx.Protocol = "ws"
	if hctx.SessionID == "" {
		hctx.SessionID = uuid.NewString()
	}
	return hctx
}
