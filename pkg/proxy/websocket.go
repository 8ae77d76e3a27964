// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/parser"
	"github.com/absmach/protomux/pkg/parser/websocket"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
	gws "github.com/gorilla/websocket"
)

// WebSocketConfig holds configuration for the WebSocket proxy.
type WebSocketConfig struct {
	// Target is the ws:// or wss:// backend.
	Target *url.URL
	Pool   *pool.Pool
	// Underlying parses the protocol carried over WebSocket, for example
	// &mqtt.Parser{}. Nil relays messages unchanged.
	Underlying parser.Parser
	Handler    handler.Handler
	// Drain is closed when the process starts shutting down.
	Drain   <-chan struct{}
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WebSocket is a router.Handler for connections that carry nothing but
// WebSocket sessions. Plain requests are answered with 426 Upgrade Required.
type WebSocket struct {
	bridge *websocket.Parser
	drain  <-chan struct{}
	logger *slog.Logger
}

var _ router.Handler = (*WebSocket)(nil)

// NewWebSocket creates a new WebSocket proxy.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{
		bridge: websocket.NewParser(websocket.Config{
			Target:     cfg.Target,
			Pool:       cfg.Pool,
			Underlying: cfg.Underlying,
			Handler:    cfg.Handler,
			Logger:     cfg.Logger,
			Metrics:    cfg.Metrics,
		}),
		drain:  cfg.Drain,
		logger: cfg.Logger,
	}
}

// Bridge returns the http.Handler that upgrades and bridges sessions, for
// use as HTTPConfig.WebSocket.
func (p *WebSocket) Bridge() http.Handler {
	return p.bridge
}

// ServeHTTP implements http.Handler.
func (p *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !gws.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return
	}
	p.bridge.ServeHTTP(w, r)
}

// Serve implements router.Handler.
func (p *WebSocket) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	session(ctx, conn, "ws")
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return service.Unit{}, serveConn(ctx, srv, conn, p.drain)
}
