// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/parser"
	"github.com/absmach/protomux/pkg/parser/mqtt"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
)

// MQTTConfig holds configuration for MQTT proxy.
type MQTTConfig struct {
	// Backend is the broker, usually tcp://host:1883 or tls://host:8883.
	Backend pool.Key
	Pool    *pool.Pool
	Handler handler.Handler
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// MQTT is a router.Handler that inspects MQTT traffic between a client and
// the broker, running every packet through the handler hooks.
type MQTT struct {
	cfg    MQTTConfig
	parser *mqtt.Parser
}

var _ router.Handler = (*MQTT)(nil)

// NewMQTT creates a new MQTT proxy.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	return &MQTT{
		cfg:    cfg,
		parser: &mqtt.Parser{Logger: cfg.Logger, Metrics: cfg.Metrics},
	}
}

// Serve implements router.Handler. MQTT sessions are stateful, so the
// backend connection is never returned to the idle set.
func (p *MQTT) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	hctx := session(ctx, conn, "mqtt")

	backend, err := p.cfg.Pool.Acquire(ctx, p.cfg.Backend)
	if err != nil {
		conn.Close()
		return service.Unit{}, fmt.Errorf("failed to connect to broker %s: %w", p.cfg.Backend, err)
	}
	backend.MarkBroken()

	p.cfg.Logger.Debug("mqtt session started",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("backend", p.cfg.Backend.String()))

	return service.Unit{}, parser.Stream(ctx, p.parser, conn, backend, p.cfg.Handler, hctx, p.cfg.Logger)
}
