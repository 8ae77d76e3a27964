// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"

	"github.com/absmach/protomux"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/matcher"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/parser/mqtt"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/proxy"
	"github.com/absmach/protomux/pkg/router"
)

var errNoRoutes = errors.New("no backend configured: set at least one of HTTP_TARGET, WS_TARGET, MQTT_TARGET, SOCKS5_ENABLED or SNI_ROUTES_FILE")

// stack builds the routing tree of the listener:
//
//	[PROXY header] -> edge -> SNI passthrough | TLS termination -> inner | plain routes
type stack struct {
	cfg     protomux.Config
	pool    *pool.Pool
	handler handler.Handler
	drain   <-chan struct{}
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (s stack) build(resolver proxy.Resolver, tlsCfg *tls.Config) (router.Handler, error) {
	plain, err := s.plainRoutes()
	if err != nil {
		return nil, err
	}

	var edge []router.Route
	if resolver != nil {
		edge = append(edge, router.Route{
			Name:    "sni",
			Matcher: matcher.And(matcher.TLS(), knownServerName(resolver)),
			Handler: &proxy.SNI{Resolver: resolver, Pool: s.pool, Handler: s.handler, Logger: s.logger},
		})
	}
	if tlsCfg != nil && len(plain) > 0 {
		inner := s.router("tls", nil, plain...)
		edge = append(edge, router.Route{
			Name:    "tls",
			Matcher: matcher.TLS(),
			Handler: &proxy.TLS{Config: tlsCfg, Inner: inner, Logger: s.logger},
		})
	}
	edge = append(edge, plain...)
	if len(edge) == 0 {
		return nil, errNoRoutes
	}

	top := s.router("edge", nil, edge...)
	if !s.cfg.ProxyProtocol {
		return top, nil
	}
	return s.router("proxy", top, router.Route{
		Name:    "haproxy",
		Matcher: matcher.HAProxy(),
		Handler: &proxy.HAProxy{Inner: top, Logger: s.logger},
	}), nil
}

func (s stack) router(name string, fallback router.Handler, routes ...router.Route) *router.Router {
	return router.New(router.Config{
		Name:        name,
		PeekTimeout: s.cfg.PeekTimeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	}, fallback, routes...)
}

// plainRoutes returns the routes that apply to cleartext bytes, either read
// straight off the listener or after TLS termination.
func (s stack) plainRoutes() ([]router.Route, error) {
	var routes []router.Route

	if s.cfg.MQTTTarget != "" {
		backend, err := s.cfg.MQTTBackend()
		if err != nil {
			return nil, err
		}
		routes = append(routes, router.Route{
			Name:    "mqtt",
			Matcher: matcher.MQTT(),
			Handler: proxy.NewMQTT(proxy.MQTTConfig{
				Backend: backend,
				Pool:    s.pool,
				Handler: s.handler,
				Logger:  s.logger,
				Metrics: s.metrics,
			}),
		})
	}

	if s.cfg.SOCKS5Enabled {
		routes = append(routes, router.Route{
			Name:    "socks5",
			Matcher: matcher.SOCKS5(),
			Handler: &proxy.SOCKS5{Pool: s.pool, Handler: s.handler, Logger: s.logger},
		})
	}

	wsTarget, err := s.cfg.WSTargetURL()
	if err != nil {
		return nil, err
	}
	var ws *proxy.WebSocket
	if wsTarget != nil {
		ws = proxy.NewWebSocket(proxy.WebSocketConfig{
			Target:     wsTarget,
			Pool:       s.pool,
			Underlying: &mqtt.Parser{Logger: s.logger, Metrics: s.metrics},
			Handler:    s.handler,
			Drain:      s.drain,
			Logger:     s.logger,
			Metrics:    s.metrics,
		})
	}

	httpTarget, err := s.cfg.HTTPTargetURL()
	if err != nil {
		return nil, err
	}
	switch {
	case httpTarget != nil:
		cfg := proxy.HTTPConfig{
			Target:  httpTarget,
			Pool:    s.pool,
			Handler: s.handler,
			Drain:   s.drain,
			Logger:  s.logger,
			Metrics: s.metrics,
		}
		if ws != nil {
			cfg.WebSocket = ws.Bridge()
		}
		h := proxy.NewHTTP(cfg)
		routes = append(routes,
			router.Route{Name: "h2c", Matcher: matcher.HTTP2(), Handler: h},
			router.Route{Name: "http", Matcher: matcher.HTTP1(), Handler: h},
		)
	case ws != nil:
		routes = append(routes, router.Route{
			Name:    "ws",
			Matcher: matcher.HTTP1(http.MethodGet),
			Handler: ws,
		})
	}

	return routes, nil
}

// knownServerName accepts a ClientHello whose server name resolves to a
// passthrough backend.
func knownServerName(r proxy.Resolver) matcher.Matcher {
	return matcher.Func(matcher.Needs{Prefix: 3, ClientHello: true}, func(in *matcher.Input) matcher.Verdict {
		if in.TLS == nil {
			return matcher.Undecided
		}
		if _, ok := r.Lookup(in.TLS.ServerName); ok {
			return matcher.Accept
		}
		return matcher.Reject
	})
}
