// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the protocol handlers that routes in a
// router.Router hand connections to.
//
// # Overview
//
// Every type in this package is a router.Handler: it receives a connection
// whose first bytes were already inspected by the router, and the
// extensions the matchers recorded for it. A handler either serves the
// connection itself or unwraps a layer and hands the rest to another
// router.
//
//	Listener (server/tcp)
//	     ↓
//	┌──────────────┐
//	│    Router    │  matchers over peeked bytes
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│   Handlers   │
//	│ - HAProxy    │  strips PROXY header, then Inner
//	│ - TLS        │  terminates TLS, then Inner
//	│ - SNI        │  TLS passthrough by server name
//	│ - HTTP       │  reverse proxy, h1 and h2
//	│ - WebSocket  │  WebSocket bridge
//	│ - MQTT       │  MQTT with packet inspection
//	│ - SOCKS5     │  CONNECT through the pool
//	│ - Tunnel     │  raw byte relay
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│     Pool     │  keyed backend connections
//	└──────────────┘
//
// # Sessions
//
// The listener seeds each connection with a *handler.Context. Handlers
// fill in the protocol, TLS details and credentials as they learn them,
// and call the handler.Handler hooks with it. HTTP requests and WebSocket
// sessions carried on one connection each get a copy.
//
// # Nesting
//
// TLS and HAProxy wrap another router.Handler, usually a second router, so
// that the decrypted or unwrapped stream is classified again:
//
//	inner := router.New(router.Config{}, nil,
//		router.Route{Matcher: matcher.HTTP1(), Handler: httpProxy},
//		router.Route{Matcher: matcher.MQTT(), Handler: mqttProxy},
//	)
//	outer := router.New(router.Config{}, nil,
//		router.Route{Matcher: matcher.TLS(), Handler: &proxy.TLS{Config: tlsCfg, Inner: inner}},
//		router.Route{Matcher: matcher.Always(), Handler: inner},
//	)
//
// # Shutdown
//
// HTTP and WebSocket take a Drain channel. When it closes they stop
// reading new requests on keep-alive connections and let in-flight ones
// finish. Streaming handlers run until their connection context is
// cancelled.
package proxy
