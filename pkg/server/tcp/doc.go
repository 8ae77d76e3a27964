// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the protomux listener.
//
// # Overview
//
// The server accepts TCP connections and hands each one to a connection
// service, usually a router.Router wrapped in edge layers such as rate
// limiting. It does not know about protocols: inspection, routing and
// proxying all happen in the service.
//
//	┌─────────┐         ┌─────────┐        ┌────────┐        ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ─────→ │ Router │ ─────→ │ Handler │
//	└─────────┘         └─────────┘        └────────┘        └─────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server registers the connection with the shutdown coordinator
//  3. Server assigns a session id and inserts a *handler.Context into the
//     connection's extension bag
//  4. The connection service runs on its own goroutine until it returns
//  5. The connection is closed and its guard released
//
// # Graceful Shutdown
//
// When the context is cancelled or the coordinator starts shutting down:
//
//  1. Server stops accepting new connections
//  2. In-flight connections keep running; their context is not cancelled
//  3. After ShutdownTimeout, remaining connections are closed and their
//     context cancelled
//  4. Serve returns an error matching ErrShutdownTimeout if it had to force
//
// # Example
//
//	coord := shutdown.New(ctx, logger)
//	r := router.New(router.Config{Name: "edge"}, fallback, routes...)
//
//	server := tcp.New(tcp.Config{
//		Address:         ":8080",
//		ShutdownTimeout: 30 * time.Second,
//	}, r, coord)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
