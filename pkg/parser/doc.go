// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser inspects the messages of an established session.
//
// Routing decides which protocol a connection speaks from its first bytes.
// Once a proxy stage has dialed the backend, Stream runs a Parser in two
// goroutines, one per direction, calling Parse until a side ends:
//
//	client --Upstream--> Parse --> backend
//	client <-Downstream-- Parse <-- backend
//
// Upstream messages carry credentials and actions. The parser copies them
// into the session *handler.Context and asks the handler before writing
// them on. Downstream messages are forwarded and may trigger notifications.
//
// A parser that refuses a message returns a *Rejection. Stream writes its
// reply to the client, closes both connections and calls OnDisconnect once.
//
// Subpackages:
//   - mqtt parses MQTT 3.1 and 3.1.1 control packets.
//   - websocket bridges WebSocket clients to a backend and runs an inner
//     parser over binary frames.
//   - http authorizes HTTP requests in front of a reverse proxy.
package parser
