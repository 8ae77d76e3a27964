// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket bridges WebSocket clients to a backend WebSocket server.
//
// # Overview
//
// Parser is an http.Handler. For each upgrade request it dials the backend
// first, through the connection pool when one is configured, then upgrades
// the client offering the subprotocol the backend selected. From there the
// session runs in one of two modes:
//
//   - With an underlying parser (typically MQTT), both sides are wrapped as
//     net.Conn and handed to parser.Stream, so every packet passes through
//     the handler hooks exactly as on a plain TCP listener.
//   - Without one, messages are relayed unchanged, keeping their text or
//     binary type, and the upgrade request itself is authorized with
//     AuthConnect using Basic auth, an "authorization" query parameter or
//     the Authorization header.
//
// # Conn Adapter
//
// Conn wraps websocket.Conn to implement net.Conn:
//
//   - Read(): reads across message boundaries, fetching the next message when needed
//   - Write(): writes one binary message
//   - Close(): sends a normal closure frame, then closes the connection
//
// A clean close handshake reads as io.EOF. Every message read is counted in
// the WebSocket frame metric, labelled by direction.
//
// # Sessions
//
// The session inherits the connection's *handler.Context when the request
// arrived through a protomux listener, with Protocol set to "ws". The MQTT
// parser switches it to "mqtt" on CONNECT.
package websocket
