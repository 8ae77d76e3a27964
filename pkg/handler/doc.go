// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the application hook of protomux.
//
// The listener creates one *Context per accepted connection and stores it in
// the connection extensions. Every stage of the routing tree looks it up and
// adds what it learns, so a handler called by the MQTT stage behind a PROXY
// header and a TLS terminator sees the original client address, the TLS
// server name and the client certificate:
//
//	hctx, _ := extensions.Lookup[*handler.Context](ctx)
//
// Stages call the Authorizer methods before forwarding and the Notifier
// methods after the backend accepted the action:
//
//	client -> stage -> Auth* -> backend
//	backend -> stage -> On* -> client
//
// Embed NoopHandler to implement only the callbacks an application cares
// about:
//
//	type acl struct {
//		handler.NoopHandler
//		users map[string]string
//	}
//
//	func (a *acl) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if a.users[hctx.Username] != string(hctx.Password) {
//			return errors.ErrUnauthorized
//		}
//		return nil
//	}
//
// Instrument counts authorization decisions per protocol.
package handler
