// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"log/slog"
)

// Context is the session state shared by every stage that handles one
// accepted connection. Stages fill in what they learn: a PROXY header
// rewrites RemoteAddr, TLS sets ServerName and Cert, MQTT sets ClientID and
// the credentials.
type Context struct {
	SessionID  string
	RemoteAddr string
	// Protocol names the stage currently serving the session: tcp, tls,
	// mqtt, http, ws or socks5.
	Protocol string

	ServerName string
	Cert       *x509.Certificate

	ClientID string
	Username string
	// Password is kept as sent by the client.
	Password []byte
}

var _ slog.LogValuer = (*Context)(nil)

// LogValue renders the session without its password. Empty fields are
// omitted.
func (c *Context) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", c.SessionID),
		slog.String("protocol", c.Protocol),
		slog.String("remote", c.RemoteAddr),
	}
	for _, a := range [...]slog.Attr{
		slog.String("server_name", c.ServerName),
		slog.String("client_id", c.ClientID),
		slog.String("username", c.Username),
	} {
		if a.Value.String() != "" {
			attrs = append(attrs, a)
		}
	}
	if c.Cert != nil {
		attrs = append(attrs, slog.String("cert_subject", c.Cert.Subject.CommonName))
	}
	return slog.GroupValue(attrs...)
}

// Authorizer decides whether a session may proceed. A non-nil error
// rejects the action. The pointer arguments may be rewritten in place and
// the rewritten values are what reaches the backend.
type Authorizer interface {
	// AuthConnect runs on MQTT CONNECT, WebSocket upgrade, SOCKS5
	// username/password negotiation and before a tunnel is opened.
	AuthConnect(ctx context.Context, hctx *Context) error
	AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error
	AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error
}

// Notifier observes completed actions. Its errors are logged and never
// abort the session.
type Notifier interface {
	OnConnect(ctx context.Context, hctx *Context) error
	OnPublish(ctx context.Context, hctx *Context, topic string, payload []byte) error
	OnSubscribe(ctx context.Context, hctx *Context, topics []string) error
	OnUnsubscribe(ctx context.Context, hctx *Context, topics []string) error
	// OnDisconnect runs once per authorized session, however it ended.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// Handler is the application hook every protocol stage calls into.
type Handler interface {
	Authorizer
	Notifier
}

// NoopHandler authorizes everything and ignores notifications. Embed it to
// override only some callbacks.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (*NoopHandler) AuthConnect(context.Context, *Context) error { return nil }

func (*NoopHandler) AuthPublish(context.Context, *Context, *string, *[]byte) error { return nil }

func (*NoopHandler) AuthSubscribe(context.Context, *Context, *[]string) error { return nil }

func (*NoopHandler) OnConnect(context.Context, *Context) error { return nil }

func (*NoopHandler) OnPublish(context.Context, *Context, string, []byte) error { return nil }

func (*NoopHandler) OnSubscribe(context.Context, *Context, []string) error { return nil }

func (*NoopHandler) OnUnsubscribe(context.Context, *Context, []string) error { return nil }

func (*NoopHandler) OnDisconnect(context.Context, *Context) error { return nil }
