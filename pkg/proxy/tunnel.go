// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
)

// Tunnel is a router.Handler that relays raw bytes between the client and a
// backend taken from the pool. The routing prefix is relayed too, so the
// backend sees the stream exactly as the client sent it.
type Tunnel struct {
	Pool *pool.Pool
	// Backend is used when KeyFunc is nil.
	Backend pool.Key
	// KeyFunc picks the backend per connection.
	KeyFunc func(ctx context.Context, conn net.Conn) (pool.Key, error)
	// Handler is notified on connect and disconnect. Nil skips
	// notifications.
	Handler handler.Handler
	Logger  *slog.Logger
}

var _ router.Handler = (*Tunnel)(nil)

// Serve implements router.Handler.
func (t *Tunnel) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := t.Backend
	if t.KeyFunc != nil {
		k, err := t.KeyFunc(ctx, conn)
		if err != nil {
			conn.Close()
			return service.Unit{}, err
		}
		key = k
	}

	backend, err := t.Pool.Acquire(ctx, key)
	if err != nil {
		conn.Close()
		return service.Unit{}, fmt.Errorf("failed to connect to %s: %w", key, err)
	}
	// The stream state is unknown to the pool once bytes have been relayed.
	backend.MarkBroken()

	hctx := session(ctx, conn, "")
	if t.Handler != nil {
		if err := t.Handler.OnConnect(ctx, hctx); err != nil {
			logger.Warn("notification handler error",
				slog.String("event", "connect"),
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}
	logger.Debug("tunnel established",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("backend", key.String()))

	err = Pipe(ctx, conn, backend)

	if t.Handler != nil {
		if derr := t.Handler.OnDisconnect(context.WithoutCancel(ctx), hctx); derr != nil {
			logger.Error("disconnect handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", derr.Error()))
		}
	}
	return service.Unit{}, err
}
