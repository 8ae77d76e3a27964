// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/absmach/protomux/pkg/handler"
)

// Stream runs p over both directions of a client/backend pair until either
// side fails or closes. Both connections are closed on return and
// h.OnDisconnect is called once. A clean close by either side returns nil.
func Stream(ctx context.Context, p Parser, client, backend io.ReadWriteCloser, h handler.Handler, hctx *handler.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	// Upstream: client → backend
	go func() {
		err := loop(ctx, p, client, backend, Upstream, h, hctx)
		var rej *Rejection
		if errors.As(err, &rej) && len(rej.Reply) > 0 {
			if _, werr := client.Write(rej.Reply); werr != nil {
				logger.Debug("failed to deliver rejection",
					slog.String("session", hctx.SessionID),
					slog.String("error", werr.Error()),
				)
			}
		}
		errCh <- err
	}()

	// Downstream: backend → client
	go func() {
		errCh <- loop(ctx, p, backend, client, Downstream, h, hctx)
	}()

	// The first direction to finish ends the session.
	streamErr := <-errCh
	cancel()
	client.Close()
	backend.Close()
	<-errCh

	if err := h.OnDisconnect(context.WithoutCancel(ctx), hctx); err != nil {
		logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()),
		)
	}

	if errors.Is(streamErr, io.EOF) || errors.Is(streamErr, context.Canceled) {
		return nil
	}
	return streamErr
}

// loop continuously parses packets in one direction until an error or context cancellation.
func loop(ctx context.Context, p Parser, r io.Reader, w io.Writer, dir Direction, h handler.Handler, hctx *handler.Context) error {
	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Parse one packet
		if err := p.Parse(ctx, r, w, dir, h, hctx); err != nil {
			return err
		}
	}
}
