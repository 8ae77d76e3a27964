// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/ratelimit"
)

// publishLimiter caps the publish rate of each client. Clients are keyed by
// client id, falling back to the remote address.
type publishLimiter struct {
	handler.Handler
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (h *publishLimiter) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	client := hctx.ClientID
	if client == "" {
		client = hctx.RemoteAddr
	}
	if !h.limiter.Allow(client) {
		h.metrics.RateLimited(hctx.Protocol, "publish")
		h.logger.Warn("publish rate limit exceeded",
			slog.String("client", client),
			slog.String("protocol", hctx.Protocol))
		return ratelimit.ErrRateLimitExceeded
	}
	return h.Handler.AuthPublish(ctx, hctx, topic, payload)
}
