// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/metrics"
)

type instrumented struct {
	Handler
	m *metrics.Metrics
}

// Instrument counts every authorization decision of h in m, labelled by the
// session protocol and the error class of a rejection.
func Instrument(h Handler, m *metrics.Metrics) Handler {
	if m == nil {
		return h
	}
	return &instrumented{Handler: h, m: m}
}

func (h *instrumented) record(hctx *Context, kind string, err error) error {
	reason := ""
	if err != nil {
		reason = errors.Class(err)
	}
	h.m.Auth(hctx.Protocol, kind, reason)
	return err
}

func (h *instrumented) AuthConnect(ctx context.Context, hctx *Context) error {
	return h.record(hctx, "connect", h.Handler.AuthConnect(ctx, hctx))
}

func (h *instrumented) AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error {
	return h.record(hctx, "publish", h.Handler.AuthPublish(ctx, hctx, topic, payload))
}

func (h *instrumented) AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error {
	return h.record(hctx, "subscribe", h.Handler.AuthSubscribe(ctx, hctx, topics))
}
