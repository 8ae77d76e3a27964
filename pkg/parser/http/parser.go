// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/google/uuid"
)

// DefaultMaxBody bounds the request body read for publish authorization.
const DefaultMaxBody = 4 << 20

// Parser authorizes HTTP requests before handing them to the next handler.
// HTTP is request/response based, so it works as an http.Handler instead of
// a packet parser.
type Parser struct {
	next    http.Handler
	handler handler.Handler
	logger  *slog.Logger
	// MaxBody caps the body read for AuthPublish. Zero means DefaultMaxBody.
	MaxBody int64
}

var _ http.Handler = (*Parser)(nil)

// NewParser wraps next with the authorization hooks of h.
func NewParser(next http.Handler, h handler.Handler, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		next:    next,
		handler: h,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler interface.
// It extracts credentials, authorizes the request, and passes it on.
func (p *Parser) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hctx := requestContext(r)
	hctx.Username, hctx.Password = p.extractAuth(r)

	// Authorize connection
	if err := p.handler.AuthConnect(r.Context(), hctx); err != nil {
		p.logger.Debug("connection authorization failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if isWrite(r.Method) {
		if !p.authorizePublish(w, r, hctx) {
			return
		}
	}

	// Notify successful connection
	if err := p.handler.OnConnect(r.Context(), hctx); err != nil {
		p.logger.Error("connection notification error",
			slog.String("error", err.Error()))
	}

	// The authorized session shadows the connection session for inner
	// handlers.
	ctx, ext := extensions.Fork(r.Context())
	extensions.Insert(ext, hctx)
	p.next.ServeHTTP(w, r.WithContext(ctx))
}

// authorizePublish runs AuthPublish over the request URI and body, applying
// any rewrite the handler makes. It reports whether the request may proceed.
func (p *Parser) authorizePublish(w http.ResponseWriter, r *http.Request, hctx *handler.Context) bool {
	limit := p.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return false
		}
		p.logger.Error("failed to read request body",
			slog.String("error", err.Error()))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}

	// Use request URI as "topic"
	topic := r.RequestURI
	if err := p.handler.AuthPublish(r.Context(), hctx, &topic, &payload); err != nil {
		p.logger.Debug("publish authorization failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.String("error", err.Error()))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}

	if topic != r.RequestURI {
		if u, err := url.ParseRequestURI(topic); err == nil {
			r.URL.Path, r.URL.RawPath, r.URL.RawQuery = u.Path, u.RawPath, u.RawQuery
			r.RequestURI = topic
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))
	r.ContentLength = int64(len(payload))

	if err := p.handler.OnPublish(r.Context(), hctx, topic, payload); err != nil {
		p.logger.Error("publish notification error",
			slog.String("error", err.Error()))
	}
	return true
}

// extractAuth extracts authentication credentials from the request.
// It tries multiple sources in order:
// 1. Basic Authentication header
// 2. "authorization" query parameter
// 3. "Authorization" header (Bearer token, etc.)
func (p *Parser) extractAuth(r *http.Request) (username string, password []byte) {
	if user, pass, ok := r.BasicAuth(); ok {
		return user, []byte(pass)
	}
	if auth := r.URL.Query().Get("authorization"); auth != "" {
		return "", []byte(auth)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "", []byte(auth)
	}
	return "", nil
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// requestContext derives the per-request session from the connection
// session, when the request arrived through a protomux listener.
func requestContext(r *http.Request) *handler.Context {
	hctx := &handler.Context{RemoteAddr: r.RemoteAddr}
	if conn, ok := extensions.Lookup[*handler.Context](r.Context()); ok {
		*hctx = *conn
		hctx.Username, hctx.Password = "", nil
	}
	hctx.Protocol = "http"
	switch id := r.Header.Get("X-Request-ID"); {
	case id != "":
		hctx.SessionID = id
	case hctx.SessionID == "":
		hctx.SessionID = uuid.NewString()
	}
	return hctx
}
