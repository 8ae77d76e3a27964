// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
)

// policy records what the hooks saw and returns the configured decisions.
type policy struct {
	handler.NoopHandler

	connectErr error
	publishErr error
	rewrite    func(topic *string, payload *[]byte)

	connects  []handler.Context
	publishes []string
	notified  []string
}

func (p *policy) AuthConnect(_ context.Context, hctx *handler.Context) error {
	p.connects = append(p.connects, *hctx)
	return p.connectErr
}

func (p *policy) AuthPublish(_ context.Context, _ *handler.Context, topic *string, payload *[]byte) error {
	p.publishes = append(p.publishes, *topic+"="+string(*payload))
	if p.publishErr != nil {
		return p.publishErr
	}
	if p.rewrite != nil {
		p.rewrite(topic, payload)
	}
	return nil
}

func (p *policy) OnConnect(context.Context, *handler.Context) error {
	p.notified = append(p.notified, "connect")
	return nil
}

func (p *policy) OnPublish(_ context.Context, _ *handler.Context, topic string, _ []byte) error {
	p.notified = append(p.notified, "publish:"+topic)
	return nil
}

// upstream stands in for the reverse proxy and records what reached it.
type upstream struct {
	reached bool
	uri     string
	body    string
	hctx    *handler.Context
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.reached = true
	u.uri = r.URL.RequestURI()
	body, _ := io.ReadAll(r.Body)
	u.body = string(body)
	u.hctx, _ = extensions.Lookup[*handler.Context](r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func serve(p *Parser, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func newParser(h handler.Handler) (*Parser, *upstream) {
	up := &upstream{}
	return NewParser(up, h, slog.New(slog.DiscardHandler)), up
}

func TestNewParser_DefaultLogger(t *testing.T) {
	p := NewParser(http.NotFoundHandler(), &handler.NoopHandler{}, nil)
	if p.logger == nil {
		t.Error("logger = nil, want slog.Default")
	}
}

func TestParser_Credentials(t *testing.T) {
	cases := []struct {
		name     string
		prepare  func(r *http.Request)
		target   string
		username string
		password string
	}{
		{
			name:     "basic auth",
			prepare:  func(r *http.Request) { r.SetBasicAuth("alice", "secret") },
			target:   "/things",
			username: "alice",
			password: "secret",
		},
		{
			name:     "query parameter",
			prepare:  func(*http.Request) {},
			target:   "/things?authorization=tok-1",
			password: "tok-1",
		},
		{
			name:     "bearer header",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok-2") },
			target:   "/things",
			password: "Bearer tok-2",
		},
		{
			name:     "basic wins over query",
			prepare:  func(r *http.Request) { r.SetBasicAuth("bob", "pw") },
			target:   "/things?authorization=ignored",
			username: "bob",
			password: "pw",
		},
		{
			name:    "anonymous",
			prepare: func(*http.Request) {},
			target:  "/things",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pol := &policy{}
			p, up := newParser(pol)

			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.prepare(req)
			if rec := serve(p, req); rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
			}
			if !up.reached || len(pol.connects) != 1 {
				t.Fatalf("reached = %v, AuthConnect calls = %d", up.reached, len(pol.connects))
			}
			got := pol.connects[0]
			if got.Username != tc.username || string(got.Password) != tc.password || got.Protocol != "http" {
				t.Errorf("session = %q/%q (%s), want %q/%q (http)", got.Username, got.Password, got.Protocol, tc.username, tc.password)
			}
			if got.SessionID == "" {
				t.Error("session id is empty")
			}
		})
	}
}

func TestParser_Methods(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions, http.MethodPost, http.MethodPut, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			pol := &policy{}
			p, up := newParser(pol)

			serve(p, httptest.NewRequest(method, "/m/1", strings.NewReader("data")))

			write := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
			if write != (len(pol.publishes) == 1) {
				t.Errorf("AuthPublish calls = %v, want publish %v", pol.publishes, write)
			}
			if write && pol.publishes[0] != "/m/1=data" {
				t.Errorf("AuthPublish saw %q", pol.publishes[0])
			}
			if !up.reached {
				t.Error("request did not reach upstream")
			}
		})
	}
}

func TestParser_Refusals(t *testing.T) {
	cases := []struct {
		name    string
		pol     *policy
		body    io.Reader
		maxBody int64
		status  int
	}{
		{"connect refused", &policy{connectErr: perrors.ErrUnauthorized}, strings.NewReader("x"), 0, http.StatusUnauthorized},
		{"publish refused", &policy{publishErr: errors.New("read only")}, strings.NewReader("x"), 0, http.StatusForbidden},
		{"body too large", &policy{}, strings.NewReader("too long"), 4, http.StatusRequestEntityTooLarge},
		{"body unreadable", &policy{}, iotest.ErrReader(errors.New("reset")), 0, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, up := newParser(tc.pol)
			p.MaxBody = tc.maxBody

			rec := serve(p, httptest.NewRequest(http.MethodPost, "/m", tc.body))
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if up.reached {
				t.Error("refused request reached upstream")
			}
			if len(tc.pol.notified) != 0 {
				t.Errorf("notifications = %v, want none", tc.pol.notified)
			}
		})
	}
}

func TestParser_PublishRewrite(t *testing.T) {
	pol := &policy{rewrite: func(topic *string, payload *[]byte) {
		*topic = "/tenant" + *topic + "?v=2"
		*payload = append(*payload, " [signed]"...)
	}}
	p, up := newParser(pol)

	serve(p, httptest.NewRequest(http.MethodPost, "/api/data", strings.NewReader("payload")))

	if up.uri != "/tenant/api/data?v=2" || up.body != "payload [signed]" {
		t.Errorf("upstream got %q %q", up.uri, up.body)
	}
	if got := strings.Join(pol.notified, ","); got != "publish:/tenant/api/data?v=2,connect" {
		t.Errorf("notifications = %q", got)
	}
}

func TestParser_ConnectionSession(t *testing.T) {
	pol := &policy{}
	p, up := newParser(pol)

	conn := &handler.Context{SessionID: "conn-1", RemoteAddr: "203.0.113.7:4000", Protocol: "tls", ServerName: "api.example.com", Username: "stale"}
	ctx, ext := extensions.Fork(context.Background())
	extensions.Insert(ext, conn)

	serve(p, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	got := pol.connects[0]
	if got.SessionID != "conn-1" || got.RemoteAddr != "203.0.113.7:4000" || got.ServerName != "api.example.com" || got.Username != "" {
		t.Errorf("request session = %+v", got)
	}
	if conn.Protocol != "tls" || conn.Username != "stale" {
		t.Errorf("connection session changed: %+v", conn)
	}
	if up.hctx == nil || up.hctx == conn || up.hctx.Protocol != "http" {
		t.Errorf("upstream session = %+v, want the per-request copy", up.hctx)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	req.Header.Set("X-Request-ID", "req-9")
	serve(p, req)
	if id := pol.connects[1].SessionID; id != "req-9" {
		t.Errorf("session id = %q, want the request id", id)
	}
}
