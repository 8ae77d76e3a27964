// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/service"
)

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(2, 100)
	if !tb.Allow() || !tb.Allow() {
		t.Fatal("expected the first two requests to pass")
	}
	if tb.Allow() {
		t.Fatal("expected an empty bucket to reject")
	}
	time.Sleep(20 * time.Millisecond)
	if !tb.Allow() {
		t.Error("expected tokens to refill")
	}
	if got := tb.Available(); got > 2 {
		t.Errorf("bucket exceeded its capacity: %d", got)
	}
}

func TestLimiter_PerClient(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("expected first request from a to pass")
	}
	if l.Allow("a") {
		t.Error("expected second request from a to be limited")
	}
	if !l.Allow("b") {
		t.Error("clients must not share a bucket")
	}
	if n := l.Stats(); n != 2 {
		t.Errorf("expected 2 clients, got %d", n)
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(10, 1, 1)
	defer l.Close()

	l.Allow("a")
	if l.Allow("b") {
		t.Error("expected a new client beyond maxClients to be rejected")
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	l.Allow("a")
	if n := l.Sweep(time.Now()); n != 0 {
		t.Errorf("expected drained bucket to be kept, swept %d", n)
	}
	if n := l.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("expected refilled bucket to be swept, swept %d", n)
	}
	if n := l.Stats(); n != 0 {
		t.Errorf("expected no clients, got %d", n)
	}
}

func TestLayer(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	served := 0
	svc := service.Apply[net.Conn, service.Unit](
		service.Func[net.Conn, service.Unit](func(ctx context.Context, conn net.Conn) (service.Unit, error) {
			served++
			return service.Unit{}, nil
		}),
		Layer(l, LayerConfig{Protocol: "tcp"}),
	)

	c1, s1 := net.Pipe()
	defer c1.Close()
	if _, err := svc.Serve(context.Background(), s1); err != nil {
		t.Fatalf("expected first connection to pass, got %v", err)
	}

	c2, s2 := net.Pipe()
	defer c2.Close()
	_, err := svc.Serve(context.Background(), s2)
	if !errors.Is(err, ErrRateLimitExceeded) || !errors.Is(err, perrors.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if perrors.Class(err) != "rate_limited" {
		t.Errorf("unexpected class %q", perrors.Class(err))
	}
	if served != 1 {
		t.Errorf("expected 1 connection served, got %d", served)
	}

	c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Error("expected the limited connection to be closed")
	}
}

func TestClientIP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		c, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	if got := ClientIP(conn); got != "127.0.0.1" {
		t.Errorf("expected 127.0.0.1, got %q", got)
	}
}
