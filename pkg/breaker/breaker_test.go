// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errBackend = errors.New("backend down")

func fail() error { return errBackend }
func ok() error   { return nil }

func TestCircuitBreaker_Transitions(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	cb := New(Config{Name: "api", MaxFailures: 2, ResetTimeout: 20 * time.Millisecond, SuccessThreshold: 1, Metrics: m})

	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	for range 2 {
		if err := cb.Call(fail); !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 2, cb.State())
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, perrors.ErrBackendUnavailable) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open circuit must not call through")
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Call(ok); err != nil {
		t.Fatalf("expected trial call to pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after a successful trial, got %s", cb.State())
	}

	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("api")); got != 1 {
		t.Errorf("expected 1 trip, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("api")); got != float64(StateClosed) {
		t.Errorf("expected closed gauge, got %v", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	cb.Call(fail)
	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(fail); !errors.Is(err, errBackend) {
		t.Fatalf("expected trial to reach the backend, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected open after failed trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 1})
	cb.Call(fail)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go cb.Call(func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	if err := cb.Call(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected concurrent trial to be rejected, got %v", err)
	}
	close(release)
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb := New(Config{MaxFailures: 1})
	cb.Call(func() error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(Config{MaxFailures: 1})
	changes := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) { changes <- [2]State{from, to} })

	cb.Call(fail)
	select {
	case c := <-changes:
		if c != [2]State{StateClosed, StateOpen} {
			t.Errorf("unexpected transition %v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
}

func TestLayer(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	calls := 0
	svc := service.Apply[string, string](service.Func[string, string](func(ctx context.Context, in string) (string, error) {
		calls++
		if in == "bad" {
			return "", errBackend
		}
		return "ok:" + in, nil
	}), Layer[string, string](cb))

	out, err := svc.Serve(context.Background(), "a")
	if err != nil || out != "ok:a" {
		t.Fatalf("unexpected result %q, %v", out, err)
	}
	svc.Serve(context.Background(), "bad")
	if _, err := svc.Serve(context.Background(), "a"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls through, got %d", calls)
	}
}

func TestKeyedLayer(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour})
	svc := service.Apply[string, string](service.Func[string, string](func(ctx context.Context, in string) (string, error) {
		if in == "down" {
			return "", errBackend
		}
		return in, nil
	}), KeyedLayer[string, string](g, func(in string) string { return in }))

	svc.Serve(context.Background(), "down")
	if _, err := svc.Serve(context.Background(), "down"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected open circuit for failing backend, got %v", err)
	}
	if _, err := svc.Serve(context.Background(), "up"); err != nil {
		t.Errorf("healthy backend must not be affected, got %v", err)
	}

	states := g.States()
	if states["down"] != StateOpen || states["up"] != StateClosed {
		t.Errorf("unexpected states %v", states)
	}
}
