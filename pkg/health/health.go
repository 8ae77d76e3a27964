// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/breaker"
	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/shutdown"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
	cached   bool
}

// Option modifies a registered check.
type Option func(*registered)

// Critical makes a failing check turn the overall status unhealthy rather
// than degraded.
func Critical() Option {
	return func(r *registered) { r.critical = true }
}

// Uncached runs the check on every request.
func Uncached() Option {
	return func(r *registered) { r.cached = false }
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registered
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]registered),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc, opts ...Option) {
	r := registered{fn: check, cached: true}
	for _, opt := range opts {
		opt(&r)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = r
	delete(c.cache, name)
}

// Health returns the overall health status and the checks sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	checks := make([]Check, 0, len(names))
	overallStatus := StatusHealthy

	for _, name := range names {
		r := c.checks[name]
		check := c.run(ctx, name, r)
		checks = append(checks, *check)

		if check.Status == StatusHealthy {
			continue
		}
		if r.critical {
			overallStatus = StatusUnhealthy
		} else if overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return overallStatus, checks
}

func (c *Checker) run(ctx context.Context, name string, r registered) *Check {
	if cached, ok := c.cache[name]; ok && r.cached && time.Since(cached.LastChecked) < c.ttl {
		return cached
	}

	start := time.Now()
	err := r.fn(ctx)
	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		DurationMS:  float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	if r.cached {
		c.cache[name] = check
	}
	return check
}

// HTTPHandler returns an HTTP handler for health checks.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(status Status) bool { return status != StatusUnhealthy })
}

// ReadinessHandler returns a readiness probe handler. Only a fully healthy
// instance is ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(status Status) bool { return status == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		response := map[string]any{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if ok(status) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// DrainCheck fails once coord started shutting down, so load balancers stop
// sending new connections while in-flight ones finish. Register it
// uncached and critical.
func DrainCheck(coord *shutdown.Coordinator) CheckFunc {
	return func(context.Context) error {
		if coord.Draining() {
			return fmt.Errorf("draining, %d tasks active", coord.Active())
		}
		return nil
	}
}

// PoolCheck fails when p no longer hands out connections.
func PoolCheck(p *pool.Pool) CheckFunc {
	return func(context.Context) error {
		if p.Closed() {
			return errors.ErrPoolClosed
		}
		return nil
	}
}

// BreakerCheck fails while any circuit of g is open.
func BreakerCheck(g *breaker.Group) CheckFunc {
	return func(context.Context) error {
		var open []string
		for name, state := range g.States() {
			if state == breaker.StateOpen {
				open = append(open, name)
			}
		}
		if len(open) == 0 {
			return nil
		}
		slices.Sort(open)
		return fmt.Errorf("open circuits: %s", strings.Join(open, ", "))
	}
}
