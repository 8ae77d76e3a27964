// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/service"
	"github.com/bassosimone/safeconn"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded. It matches
// errors.ErrRateLimited.
var ErrRateLimitExceeded = fmt.Errorf("rate limit exceeded: %w", errors.ErrRateLimited)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return int64(tb.tokens)
}

func (tb *TokenBucket) full(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens >= tb.capacity
}

// Limiter manages per-client rate limiters.
type Limiter struct {
	mu           sync.RWMutex
	limiters     map[string]*TokenBucket
	capacity     int64
	refillRate   int64
	maxClients   int
	interval     time.Duration
	cleanupTimer *time.Timer
}

// NewLimiter creates a new rate limiter with per-client tracking.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	l := &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		interval:   time.Minute,
	}

	// Periodic cleanup of inactive limiters
	l.cleanupTimer = time.AfterFunc(l.interval, l.cleanup)

	return l
}

// Allow checks if a request from the given client should be allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN checks if N requests from the given client should be allowed.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[clientID]
		if !exists {
			// Check if we've exceeded max clients
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[clientID] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// Sweep removes buckets that refilled completely by now. A full bucket
// behaves exactly like a new one, so dropping it loses no state.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, tb := range l.limiters {
		if tb.full(now) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// cleanup removes inactive limiters to prevent unbounded growth.
func (l *Limiter) cleanup() {
	l.Sweep(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()
	// Schedule next cleanup
	if l.cleanupTimer != nil {
		l.cleanupTimer = time.AfterFunc(l.interval, l.cleanup)
	}
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
		l.cleanupTimer = nil
	}
}

// LayerConfig configures the connection rate limiting layer.
type LayerConfig struct {
	// Protocol labels the rate limited metric, e.g. the listener name.
	Protocol string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Layer admits a connection only if its remote IP has a token left.
// Rejected connections are closed without a reply and the call returns an
// error matching ErrRateLimitExceeded.
func Layer(l *Limiter, cfg LayerConfig) service.Layer[net.Conn, service.Unit] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return service.LayerFunc[net.Conn, service.Unit](func(inner service.Service[net.Conn, service.Unit]) service.Service[net.Conn, service.Unit] {
		return service.Func[net.Conn, service.Unit](func(ctx context.Context, conn net.Conn) (service.Unit, error) {
			client := ClientIP(conn)
			if !l.Allow(client) {
				conn.Close()
				cfg.Metrics.RateLimited(cfg.Protocol, "connection")
				cfg.Logger.Debug("connection rate limited", slog.String("client", client))
				return service.Unit{}, ErrRateLimitExceeded
			}
			return inner.Serve(ctx, conn)
		})
	})
}

// ClientIP returns the host part of conn's remote address, or the whole
// address when it has no port.
func ClientIP(conn net.Conn) string {
	addr := safeconn.RemoteAddr(conn)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
