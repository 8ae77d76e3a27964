// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides keyed connection pooling for outbound connections.
//
// Connections are grouped by Key. Each key has its own capacity, idle set and
// FIFO queue of acquirers waiting at capacity. Released connections and freed
// slots are handed to the oldest waiter directly, so a newcomer never
// overtakes a queued acquirer.
package pool

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/bassosimone/safeconn"
)

// Config holds connection pool configuration.
type Config struct {
	// MaxPerKey caps checked-out plus idle connections per key.
	MaxPerKey int
	// MaxIdlePerKey caps idle connections per key. Released connections
	// beyond it are closed.
	MaxIdlePerKey int
	// IdleTimeout is the maximum time a connection can be idle before being closed.
	IdleTimeout time.Duration
	// MaxConnLifetime is the maximum time a connection can be alive.
	MaxConnLifetime time.Duration
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// WaitTimeout is how long Acquire waits at capacity. Zero fails at once
	// and a negative value waits until the context ends.
	WaitTimeout time.Duration
	// HealthCheck enables the liveness probe on reused connections.
	HealthCheck bool
	// HealthCheckTimeout bounds the liveness probe.
	HealthCheckTimeout time.Duration
	// ReapInterval is the period of the idle reaper. Zero derives it from
	// IdleTimeout and a negative value disables the reaper.
	ReapInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxPerKey <= 0 {
		c.MaxPerKey = 16
	}
	if c.MaxIdlePerKey <= 0 || c.MaxIdlePerKey > c.MaxPerKey {
		c.MaxIdlePerKey = c.MaxPerKey
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = time.Millisecond
	}
	if c.ReapInterval == 0 && c.IdleTimeout > 0 {
		c.ReapInterval = c.IdleTimeout / 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type idleConn struct {
	conn      net.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// grant is what a waiter receives: a connection, permission to dial (nil
// idle), or an error when the pool closes.
type grant struct {
	idle *idleConn
	err  error
}

type waiter struct {
	ch chan grant
}

type bucket struct {
	idle    []*idleConn
	active  int
	waiters []*waiter
}

func (b *bucket) total() int { return b.active + len(b.idle) }

func (b *bucket) empty() bool {
	return b.active == 0 && len(b.idle) == 0 && len(b.waiters) == 0
}

func (b *bucket) popWaiter() *waiter {
	if len(b.waiters) == 0 {
		return nil
	}
	w := b.waiters[0]
	b.waiters[0] = nil
	b.waiters = b.waiters[1:]
	return w
}

func (b *bucket) removeWaiter(w *waiter) bool {
	i := slices.Index(b.waiters, w)
	if i < 0 {
		return false
	}
	b.waiters = slices.Delete(b.waiters, i, i+1)
	return true
}

// Stats is a snapshot of one key.
type Stats struct {
	Active  int
	Idle    int
	Waiting int
}

// Totals are pool-wide counters since creation.
type Totals struct {
	Created uint64
	Reused  uint64
	Evicted uint64
}

// Pool is a keyed connection pool.
type Pool struct {
	dialer Dialer
	config Config

	mu      sync.Mutex
	buckets map[Key]*bucket
	closed  bool
	totals  Totals

	done chan struct{}
}

// New creates a new connection pool and starts its reaper.
func New(dialer Dialer, config Config) *Pool {
	p := &Pool{
		dialer:  dialer,
		config:  config.withDefaults(),
		buckets: make(map[Key]*bucket),
		done:    make(chan struct{}),
	}
	if p.config.ReapInterval > 0 {
		go p.reapLoop(p.config.ReapInterval)
	}
	return p
}

// Acquire returns a connection for key: a healthy idle one when available,
// otherwise a new one if key is below capacity. At capacity it waits
// according to WaitTimeout. The caller must Release the connection.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}
	b := p.bucketLocked(key)

	var ic *idleConn
	switch {
	case len(b.idle) > 0:
		ic = p.popIdleLocked(b)
		b.active++
		p.mu.Unlock()
	case b.total() < p.config.MaxPerKey:
		b.active++
		p.mu.Unlock()
	case p.config.WaitTimeout == 0:
		p.gcLocked(key, b)
		p.mu.Unlock()
		err := &errors.PoolExhaustedError{Key: key.String()}
		p.config.Metrics.PoolError(key.String(), errors.Class(err))
		return nil, err
	default:
		w := &waiter{ch: make(chan grant, 1)}
		b.waiters = append(b.waiters, w)
		p.mu.Unlock()

		g, err := p.wait(ctx, key, w)
		if err != nil {
			p.config.Metrics.PoolError(key.String(), errors.Class(err))
			return nil, err
		}
		ic = g.idle
	}

	// The caller now holds a slot for key.
	for ic != nil {
		reason := p.check(ic)
		if reason == "" {
			return p.checkout(key, ic, true), nil
		}
		_ = p.drop(key, ic.conn, reason)
		ic = p.swapIdle(key)
	}
	return p.dial(ctx, key)
}

func (p *Pool) bucketLocked(key Key) *bucket {
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

// popIdleLocked takes the most recently released connection.
func (p *Pool) popIdleLocked(b *bucket) *idleConn {
	n := len(b.idle)
	ic := b.idle[n-1]
	b.idle[n-1] = nil
	b.idle = b.idle[:n-1]
	return ic
}

// swapIdle trades the caller's slot for another idle connection, if any.
func (p *Pool) swapIdle(key Key) *idleConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buckets[key]
	if b == nil || len(b.idle) == 0 || p.closed {
		return nil
	}
	return p.popIdleLocked(b)
}

// wait blocks until w is granted a connection or slot. On timeout or
// cancellation w leaves the queue; a grant that raced with the timeout is
// passed on as if released.
func (p *Pool) wait(ctx context.Context, key Key, w *waiter) (grant, error) {
	start := time.Now()
	defer func() { p.config.Metrics.PoolWait(key.String(), time.Since(start)) }()

	var expired <-chan time.Time
	if p.config.WaitTimeout > 0 {
		t := time.NewTimer(p.config.WaitTimeout)
		defer t.Stop()
		expired = t.C
	}

	var err error
	select {
	case g := <-w.ch:
		return g, g.err
	case <-expired:
		err = &errors.PoolExhaustedError{Key: key.String(), Waited: time.Since(start)}
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	if b := p.buckets[key]; b != nil && b.removeWaiter(w) {
		p.gcLocked(key, b)
		p.mu.Unlock()
		return grant{}, err
	}
	p.mu.Unlock()

	if g := <-w.ch; g.err == nil {
		p.settle(key, g.idle)
	}
	return grant{}, err
}

// check reports why a reused connection must not be handed out, or "".
func (p *Pool) check(ic *idleConn) string {
	if reason := p.expired(ic, time.Now()); reason != "" {
		return reason
	}
	if p.config.HealthCheck && !alive(ic.conn, p.config.HealthCheckTimeout) {
		return "dead"
	}
	return ""
}

func (p *Pool) expired(ic *idleConn, now time.Time) string {
	if p.config.IdleTimeout > 0 && now.Sub(ic.lastUsed) >= p.config.IdleTimeout {
		return "idle"
	}
	if p.config.MaxConnLifetime > 0 && now.Sub(ic.createdAt) >= p.config.MaxConnLifetime {
		return "lifetime"
	}
	return ""
}

// alive probes conn with a short read. A healthy idle connection has nothing
// to say and times out; EOF, a reset or unsolicited bytes mean it is unusable.
func alive(conn net.Conn, timeout time.Duration) bool {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false
	}
	var one [1]byte
	n, err := conn.Read(one[:])
	if resetErr := conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}
	if n > 0 {
		return false
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

func (p *Pool) dial(ctx context.Context, key Key) (*Conn, error) {
	dctx := ctx
	if p.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.config.DialTimeout)
		defer cancel()
	}

	conn, err := p.dialer.Serve(dctx, key)
	if err != nil {
		p.settle(key, nil)
		if !stderrors.Is(err, errors.ErrConnect) {
			err = &errors.ConnectError{Key: key.String(), Err: err}
		}
		p.config.Metrics.PoolError(key.String(), errors.Class(err))
		p.config.Logger.Warn("pool dial failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	p.mu.Lock()
	p.totals.Created++
	p.mu.Unlock()
	p.config.Metrics.PoolCreate(key.String())
	p.config.Logger.Debug("pool dialed",
		slog.String("key", key.String()),
		slog.String("local", safeconn.LocalAddr(conn)),
		slog.String("remote", safeconn.RemoteAddr(conn)),
	)

	now := time.Now()
	return p.checkout(key, &idleConn{conn: conn, createdAt: now, lastUsed: now}, false), nil
}

func (p *Pool) checkout(key Key, ic *idleConn, reused bool) *Conn {
	p.mu.Lock()
	if reused {
		p.totals.Reused++
	}
	p.publishLocked(key)
	p.mu.Unlock()
	if reused {
		p.config.Metrics.PoolReuse(key.String())
	}
	return newConn(p, key, ic.conn, ic.createdAt, reused)
}

// Release returns c to the pool. Broken, expired and surplus connections
// are closed instead. Releasing twice has no effect.
func (p *Pool) Release(c *Conn) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	now := time.Now()
	reason := ""
	switch {
	case c.broken.Load():
		reason = "broken"
	case p.config.MaxConnLifetime > 0 && now.Sub(c.createdAt) >= p.config.MaxConnLifetime:
		reason = "lifetime"
	}
	if reason != "" {
		p.settle(c.key, nil)
		return p.drop(c.key, c.Conn, reason)
	}
	return p.settle(c.key, &idleConn{conn: c.Conn, createdAt: c.createdAt, lastUsed: now})
}

// settle ends a slot held by the caller. ic is the connection the slot
// leaves behind, or nil when there is none. The oldest waiter inherits both;
// otherwise ic joins the idle set or is closed when that set is full.
func (p *Pool) settle(key Key, ic *idleConn) error {
	p.mu.Lock()
	b := p.buckets[key]
	if b == nil {
		p.mu.Unlock()
		if ic != nil {
			return ic.conn.Close()
		}
		return nil
	}

	if w := b.popWaiter(); w != nil {
		w.ch <- grant{idle: ic}
		p.publishLocked(key)
		p.mu.Unlock()
		return nil
	}

	b.active--
	var surplus net.Conn
	reason := "surplus"
	if ic != nil {
		switch {
		case p.closed:
			surplus, reason = ic.conn, "closed"
		case len(b.idle) >= p.config.MaxIdlePerKey:
			surplus = ic.conn
		default:
			b.idle = append(b.idle, ic)
		}
	}
	p.gcLocked(key, b)
	p.mu.Unlock()

	if surplus != nil {
		return p.drop(key, surplus, reason)
	}
	return nil
}

// drop closes a connection the pool no longer tracks.
func (p *Pool) drop(key Key, conn net.Conn, reason string) error {
	p.mu.Lock()
	p.totals.Evicted++
	p.mu.Unlock()
	p.config.Metrics.PoolEvict(key.String(), reason)
	p.config.Logger.Debug("pool evicted connection",
		slog.String("key", key.String()),
		slog.String("reason", reason),
		slog.String("remote", safeconn.RemoteAddr(conn)),
	)
	return conn.Close()
}

// gcLocked deletes an empty bucket so no bookkeeping outlives its
// connections.
func (p *Pool) gcLocked(key Key, b *bucket) {
	if b.empty() {
		delete(p.buckets, key)
	}
	p.publishLocked(key)
}

func (p *Pool) publishLocked(key Key) {
	if p.config.Metrics == nil {
		return
	}
	var active, idle int
	if b := p.buckets[key]; b != nil {
		active, idle = b.active, len(b.idle)
	}
	p.config.Metrics.PoolGauges(key.String(), active, idle)
}

func (p *Pool) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.Reap(now)
		}
	}
}

type evicted struct {
	key    Key
	conn   net.Conn
	reason string
}

// Reap closes idle connections past the idle timeout or the lifetime as of
// now. It runs periodically in the background and is exported for callers
// that drive it themselves.
func (p *Pool) Reap(now time.Time) int {
	var out []evicted

	p.mu.Lock()
	for key, b := range p.buckets {
		kept := b.idle[:0]
		for _, ic := range b.idle {
			if reason := p.expired(ic, now); reason != "" {
				out = append(out, evicted{key: key, conn: ic.conn, reason: reason})
				continue
			}
			kept = append(kept, ic)
		}
		clear(b.idle[len(kept):])
		b.idle = kept
		p.wakeLocked(b)
		p.gcLocked(key, b)
	}
	p.mu.Unlock()

	for _, e := range out {
		_ = p.drop(e.key, e.conn, e.reason)
	}
	return len(out)
}

// wakeLocked grants freed slots to waiters.
func (p *Pool) wakeLocked(b *bucket) {
	for len(b.waiters) > 0 && b.total() < p.config.MaxPerKey {
		b.active++
		b.popWaiter().ch <- grant{}
	}
}

// Stats returns a snapshot of key.
func (p *Pool) Stats(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buckets[key]
	if b == nil {
		return Stats{}
	}
	return Stats{Active: b.active, Idle: len(b.idle), Waiting: len(b.waiters)}
}

// Keys returns the number of keys with live bookkeeping.
func (p *Pool) Keys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// Totals returns pool-wide counters.
func (p *Pool) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes idle connections, fails waiters and stops the reaper.
// Checked-out connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	var out []evicted
	for key, b := range p.buckets {
		for _, ic := range b.idle {
			out = append(out, evicted{key: key, conn: ic.conn, reason: "closed"})
		}
		b.idle = nil
		for _, w := range b.waiters {
			w.ch <- grant{err: errors.ErrPoolClosed}
		}
		b.waiters = nil
		p.gcLocked(key, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range out {
		errs = append(errs, p.drop(e.key, e.conn, e.reason))
	}
	return stderrors.Join(errs...)
}
