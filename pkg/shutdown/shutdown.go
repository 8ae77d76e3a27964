// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package shutdown coordinates graceful termination of in-flight work.
//
// Long-lived tasks (accept loops, connection handlers) register with a
// Coordinator through Guard or Go. Shutdown cancels the Coordinator context,
// which tells every task to stop, and then waits until all guards are
// released or the caller's deadline passes.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/errors"
)

// ErrShutdownTimeout is matched by the error Shutdown returns when tasks are
// still running at the deadline.
var ErrShutdownTimeout = errors.ErrTimeout

// Coordinator tracks tasks and signals them to stop.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.Mutex
	active   int
	draining bool
	closed   bool
	drained  chan struct{}
}

// New returns a Coordinator whose context derives from parent. Cancelling
// parent has the same effect as a call to Shutdown without waiting.
func New(parent context.Context, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		drained: make(chan struct{}),
	}
}

// Context is cancelled once shutdown starts. Tasks select on Context().Done()
// to learn they should wind down.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Draining reports whether Shutdown has been called.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Active returns the number of unreleased guards.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Guard registers a task. The task must call Done exactly once when it
// finishes; extra calls are ignored. A guard taken after the drain completed
// is counted in Active but does not reopen Drained.
func (c *Coordinator) Guard() *Guard {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	return &Guard{c: c}
}

// Go runs fn in a new goroutine under a guard. A panic in fn is logged and
// releases the guard like a normal return.
func (c *Coordinator) Go(fn func(ctx context.Context)) {
	g := c.Guard()
	go func() {
		defer g.Done()
		defer func() {
			if v := recover(); v != nil {
				c.logger.Error("panic in guarded task",
					slog.Any("panic", v),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn(c.ctx)
	}()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	c.closeDrained()
}

// closeDrained closes drained once draining has started and no guard is
// held. c.mu must be held.
func (c *Coordinator) closeDrained() {
	if c.draining && c.active == 0 && !c.closed {
		c.closed = true
		close(c.drained)
	}
}

// Shutdown signals every task to stop and waits until all guards are
// released. When ctx ends first it returns an error matching
// ErrShutdownTimeout, or ctx.Err for a plain cancellation. Calling Shutdown
// again waits on the same drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	start := time.Now()
	c.mu.Lock()
	c.draining = true
	c.closeDrained()
	c.mu.Unlock()
	c.cancel()

	select {
	case <-c.drained:
		c.logger.Info("shutdown complete", slog.Duration("duration", time.Since(start)))
		return nil
	case <-ctx.Done():
		remaining := c.Active()
		c.logger.Warn("shutdown deadline reached",
			slog.Int("active", remaining),
			slog.Duration("duration", time.Since(start)),
		)
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%d tasks still running: %w", remaining,
				&errors.TimeoutError{Op: "shutdown", After: time.Since(start)})
		}
		return ctx.Err()
	}
}

// Drained is closed once Shutdown was called and every guard was released.
func (c *Coordinator) Drained() <-chan struct{} {
	return c.drained
}

// Guard is a registration handle returned by Coordinator.Guard.
type Guard struct {
	c    *Coordinator
	once sync.Once
}

// Done releases the guard. Only the first call has an effect.
func (g *Guard) Done() {
	g.once.Do(g.c.release)
}

// Context returns the coordinator context.
func (g *Guard) Context() context.Context {
	return g.c.ctx
}
