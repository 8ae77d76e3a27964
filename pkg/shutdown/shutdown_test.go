// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestShutdownWaitsForGuards(t *testing.T) {
	c := New(context.Background(), logger)

	var finished atomic.Int32
	for range 3 {
		c.Go(func(ctx context.Context) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
		})
	}
	assert.Equal(t, 3, c.Active())
	assert.False(t, c.Draining())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, int32(3), finished.Load())
	assert.Equal(t, 0, c.Active())
	assert.True(t, c.Draining())
}

func TestShutdownNoTasks(t *testing.T) {
	c := New(context.Background(), logger)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Error(t, c.Context().Err())

	select {
	case <-c.Drained():
	default:
		t.Fatal("drained channel must be closed")
	}
	require.NoError(t, c.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdownDeadline(t *testing.T) {
	c := New(context.Background(), logger)
	g := c.Guard()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, 1, c.Active())

	g.Done()
	select {
	case <-c.Drained():
	case <-time.After(time.Second):
		t.Fatal("release after deadline must still close drained")
	}
}

func TestShutdownCanceled(t *testing.T) {
	c := New(context.Background(), logger)
	c.Guard()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrShutdownTimeout)
}

func TestGuardDoubleRelease(t *testing.T) {
	c := New(context.Background(), logger)
	g1 := c.Guard()
	g2 := c.Guard()

	g1.Done()
	g1.Done()
	assert.Equal(t, 1, c.Active(), "second Done must not release another task")

	g2.Done()
	assert.Equal(t, 0, c.Active())
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestGuardAfterDrain(t *testing.T) {
	c := New(context.Background(), logger)
	require.NoError(t, c.Shutdown(context.Background()))

	g := c.Guard()
	assert.Equal(t, 1, c.Active())
	assert.NotPanics(t, g.Done)
	assert.Equal(t, 0, c.Active())

	done := make(chan struct{})
	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	<-done
	assert.Eventually(t, func() bool { return c.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestGuardAfterTasksDrained(t *testing.T) {
	c := New(context.Background(), logger)
	c.Go(func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	assert.NotPanics(t, func() {
		g := c.Guard()
		g.Done()
	})
}

func TestGoRecoversPanic(t *testing.T) {
	c := New(context.Background(), logger)
	c.Go(func(context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 0, c.Active())
}

func TestParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent, logger)
	cancel()
	<-c.Context().Done()
	assert.False(t, c.Draining(), "parent cancellation only signals tasks")
}
