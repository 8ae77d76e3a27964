// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"time"

	"github.com/absmach/protomux/pkg/errors"
)

// Timeout bounds each call of the inner service by d. When d elapses the
// caller gets *errors.TimeoutError right away; the inner call keeps running
// with a cancelled context and, if it still produces a value implementing
// io.Closer, that value is closed. A non-positive d disables the layer.
func Timeout[In, Out any](op string, d time.Duration) Layer[In, Out] {
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		if d <= 0 {
			return inner
		}
		return &timeout[In, Out]{op: op, d: d, inner: inner}
	})
}

type timeout[In, Out any] struct {
	op    string
	d     time.Duration
	inner Service[In, Out]
}

type result[Out any] struct {
	out Out
	err error
}

func (t *timeout[In, Out]) Serve(parent context.Context, in In) (Out, error) {
	ctx, cancel := context.WithTimeout(parent, t.d)
	defer cancel()

	done := make(chan result[Out], 1)
	go func() {
		out, err := t.inner.Serve(ctx, in)
		done <- result[Out]{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		go discard(done)
		var zero Out
		if err := parent.Err(); err != nil {
			return zero, err
		}
		return zero, &errors.TimeoutError{Op: t.op, After: t.d}
	}
}

// discard releases the result of a call that finished after its caller gave up.
func discard[Out any](done <-chan result[Out]) {
	r := <-done
	if r.err != nil {
		return
	}
	if c, ok := any(r.out).(io.Closer); ok && c != nil {
		_ = c.Close()
	}
}
