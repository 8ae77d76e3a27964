// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Recover when the inner service panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Recover turns panics in the inner service into *PanicError and logs them
// with the stack trace.
func Recover[In, Out any](logger *slog.Logger) Layer[In, Out] {
	if logger == nil {
		logger = slog.Default()
	}
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (out Out, err error) {
			defer func() {
				if v := recover(); v != nil {
					stack := debug.Stack()
					logger.ErrorContext(ctx, "panic in service",
						slog.Any("panic", v),
						slog.String("stack", string(stack)),
					)
					var zero Out
					out, err = zero, &PanicError{Value: v, Stack: stack}
				}
			}()
			return inner.Serve(ctx, in)
		})
	})
}
