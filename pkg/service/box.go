// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	stderrors "errors"

	"github.com/absmach/protomux/pkg/errors"
)

// Box erases the concrete error type of the inner service into
// *errors.ProxyError carrying op and protocol. The original error stays
// reachable through errors.Is and errors.As. Errors that are already boxed
// pass through unchanged.
func Box[In, Out any](op, protocol string) Layer[In, Out] {
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			out, err := inner.Serve(ctx, in)
			if err == nil {
				return out, nil
			}
			var pe *errors.ProxyError
			if stderrors.As(err, &pe) {
				return out, err
			}
			return out, &errors.ProxyError{Op: op, Protocol: protocol, Err: err}
		})
	})
}

// MapErr rewrites errors of the inner service with fn.
func MapErr[In, Out any](fn func(error) error) Layer[In, Out] {
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			out, err := inner.Serve(ctx, in)
			if err != nil {
				return out, fn(err)
			}
			return out, nil
		})
	})
}
