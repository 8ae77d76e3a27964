// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimit allows at most n calls of the inner service in flight.
// Extra callers wait for a slot or for their context to end. The semaphore
// is shared by every service the returned layer wraps.
func ConcurrencyLimit[In, Out any](n int64) Layer[In, Out] {
	sem := semaphore.NewWeighted(n)
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				var zero Out
				return zero, err
			}
			defer sem.Release(1)
			return inner.Serve(ctx, in)
		})
	})
}
