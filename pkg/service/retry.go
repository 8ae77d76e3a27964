// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/jpillora/backoff"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// Attempts is the total number of calls, the first one included.
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
	// Retryable decides whether an error is worth another attempt. It
	// defaults to connect failures.
	Retryable func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Min <= 0 {
		p.Min = 50 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	if p.Retryable == nil {
		p.Retryable = func(err error) bool { return stderrors.Is(err, errors.ErrConnect) }
	}
	return p
}

// Retry calls the inner service again on retryable errors, sleeping with
// exponential backoff between attempts. It gives up early when ctx ends and
// returns the last error.
func Retry[In, Out any](policy RetryPolicy) Layer[In, Out] {
	policy = policy.withDefaults()
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			b := &backoff.Backoff{
				Min:    policy.Min,
				Max:    policy.Max,
				Factor: policy.Factor,
				Jitter: policy.Jitter,
			}
			var (
				out Out
				err error
			)
			for attempt := 1; ; attempt++ {
				out, err = inner.Serve(ctx, in)
				if err == nil || attempt >= policy.Attempts || !policy.Retryable(err) {
					return out, err
				}
				t := time.NewTimer(b.Duration())
				select {
				case <-ctx.Done():
					t.Stop()
					return out, err
				case <-t.C:
				}
			}
		})
	})
}
