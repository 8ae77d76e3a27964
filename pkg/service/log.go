// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/protomux/pkg/errors"
)

// Log records the duration and outcome of every call at debug level, and
// failures at warn level with their error class.
func Log[In, Out any](logger *slog.Logger, op string) Layer[In, Out] {
	if logger == nil {
		logger = slog.Default()
	}
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		return Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			start := time.Now()
			out, err := inner.Serve(ctx, in)
			elapsed := time.Since(start)
			if err != nil {
				logger.WarnContext(ctx, op+" failed",
					slog.Duration("duration", elapsed),
					slog.String("class", errors.Class(err)),
					slog.String("error", err.Error()),
				)
				return out, err
			}
			logger.DebugContext(ctx, op+" done", slog.Duration("duration", elapsed))
			return out, nil
		})
	})
}
