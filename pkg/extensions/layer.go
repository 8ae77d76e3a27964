// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extensions

import (
	"context"

	"github.com/absmach/protomux/pkg/service"
)

// AddLayer inserts v into a fork of the request bag before calling the
// inner service, so the value is visible to everything inside and nothing
// outside.
func AddLayer[In, Out, T any](v T) service.Layer[In, Out] {
	return service.LayerFunc[In, Out](func(inner service.Service[In, Out]) service.Service[In, Out] {
		return service.Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			ctx, ext := Fork(ctx)
			Insert(ext, v)
			return inner.Serve(ctx, in)
		})
	})
}
