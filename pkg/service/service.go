// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Unit is the empty value, used as Out by services that only have effects
// (a connection handler returns Unit once the connection is done).
type Unit struct{}

// Service turns an input into an output or an error. Serve may block and
// must honour ctx cancellation.
type Service[In, Out any] interface {
	Serve(ctx context.Context, in In) (Out, error)
}

// Func adapts a function to a Service.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

var _ Service[Unit, Unit] = Func[Unit, Unit](nil)

// Serve implements Service.
func (f Func[In, Out]) Serve(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// Layer wraps an inner Service into an outer one with the same contract.
type Layer[In, Out any] interface {
	Layer(inner Service[In, Out]) Service[In, Out]
}

// LayerFunc adapts a function to a Layer.
type LayerFunc[In, Out any] func(inner Service[In, Out]) Service[In, Out]

// Layer implements Layer.
func (f LayerFunc[In, Out]) Layer(inner Service[In, Out]) Service[In, Out] {
	return f(inner)
}

// Stack combines layers into one. The first layer is the outermost:
// Stack(a, b).Layer(s) behaves like a.Layer(b.Layer(s)).
func Stack[In, Out any](layers ...Layer[In, Out]) Layer[In, Out] {
	return LayerFunc[In, Out](func(inner Service[In, Out]) Service[In, Out] {
		for i := len(layers) - 1; i >= 0; i-- {
			inner = layers[i].Layer(inner)
		}
		return inner
	})
}

// Apply wraps s with layers, the first layer outermost.
func Apply[In, Out any](s Service[In, Out], layers ...Layer[In, Out]) Service[In, Out] {
	return Stack(layers...).Layer(s)
}

// Then chains two services: the output of first is the input of second. If
// first fails, second is not called.
func Then[A, B, C any](first Service[A, B], second Service[B, C]) Service[A, C] {
	return Func[A, C](func(ctx context.Context, in A) (C, error) {
		mid, err := first.Serve(ctx, in)
		if err != nil {
			var zero C
			return zero, err
		}
		return second.Serve(ctx, mid)
	})
}

// Const returns a service that always yields out.
func Const[In, Out any](out Out) Service[In, Out] {
	return Func[In, Out](func(context.Context, In) (Out, error) {
		return out, nil
	})
}

// Then3 chains three services.
func Then3[A, B, C, D any](s1 Service[A, B], s2 Service[B, C], s3 Service[C, D]) Service[A, D] {
	return Then(s1, Then(s2, s3))
}

// Bind fixes the input of s, yielding a service that takes Unit.
func Bind[In, Out any](s Service[In, Out], in In) Service[Unit, Out] {
	return Func[Unit, Out](func(ctx context.Context, _ Unit) (Out, error) {
		return s.Serve(ctx, in)
	})
}
