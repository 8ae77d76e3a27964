// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	stderrors "errors"
)

// ErrEmpty is returned by the zero value of Either and Either3, which hold
// no service.
var ErrEmpty = stderrors.New("service: no service held")

// Either holds exactly one of two services sharing a contract. It lets a
// builder pick an implementation at construction time while returning a
// single concrete type.
type Either[In, Out any] struct {
	left  Service[In, Out]
	right Service[In, Out]
}

var _ Service[Unit, Unit] = Either[Unit, Unit]{}

// Left returns an Either holding s in its first slot.
func Left[In, Out any](s Service[In, Out]) Either[In, Out] {
	return Either[In, Out]{left: s}
}

// Right returns an Either holding s in its second slot.
func Right[In, Out any](s Service[In, Out]) Either[In, Out] {
	return Either[In, Out]{right: s}
}

// IsLeft reports whether the first slot is populated.
func (e Either[In, Out]) IsLeft() bool { return e.left != nil }

// Serve delegates to whichever service is held.
func (e Either[In, Out]) Serve(ctx context.Context, in In) (Out, error) {
	switch {
	case e.left != nil:
		return e.left.Serve(ctx, in)
	case e.right != nil:
		return e.right.Serve(ctx, in)
	}
	var zero Out
	return zero, ErrEmpty
}

// Either3 holds exactly one of three services.
type Either3[In, Out any] struct {
	which int
	s     Service[In, Out]
}

var _ Service[Unit, Unit] = Either3[Unit, Unit]{}

// First, Second and Third construct an Either3.
func First[In, Out any](s Service[In, Out]) Either3[In, Out] {
	return Either3[In, Out]{which: 0, s: s}
}

func Second[In, Out any](s Service[In, Out]) Either3[In, Out] {
	return Either3[In, Out]{which: 1, s: s}
}

func Third[In, Out any](s Service[In, Out]) Either3[In, Out] {
	return Either3[In, Out]{which: 2, s: s}
}

// Which returns the populated slot, 0 to 2.
func (e Either3[In, Out]) Which() int { return e.which }

// Serve delegates to the held service.
func (e Either3[In, Out]) Serve(ctx context.Context, in In) (Out, error) {
	if e.s == nil {
		var zero Out
		return zero, ErrEmpty
	}
	return e.s.Serve(ctx, in)
}
