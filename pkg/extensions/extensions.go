// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package extensions implements a typed, insert-only bag of values that
// travels with a connection or request across service layers.
//
// Values are keyed by their static type. Inserting a value never replaces
// an earlier one: Get returns the latest insert of a type and All returns
// every insert in order. Layers that must not leak values to their callers
// work on a Fork, which sees everything of its parent while its own inserts
// stay invisible to the parent.
package extensions

import "context"

type key[T any] struct{}

// Extensions is owned by the goroutine serving one connection and is not
// safe for concurrent mutation. Reading a parent while a child is inserted
// into is safe: a child never writes to its parent.
type Extensions struct {
	parent *Extensions
	values map[any][]any
}

// New returns an empty bag.
func New() *Extensions {
	return &Extensions{}
}

// Fork returns a child bag that sees every value of e. Inserts into the
// child are not visible through e.
func (e *Extensions) Fork() *Extensions {
	return &Extensions{parent: e}
}

// Len returns the number of values inserted into e and its ancestors.
func (e *Extensions) Len() int {
	n := 0
	for x := e; x != nil; x = x.parent {
		for _, vs := range x.values {
			n += len(vs)
		}
	}
	return n
}

// Insert adds v to e. Earlier values of type T stay visible through All.
func Insert[T any](e *Extensions, v T) {
	if e.values == nil {
		e.values = make(map[any][]any)
	}
	k := key[T]{}
	e.values[k] = append(e.values[k], v)
}

// Get returns the most recently inserted value of type T, looking at e
// before its ancestors.
func Get[T any](e *Extensions) (T, bool) {
	k := key[T]{}
	for x := e; x != nil; x = x.parent {
		if vs := x.values[k]; len(vs) > 0 {
			return vs[len(vs)-1].(T), true
		}
	}
	var zero T
	return zero, false
}

// Has reports whether a value of type T is present.
func Has[T any](e *Extensions) bool {
	_, ok := Get[T](e)
	return ok
}

// All returns every value of type T, oldest first, ancestors before e.
func All[T any](e *Extensions) []T {
	var chain []*Extensions
	for x := e; x != nil; x = x.parent {
		chain = append(chain, x)
	}
	k := key[T]{}
	var out []T
	for i := len(chain) - 1; i >= 0; i-- {
		for _, v := range chain[i].values[k] {
			out = append(out, v.(T))
		}
	}
	return out
}

type ctxKey struct{}

// WithExtensions returns a context carrying e.
func WithExtensions(ctx context.Context, e *Extensions) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// FromContext returns the bag carried by ctx, or nil.
func FromContext(ctx context.Context) *Extensions {
	e, _ := ctx.Value(ctxKey{}).(*Extensions)
	return e
}

// Fork returns a context carrying a fork of the bag in ctx, creating a new
// bag when ctx has none.
func Fork(ctx context.Context) (context.Context, *Extensions) {
	parent := FromContext(ctx)
	var child *Extensions
	if parent == nil {
		child = New()
	} else {
		child = parent.Fork()
	}
	return WithExtensions(ctx, child), child
}

// Lookup is Get on the bag carried by ctx.
func Lookup[T any](ctx context.Context) (T, bool) {
	e := FromContext(ctx)
	if e == nil {
		var zero T
		return zero, false
	}
	return Get[T](e)
}
