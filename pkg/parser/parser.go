// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"
	"fmt"
	"io"

	"github.com/absmach/protomux/pkg/handler"
)

// Direction is the side a packet travels toward.
type Direction int

const (
	// Upstream carries client packets to the backend.
	Upstream Direction = iota
	// Downstream carries backend packets to the client.
	Downstream
)

func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	}
	return "unknown"
}

// Parser moves exactly one protocol message from r to w per call. It reads
// credentials into hctx and consults h before forwarding upstream messages.
//
// Parse returns io.EOF when r ends cleanly, a *Rejection when the sender
// should get a final reply, and any other error to abort the session.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, w io.Writer, dir Direction, h handler.Handler, hctx *handler.Context) error
}

// Func adapts a function to the Parser interface.
type Func func(ctx context.Context, r io.Reader, w io.Writer, dir Direction, h handler.Handler, hctx *handler.Context) error

func (f Func) Parse(ctx context.Context, r io.Reader, w io.Writer, dir Direction, h handler.Handler, hctx *handler.Context) error {
	return f(ctx, r, w, dir, h, hctx)
}

// Rejection refuses a message and carries the reply owed to its sender,
// such as an MQTT CONNACK with a refusal code. Stream delivers Reply to the
// client before closing both sides.
type Rejection struct {
	Reply []byte
	Err   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected: %v", r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }
