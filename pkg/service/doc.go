// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service is the request-processing core shared by every layer of
// protomux: transport handlers, the dialer behind the connection pool and
// the protocol routers are all Services.
//
// # Services and layers
//
// A Service[In, Out] turns an input into an output or an error. A Layer
// wraps a Service to add cross-cutting behaviour (timeouts, panic recovery,
// logging, retries, concurrency limits) without changing its contract:
//
//	dial := service.Apply[pool.Key, net.Conn](netDialer,
//		service.Log[pool.Key, net.Conn](logger, "dial"),
//		service.Retry[pool.Key, net.Conn](service.RetryPolicy{Attempts: 3}),
//		service.Timeout[pool.Key, net.Conn]("dial", 5*time.Second),
//	)
//
// The first layer given is the outermost. Stack is associative:
// Stack(Stack(a, b), c) and Stack(a, Stack(b, c)) build the same service.
//
// # Errors
//
// Leaf services return their own typed errors. Generic layers never need
// to know them: Box erases the type into *errors.ProxyError while keeping
// the cause reachable through errors.Is and errors.As.
//
// # Branching
//
// Either and Either3 select between a small fixed set of services at
// construction time. Open-ended, runtime-selected collections (such as the
// routes of a router) hold plain Service interface values.
package service
