// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for protomux.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common error types
var (
	// ErrUnauthorized indicates authentication or authorization failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates a protocol-level error.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBackendUnavailable indicates the backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNoMatch indicates that no route accepted a connection.
	ErrNoMatch = errors.New("no route matched")

	// ErrPoolExhausted indicates that the pool could not hand out a connection in time.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates that the pool was closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnect indicates that a new outbound connection could not be established.
	ErrConnect = errors.New("connect failed")

	// ErrStream indicates an I/O failure on an inbound stream.
	ErrStream = errors.New("stream error")
)

// ProxyError wraps an error with additional context. It is the type-erased
// error that crosses layer boundaries: any error can be boxed into it without
// losing the original cause.
type ProxyError struct {
	Op         string // Operation that failed
	Protocol   string // Protocol (tls, http, socks5, mqtt, ...)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// StreamError reports an I/O failure while peeking or relaying an inbound stream.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool { return target == ErrStream }

// NoMatchError is returned by a router without a fallback when no route
// accepted the connection. The connection has already been closed.
type NoMatchError struct {
	RemoteAddr string
	Peeked     int
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no route matched connection from %s after %d bytes", e.RemoteAddr, e.Peeked)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// PoolExhaustedError is returned when a pool key is at capacity and the wait
// policy did not yield a connection.
type PoolExhaustedError struct {
	Key    string
	Waited time.Duration
}

func (e *PoolExhaustedError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("connection pool exhausted for %s after waiting %s", e.Key, e.Waited)
	}
	return fmt.Sprintf("connection pool exhausted for %s", e.Key)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// ConnectError is returned when establishing an outbound connection fails.
type ConnectError struct {
	Key string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Key, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// TimeoutError is returned when a wrapped operation exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout makes TimeoutError satisfy net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary reports false; a timed out operation is not retried implicitly.
func (e *TimeoutError) Temporary() bool { return false }
