// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http authorizes HTTP requests in front of the protomux reverse
// proxy. HTTP has no packets to step through, so Parser is an http.Handler
// that runs the hooks once per request and then calls the next handler.
//
// Credentials come from the first of:
//
//	Authorization: Basic ...    Username and Password
//	?authorization=<token>      Password
//	Authorization: <anything>   Password
//
// Every request goes through AuthConnect. POST, PUT and PATCH also go
// through AuthPublish with the request URI as topic and the body, read up
// to MaxBody, as payload. A rewritten topic replaces the request URI and a
// rewritten payload replaces the body. Refusals answer 401 for AuthConnect,
// 403 for AuthPublish and 413 for an oversized body.
//
// Each request gets its own copy of the connection session with Protocol
// set to "http". An X-Request-ID header overrides the session id. The
// authorized copy is inserted into the request extensions for the next
// handler.
package http
