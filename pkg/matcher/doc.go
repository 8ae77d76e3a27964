// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package matcher classifies connections by protocol.
//
// A Matcher looks at a peeked byte prefix and, optionally, socket and TLS
// metadata, and answers with a Verdict. Byte-signature matchers recognise
// TLS records, SOCKS5 greetings, HAProxy PROXY headers, HTTP/1 request
// lines, the HTTP/2 preface and MQTT CONNECT packets. Socket matchers test
// ports and addresses. TLS matchers test SNI and ALPN. And, Or and Not
// compose any of them.
//
// # Verdicts
//
// Matchers are three-valued so a router can stop peeking as soon as the
// answer is known:
//
//	Accept     the signature is present
//	Reject     the signature cannot be present, whatever comes next
//	Undecided  the prefix agrees with the signature so far but is too short
//
// Once Input.Final is set a matcher never answers Undecided; short input is
// a Reject. Combinators follow three-valued logic, so Not(TLS()) on a single
// 0x16 byte stays Undecided until more bytes arrive or the input is final.
//
// # Signatures
//
//	TLS        0x16 0x03 0x00-0x04
//	SOCKS5     0x05 NMETHODS METHODS...   (methods within a 5-byte window)
//	HAProxyV1  "PROXY "
//	HAProxyV2  \r\n\r\n\x00\r\nQUIT\n
//	HTTP1      "GET " "POST " ... (method token and a space)
//	HTTP2      "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
//	MQTT       0x10 <varint> 0x00 0x04 "MQTT" | 0x00 0x06 "MQIsdp"
package matcher
