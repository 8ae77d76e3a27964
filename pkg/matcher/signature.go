// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"bytes"
)

var (
	haproxyV1Signature = []byte("PROXY ")
	haproxyV2Signature = []byte("\x0D\x0A\x0D\x0A\x00\x0D\x0A\x51\x55\x49\x54\x0A")
	http2Preface       = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

	mqttProtocolNames = [][]byte{
		[]byte("\x00\x04MQTT"),   // 3.1.1 and 5
		[]byte("\x00\x06MQIsdp"), // 3.1
	}
)

// DefaultHTTPMethods are the request methods recognised by HTTP1.
var DefaultHTTPMethods = []string{
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "CONNECT", "TRACE", "PATCH",
}

// signature compares the available prefix with sig.
func signature(in *Input, prefix, sig []byte) Verdict {
	n := min(len(prefix), len(sig))
	if !bytes.Equal(prefix[:n], sig[:n]) {
		return Reject
	}
	if n < len(sig) {
		return short(in)
	}
	return Accept
}

// short is the verdict for input that agrees with a signature but is
// truncated.
func short(in *Input) Verdict {
	if in.Final {
		return Reject
	}
	return Undecided
}

type prefixMatcher []byte

// Prefix accepts connections starting with sig.
func Prefix(sig []byte) Matcher {
	return prefixMatcher(append([]byte(nil), sig...))
}

func (p prefixMatcher) Check(in *Input) Verdict { return signature(in, in.Prefix, p) }
func (p prefixMatcher) Needs() Needs            { return Needs{Prefix: len(p)} }

// HAProxyV1 accepts the text PROXY protocol header.
func HAProxyV1() Matcher { return prefixMatcher(haproxyV1Signature) }

// HAProxyV2 accepts the binary PROXY protocol header.
func HAProxyV2() Matcher { return prefixMatcher(haproxyV2Signature) }

// HAProxy accepts either PROXY protocol version.
func HAProxy() Matcher { return Or(HAProxyV1(), HAProxyV2()) }

// HTTP2 accepts the HTTP/2 client connection preface (prior knowledge h2c).
func HTTP2() Matcher { return prefixMatcher(http2Preface) }

// HTTP2PrefaceLen is the length of the HTTP/2 client preface.
const HTTP2PrefaceLen = 24

type tlsMatcher struct{}

// TLS accepts a TLS handshake record header: content type 0x16 followed by
// a record version from 0x0301 to 0x0304. SSL 3.0 (0x0300) is rejected.
func TLS() Matcher { return tlsMatcher{} }

func (tlsMatcher) Check(in *Input) Verdict {
	b := in.Prefix
	switch {
	case len(b) >= 1 && b[0] != 0x16:
		return Reject
	case len(b) >= 2 && b[1] != 0x03:
		return Reject
	case len(b) >= 3 && (b[2] < 0x01 || b[2] > 0x04):
		return Reject
	case len(b) < 3:
		return short(in)
	}
	return Accept
}

func (tlsMatcher) Needs() Needs { return Needs{Prefix: 3} }

const socks5PeekLen = 5

type socks5Matcher struct{}

// SOCKS5 accepts a SOCKS5 client greeting: version 5, a non-zero method
// count, and only known authentication methods among the offered methods
// that fit a 5-byte window.
func SOCKS5() Matcher { return socks5Matcher{} }

func (socks5Matcher) Check(in *Input) Verdict {
	b := in.Prefix
	if len(b) >= 1 && b[0] != 0x05 {
		return Reject
	}
	if len(b) < 2 {
		return short(in)
	}
	nmethods := int(b[1])
	if nmethods == 0 {
		return Reject
	}
	end := min(2+nmethods, socks5PeekLen)
	for _, m := range b[2:min(end, len(b))] {
		if !knownSOCKS5Method(m) {
			return Reject
		}
	}
	if len(b) < end {
		return short(in)
	}
	return Accept
}

func (socks5Matcher) Needs() Needs { return Needs{Prefix: socks5PeekLen} }

// knownSOCKS5Method reports whether m is an IANA assigned or private method.
func knownSOCKS5Method(m byte) bool {
	switch {
	case m <= 0x03:
		return true
	case m >= 0x05 && m <= 0x09:
		return true
	case m >= 0x80 && m <= 0xFE:
		return true
	}
	return false
}

type http1Matcher struct {
	tokens [][]byte
	needs  int
}

// HTTP1 accepts an HTTP/1.x request line starting with one of methods
// followed by a space. With no methods, DefaultHTTPMethods is used.
func HTTP1(methods ...string) Matcher {
	if len(methods) == 0 {
		methods = DefaultHTTPMethods
	}
	m := http1Matcher{}
	for _, method := range methods {
		tok := []byte(method + " ")
		m.tokens = append(m.tokens, tok)
		m.needs = max(m.needs, len(tok))
	}
	return m
}

func (m http1Matcher) Check(in *Input) Verdict {
	out := Reject
	for _, tok := range m.tokens {
		switch signature(in, in.Prefix, tok) {
		case Accept:
			return Accept
		case Undecided:
			out = Undecided
		}
	}
	return out
}

func (m http1Matcher) Needs() Needs { return Needs{Prefix: m.needs} }

type mqttMatcher struct{}

// MQTT accepts an MQTT CONNECT packet (protocol levels 3.1 to 5).
func MQTT() Matcher { return mqttMatcher{} }

func (mqttMatcher) Check(in *Input) Verdict {
	b := in.Prefix
	if len(b) >= 1 && b[0] != 0x10 {
		return Reject
	}
	// Remaining length is a varint of at most four bytes.
	i := 1
	for ; ; i++ {
		if i >= len(b) {
			return short(in)
		}
		if i > 4 {
			return Reject
		}
		if b[i]&0x80 == 0 {
			i++
			break
		}
	}
	out := Reject
	for _, name := range mqttProtocolNames {
		switch signature(in, b[i:], name) {
		case Accept:
			return Accept
		case Undecided:
			out = Undecided
		}
	}
	return out
}

func (mqttMatcher) Needs() Needs { return Needs{Prefix: 1 + 4 + 8} }
