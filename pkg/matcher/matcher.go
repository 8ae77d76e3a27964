// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"net"
)

// Verdict is the outcome of checking a connection against a Matcher.
type Verdict uint8

const (
	// Reject means the connection does not belong to the protocol, whatever
	// bytes arrive next.
	Reject Verdict = iota
	// Accept means the connection belongs to the protocol.
	Accept
	// Undecided means the available input is consistent with the protocol
	// but too short to be sure.
	Undecided
)

func (v Verdict) String() string {
	switch v {
	case Reject:
		return "reject"
	case Accept:
		return "accept"
	case Undecided:
		return "undecided"
	default:
		return "unknown"
	}
}

// TLSInfo is the TLS metadata visible to matchers, taken either from a
// peeked ClientHello or from a terminated connection.
type TLSInfo struct {
	ServerName string
	// ALPN holds the protocols offered by the client, or the single
	// negotiated protocol once the handshake completed.
	ALPN       []string
	Terminated bool
}

// Input is what a Matcher inspects.
type Input struct {
	// Prefix holds the bytes peeked so far. It may be shorter than what the
	// matcher asked for.
	Prefix     []byte
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	TLS        *TLSInfo
	// Final is set once no more prefix bytes will arrive (EOF, peek timeout
	// or peek limit reached).
	Final bool
}

// Needs describes how much input a matcher inspects.
type Needs struct {
	// Prefix is the number of leading bytes the matcher looks at.
	Prefix int
	// ClientHello is set when the matcher reads SNI or ALPN and therefore
	// needs the ClientHello parsed before TLS termination.
	ClientHello bool
}

// Merge returns the union of two requirements.
func (n Needs) Merge(o Needs) Needs {
	return Needs{
		Prefix:      max(n.Prefix, o.Prefix),
		ClientHello: n.ClientHello || o.ClientHello,
	}
}

// Matcher classifies a connection. Implementations are stateless and safe
// for concurrent use. A matcher never accepts on input shorter than its
// signature; it answers Undecided instead, or Reject when Input.Final is set.
type Matcher interface {
	Check(in *Input) Verdict
	Needs() Needs
}

// Match reports whether m accepts in. Undecided counts as no match.
func Match(m Matcher, in *Input) bool {
	return m.Check(in) == Accept
}

// Func adapts a function to a Matcher.
func Func(needs Needs, fn func(in *Input) Verdict) Matcher {
	return funcMatcher{needs: needs, fn: fn}
}

type funcMatcher struct {
	needs Needs
	fn    func(in *Input) Verdict
}

func (m funcMatcher) Check(in *Input) Verdict { return m.fn(in) }
func (m funcMatcher) Needs() Needs            { return m.needs }

// Always accepts every connection.
func Always() Matcher {
	return Func(Needs{}, func(*Input) Verdict { return Accept })
}

// Never rejects every connection.
func Never() Matcher {
	return Func(Needs{}, func(*Input) Verdict { return Reject })
}

type and []Matcher

// And accepts when every matcher accepts. An empty And accepts.
func And(ms ...Matcher) Matcher {
	return and(ms)
}

func (a and) Check(in *Input) Verdict {
	out := Accept
	for _, m := range a {
		switch m.Check(in) {
		case Reject:
			return Reject
		case Undecided:
			out = Undecided
		}
	}
	return out
}

func (a and) Needs() Needs { return mergeNeeds(a) }

type or []Matcher

// Or accepts when any matcher accepts. An empty Or rejects.
func Or(ms ...Matcher) Matcher {
	return or(ms)
}

func (o or) Check(in *Input) Verdict {
	out := Reject
	for _, m := range o {
		switch m.Check(in) {
		case Accept:
			return Accept
		case Undecided:
			out = Undecided
		}
	}
	return out
}

func (o or) Needs() Needs { return mergeNeeds(o) }

type not struct {
	m Matcher
}

// Not inverts m. Undecided stays undecided.
func Not(m Matcher) Matcher {
	return not{m: m}
}

func (n not) Check(in *Input) Verdict {
	switch n.m.Check(in) {
	case Accept:
		return Reject
	case Reject:
		return Accept
	default:
		return Undecided
	}
}

func (n not) Needs() Needs { return n.m.Needs() }

func mergeNeeds(ms []Matcher) Needs {
	var n Needs
	for _, m := range ms {
		n = n.Merge(m.Needs())
	}
	return n
}
