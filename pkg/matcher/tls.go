// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// ClientHelloLimit is the largest prefix ParseClientHello will ask for: one
// full TLS record plus its header.
const ClientHelloLimit = 5 + 16384

var (
	// ErrNotTLS is returned by ParseClientHello for non-handshake records.
	ErrNotTLS = errors.New("not a tls handshake record")

	errAbortHandshake = errors.New("abort tls handshake after clienthello")
)

// ParseClientHello extracts SNI and offered ALPN protocols from a peeked
// TLS record without consuming it. complete is false while the first record
// has not been fully buffered; callers peek more and try again.
func ParseClientHello(prefix []byte) (info *TLSInfo, complete bool, err error) {
	if len(prefix) >= 1 && prefix[0] != 0x16 {
		return nil, true, ErrNotTLS
	}
	if len(prefix) < 5 {
		return nil, false, nil
	}
	recordLen := int(prefix[3])<<8 | int(prefix[4])
	if recordLen == 0 || 5+recordLen > ClientHelloLimit {
		return nil, true, fmt.Errorf("tls record length %d out of range", recordLen)
	}
	if len(prefix) < 5+recordLen {
		return nil, false, nil
	}

	conn := &recordConn{r: bytes.NewReader(prefix[:5+recordLen])}
	srv := tls.Server(conn, &tls.Config{
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			info = &TLSInfo{
				ServerName: strings.ToLower(chi.ServerName),
				ALPN:       slices.Clone(chi.SupportedProtos),
			}
			return nil, errAbortHandshake
		},
	})
	hsErr := srv.Handshake()
	if info == nil {
		if hsErr == nil {
			hsErr = errors.New("clienthello not found")
		}
		return nil, true, fmt.Errorf("parse clienthello: %w", hsErr)
	}
	return info, true, nil
}

// recordConn feeds recorded bytes to crypto/tls and discards its writes.
type recordConn struct {
	r *bytes.Reader
}

func (c *recordConn) Read(p []byte) (int, error)         { return c.r.Read(p) }
func (c *recordConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// tlsPending answers for TLS metadata matchers when no TLSInfo is attached.
func tlsPending(in *Input) Verdict {
	if TLS().Check(in) == Reject {
		return Reject
	}
	return short(in)
}

// MatchDomain checks if host matches pattern.
// Supported patterns:
//   - "example.com"     exact match
//   - "*.example.com"   any subdomain (api.example.com, not example.com)
//   - "api.*"           api.com, api.io, ...
//   - "*"               everything
func MatchDomain(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	switch {
	case pattern == host:
		return true
	case pattern == "*":
		return host != ""
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(host, pattern[:len(pattern)-1])
	}
	return false
}

// SNI accepts TLS connections whose server name matches one of patterns
// (see MatchDomain).
func SNI(patterns ...string) Matcher {
	return Func(Needs{Prefix: 3, ClientHello: true}, func(in *Input) Verdict {
		if in.TLS == nil {
			return tlsPending(in)
		}
		for _, p := range patterns {
			if MatchDomain(p, in.TLS.ServerName) {
				return Accept
			}
		}
		return Reject
	})
}

// ALPN accepts TLS connections that offered or negotiated one of protos.
func ALPN(protos ...string) Matcher {
	return Func(Needs{Prefix: 3, ClientHello: true}, func(in *Input) Verdict {
		if in.TLS == nil {
			return tlsPending(in)
		}
		for _, p := range in.TLS.ALPN {
			if slices.Contains(protos, p) {
				return Accept
			}
		}
		return Reject
	})
}

// Terminated accepts connections whose TLS layer has already been removed.
func Terminated() Matcher {
	return Func(Needs{}, func(in *Input) Verdict {
		return decided(in.TLS != nil && in.TLS.Terminated)
	})
}
