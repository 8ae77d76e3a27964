// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Key identifies a set of interchangeable outbound connections. Keys are
// comparable values: two keys built from the same destination are equal and
// hash identically.
type Key struct {
	// Scheme is one of tcp, tls, http, https, ws or wss.
	Scheme string
	Host   string
	Port   uint16
	// ALPN is the single protocol offered on TLS connections, if any.
	ALPN string
	// TLSProfile names the client TLS configuration used by the dialer.
	TLSProfile string
}

var defaultPorts = map[string]uint16{
	"http":  80,
	"ws":    80,
	"https": 443,
	"wss":   443,
	"tls":   443,
}

// KeyFromURL derives a key from a target URL. Scheme and host are lowercased
// and a missing port is taken from the scheme.
func KeyFromURL(u *url.URL) (Key, error) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Key{}, fmt.Errorf("url %q has no host", u.String())
	}
	port, ok := defaultPorts[scheme]
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Key{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		port, ok = uint16(n), true
	}
	if !ok {
		return Key{}, fmt.Errorf("url %q has no port", u.String())
	}
	return Key{Scheme: scheme, Host: host, Port: port}, nil
}

// ParseKey parses scheme://host:port.
func ParseKey(s string) (Key, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Key{}, err
	}
	return KeyFromURL(u)
}

// Address returns host:port.
func (k Key) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

// TLS reports whether connections for k are TLS client connections.
func (k Key) TLS() bool {
	switch k.Scheme {
	case "tls", "https", "wss":
		return true
	}
	return false
}

// String renders k as scheme://host:port with optional alpn and profile.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Scheme)
	b.WriteString("://")
	b.WriteString(k.Address())
	if k.ALPN != "" {
		b.WriteString("#alpn=")
		b.WriteString(k.ALPN)
	}
	if k.TLSProfile != "" {
		b.WriteString("#tls=")
		b.WriteString(k.TLSProfile)
	}
	return b.String()
}
