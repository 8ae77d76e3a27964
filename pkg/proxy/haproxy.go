// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/peek"
	"github.com/absmach/protomux/pkg/router"
	"github.com/absmach/protomux/pkg/service"
	"github.com/pires/go-proxyproto"
)

// Header describes a decoded PROXY protocol header. It is inserted into the
// connection extensions.
type Header struct {
	Version     byte
	Source      net.Addr
	Destination net.Addr
	// Local is set for LOCAL commands, which carry no client address.
	Local bool
}

// HAProxy is a router.Handler that decodes a PROXY protocol v1 or v2 header
// and hands the rest of the stream to Inner. The connection Inner sees
// reports the original client and destination addresses, and the session
// remote address is replaced with the client's.
type HAProxy struct {
	Inner router.Handler
	// Timeout bounds reading the header. Zero means 5s.
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ router.Handler = (*HAProxy)(nil)

// Serve implements router.Handler.
func (h *HAProxy) Serve(ctx context.Context, conn net.Conn) (service.Unit, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	br := bufio.NewReader(conn)
	hdr, err := proxyproto.Read(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return service.Unit{}, fmt.Errorf("invalid proxy protocol header: %w",
			&errors.StreamError{Op: "proxy header", Err: err})
	}

	// Bytes read past the header belong to the next protocol.
	rest, _ := br.Peek(br.Buffered())
	next := net.Conn(peek.Replay(conn, rest))

	info := Header{Version: hdr.Version, Local: hdr.Command.IsLocal()}
	if !info.Local {
		info.Source, info.Destination = hdr.SourceAddr, hdr.DestinationAddr
		next = &addrConn{Conn: next, local: hdr.DestinationAddr, remote: hdr.SourceAddr}
		if hdr.SourceAddr != nil {
			session(ctx, conn, "").RemoteAddr = hdr.SourceAddr.String()
		}
	}

	ctx, ext := extensions.Fork(ctx)
	extensions.Insert(ext, info)
	if h.Logger != nil {
		h.Logger.Debug("proxy protocol header decoded",
			slog.Int("version", int(info.Version)),
			slog.Bool("local", info.Local),
			slog.Any("source", info.Source))
	}
	return h.Inner.Serve(ctx, next)
}
