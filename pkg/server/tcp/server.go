// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	perrors "github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/extensions"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/service"
	"github.com/absmach/protomux/pkg/shutdown"
	"github.com/bassosimone/safeconn"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// ErrShutdownTimeout is matched by the error Serve returns when connections
// had to be closed forcefully.
var ErrShutdownTimeout = perrors.ErrTimeout

// Config holds the TCP server configuration.
type Config struct {
	// Name labels logs and metrics of this listener.
	Name string

	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener. Leave it nil
	// when TLS is terminated by a route instead.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger

	Metrics *metrics.Metrics
}

// Server accepts connections and hands each one to a connection service,
// typically a router, on its own guarded goroutine.
type Server struct {
	config Config
	svc    service.Service[net.Conn, service.Unit]
	coord  *shutdown.Coordinator

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a new TCP server. Every accepted connection is registered with
// coord so Shutdown waits for it.
func New(cfg Config, svc service.Service[net.Conn, service.Unit], coord *shutdown.Coordinator) *Server {
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config: cfg,
		svc:    svc,
		coord:  coord,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen starts the TCP server and blocks until ctx is cancelled or the
// coordinator starts shutting down.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or the
// coordinator starts shutting down, then drains active connections. Those
// still running after ShutdownTimeout are closed and Serve returns an error
// matching ErrShutdownTimeout.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	guard := s.coord.Guard()
	defer guard.Done()

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	unwatch := context.AfterFunc(s.coord.Context(), stop)
	defer unwatch()
	closeListener := context.AfterFunc(stopCtx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
	})
	defer closeListener()

	// Connections outlive the accept loop until drained or forced.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	s.config.Logger.Info("TCP server started",
		slog.String("listener", s.config.Name),
		slog.String("address", listener.Addr().String()),
	)

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if stopCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d := b.Duration()
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", d),
			)
			select {
			case <-time.After(d):
			case <-stopCtx.Done():
			}
			continue
		}
		b.Reset()

		s.track(conn)
		cg := s.coord.Guard()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cg.Done()
			defer s.untrack(conn)
			s.handleConn(connCtx, conn)
		}()
	}

	s.config.Logger.Info("shutdown signal received, closing listener", slog.String("listener", s.config.Name))
	return s.drain(connCancel)
}

// drain waits for active connections up to ShutdownTimeout and then closes
// what is left.
func (s *Server) drain(cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully", slog.String("listener", s.config.Name))
		return nil
	case <-timer.C:
	}

	n := s.closeAll()
	s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure",
		slog.String("listener", s.config.Name),
		slog.Int("connections", n),
	)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return fmt.Errorf("closed %d connections: %w", n,
		&perrors.TimeoutError{Op: "drain", After: s.config.ShutdownTimeout})
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return len(s.conns)
}

// Active returns the number of connections being served.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleConn serves one client connection. It assigns the session id, seeds
// the connection's extension bag with the session metadata and runs the
// connection service.
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: safeconn.RemoteAddr(inbound),
		Protocol:   "tcp",
	}

	// Extract client certificate if using TLS
	if tlsConn, ok := inbound.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.config.Logger.Debug("TLS handshake failed",
				slog.String("session", hctx.SessionID),
				slog.String("remote", hctx.RemoteAddr),
				slog.String("error", err.Error()),
			)
			s.config.Metrics.ConnectionError(s.config.Name, perrors.Class(err))
			return
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	ctx, ext := extensions.Fork(ctx)
	extensions.Insert(ext, hctx)

	s.config.Logger.Debug("connection accepted",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("local", safeconn.LocalAddr(inbound)),
	)

	err := s.config.Metrics.ObserveConnection(s.config.Name, func() error {
		_, err := s.svc.Serve(ctx, inbound)
		return err
	})
	if err != nil {
		class := perrors.Class(err)
		s.config.Metrics.ConnectionError(s.config.Name, class)
		s.config.Logger.Debug("connection handler error",
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr),
			slog.String("class", class),
			slog.String("error", err.Error()),
		)
	}

	s.config.Logger.Debug("connection closed", slog.String("session", hctx.SessionID))
}
