// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/protomux"
	"github.com/absmach/protomux/examples/simple"
	"github.com/absmach/protomux/pkg/breaker"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/health"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/proxy"
	"github.com/absmach/protomux/pkg/ratelimit"
	"github.com/absmach/protomux/pkg/server/tcp"
	"github.com/absmach/protomux/pkg/service"
	"github.com/absmach/protomux/pkg/shutdown"
	"github.com/absmach/protomux/pkg/sni"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	dialAttempts  = 3
	shutdownGrace = 5 * time.Second
	healthTTL     = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg, err := protomux.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Level(), cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("protomux terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("protomux stopped")
}

func run(ctx context.Context, cfg protomux.Config, logger *slog.Logger) error {
	m := metrics.New("protomux", prometheus.DefaultRegisterer)
	coord := shutdown.New(context.Background(), logger)

	breakers := breaker.NewGroup(breaker.Config{
		Name:             "backend",
		MaxFailures:      cfg.Breaker.MaxFailures,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: 1,
		Logger:           logger,
		Metrics:          m,
	})

	connPool := pool.New(newDialer(cfg.Pool, breakers, logger), pool.Config{
		MaxPerKey:       cfg.Pool.MaxPerKey,
		MaxIdlePerKey:   cfg.Pool.MaxIdlePerKey,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		MaxConnLifetime: cfg.Pool.MaxLifetime,
		DialTimeout:     dialAttempts*cfg.Pool.DialTimeout + shutdownGrace,
		WaitTimeout:     cfg.Pool.WaitTimeout,
		HealthCheck:     cfg.Pool.HealthCheck,
		Logger:          logger,
		Metrics:         m,
	})
	defer connPool.Close()

	var h handler.Handler = simple.New(logger)
	if cfg.RateLimit.PublishCapacity > 0 {
		publishes := ratelimit.NewLimiter(cfg.RateLimit.PublishCapacity, cfg.RateLimit.PublishRefill, 0)
		defer publishes.Close()
		h = &publishLimiter{Handler: h, limiter: publishes, metrics: m, logger: logger}
	}
	h = handler.Instrument(h, m)

	var resolver proxy.Resolver
	if cfg.SNIRoutesFile != "" {
		watcher, err := sni.NewWatcher(cfg.SNIRoutesFile, sni.DefaultDebounce, logger)
		if err != nil {
			return fmt.Errorf("failed to load SNI routes: %w", err)
		}
		resolver = watcher
		coord.Go(func(ctx context.Context) {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("SNI route watcher stopped", slog.String("error", err.Error()))
			}
		})
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}

	s := stack{
		cfg:     cfg,
		pool:    connPool,
		handler: h,
		drain:   coord.Context().Done(),
		logger:  logger,
		metrics: m,
	}
	top, err := s.build(resolver, tlsCfg)
	if err != nil {
		return err
	}

	layers := []service.Layer[net.Conn, service.Unit]{service.Recover[net.Conn, service.Unit](logger)}
	if cfg.RateLimit.Capacity > 0 {
		conns := ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.Refill, 0)
		defer conns.Close()
		layers = append(layers, ratelimit.Layer(conns, ratelimit.LayerConfig{
			Protocol: "protomux",
			Logger:   logger,
			Metrics:  m,
		}))
	}
	srv := tcp.New(tcp.Config{
		Name:            "protomux",
		Address:         cfg.Address,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
	}, service.Apply[net.Conn, service.Unit](top, layers...), coord)

	checker := health.NewChecker(healthTTL)
	checker.Register("drain", health.DrainCheck(coord), health.Critical(), health.Uncached())
	checker.Register("pool", health.PoolCheck(connPool), health.Critical())
	checker.Register("breakers", health.BreakerCheck(breakers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(gctx)
	})
	g.Go(func() error {
		return serveHTTP(metricsServer(cfg.MetricsPort), coord.Drained(), logger)
	})
	g.Go(func() error {
		return serveHTTP(healthServer(cfg.HealthPort, checker), coord.Drained(), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+shutdownGrace)
		defer cancel()
		return coord.Shutdown(sctx)
	})

	return g.Wait()
}

// newDialer stacks retries, a circuit breaker per backend and a per-attempt
// timeout on top of the network dialer.
func newDialer(cfg protomux.PoolConfig, breakers *breaker.Group, logger *slog.Logger) pool.Dialer {
	return service.Apply[pool.Key, net.Conn](&pool.NetDialer{},
		service.Log[pool.Key, net.Conn](logger, "dial"),
		service.Retry[pool.Key, net.Conn](service.RetryPolicy{Attempts: dialAttempts, Jitter: true}),
		breaker.KeyedLayer[pool.Key, net.Conn](breakers, pool.Key.String),
		service.Timeout[pool.Key, net.Conn]("dial", cfg.DialTimeout),
	)
}

// newLogger creates a structured logger with the given level and format.
func newLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func metricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return newHTTPServer(port, mux)
}

func healthServer(port int, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return newHTTPServer(port, mux)
}

func newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveHTTP runs srv until stop is closed.
func serveHTTP(srv *http.Server, stop <-chan struct{}, logger *slog.Logger) error {
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown", slog.String("address", srv.Addr), slog.String("error", err.Error()))
		}
	}()

	logger.Info("http server started", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
	return nil
}
