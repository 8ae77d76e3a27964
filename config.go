// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protomux holds the environment configuration of the protomux
// listener.
package protomux

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/absmach/protomux/pkg/pool"
	"github.com/absmach/protomux/pkg/sni"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every protomux environment variable.
const EnvPrefix = "PROTOMUX_"

// Config is the listener configuration.
type Config struct {
	Address         string        `env:"ADDRESS"          envDefault:":8000"`
	PeekTimeout     time.Duration `env:"PEEK_TIMEOUT"     envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ProxyProtocol accepts PROXY protocol headers from a load balancer in
	// front of the listener. Enable it only when clients cannot connect
	// directly.
	ProxyProtocol bool `env:"PROXY_PROTOCOL" envDefault:"false"`

	// TLS termination. Without a certificate TLS connections are only
	// passed through by server name.
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// Backends. An empty target disables its route.
	HTTPTarget    string `env:"HTTP_TARGET"     envDefault:""`
	WSTarget      string `env:"WS_TARGET"       envDefault:""`
	MQTTTarget    string `env:"MQTT_TARGET"     envDefault:""`
	SOCKS5Enabled bool   `env:"SOCKS5_ENABLED"  envDefault:"false"`
	SNIRoutesFile string `env:"SNI_ROUTES_FILE" envDefault:""`

	Pool      PoolConfig      `envPrefix:"POOL_"`
	Breaker   BreakerConfig   `envPrefix:"BREAKER_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// PoolConfig configures the backend connection pool.
type PoolConfig struct {
	MaxPerKey     int           `env:"MAX_PER_KEY"      envDefault:"64"`
	MaxIdlePerKey int           `env:"MAX_IDLE_PER_KEY" envDefault:"16"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT"     envDefault:"90s"`
	MaxLifetime   time.Duration `env:"MAX_LIFETIME"     envDefault:"30m"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	WaitTimeout   time.Duration `env:"WAIT_TIMEOUT"     envDefault:"5s"`
	HealthCheck   bool          `env:"HEALTH_CHECK"     envDefault:"true"`
}

// BreakerConfig configures the per-backend circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `env:"MAX_FAILURES"  envDefault:"5"`
	ResetTimeout time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
}

// RateLimitConfig configures the per-client rate limits. A zero capacity
// disables a limit.
type RateLimitConfig struct {
	// Connections per remote IP.
	Capacity int64 `env:"CAPACITY" envDefault:"100"`
	Refill   int64 `env:"REFILL"   envDefault:"10"`

	// Publishes per client id.
	PublishCapacity int64 `env:"PUBLISH_CAPACITY" envDefault:"0"`
	PublishRefill   int64 `env:"PUBLISH_REFILL"   envDefault:"0"`
}

// NewConfig parses the environment. opts.Prefix defaults to EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return Config{}, fmt.Errorf("both CERT_FILE and KEY_FILE must be set to terminate TLS")
	}
	return cfg, nil
}

// TLSConfig loads the server certificate. It returns nil when no
// certificate is configured. With a client CA, client certificates are
// required.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1", "mqtt"},
	}
	if c.ClientCAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	cas := x509.NewCertPool()
	if !cas.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.ClientCAFile)
	}
	cfg.ClientCAs = cas
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// HTTPTargetURL parses HTTPTarget, defaulting the scheme to http.
func (c Config) HTTPTargetURL() (*url.URL, error) {
	return targetURL(c.HTTPTarget, "http")
}

// WSTargetURL parses WSTarget, defaulting the scheme to ws.
func (c Config) WSTargetURL() (*url.URL, error) {
	return targetURL(c.WSTarget, "ws")
}

// MQTTBackend parses MQTTTarget as a pool key; host:port means tcp.
func (c Config) MQTTBackend() (pool.Key, error) {
	return sni.ParseBackend(c.MQTTTarget)
}

// Level maps LogLevel to a slog level; unknown values mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func targetURL(raw, scheme string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target %q has no host", raw)
	}
	return u, nil
}
