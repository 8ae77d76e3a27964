// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protomux

import (
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/protomux/pkg/pool"
	"github.com/caarlos0/env/v11"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Address != ":8000" {
		t.Errorf("Address = %q, want %q", cfg.Address, ":8000")
	}
	if cfg.PeekTimeout != 5*time.Second {
		t.Errorf("PeekTimeout = %v, want 5s", cfg.PeekTimeout)
	}
	if cfg.Pool.MaxPerKey != 64 || cfg.Pool.WaitTimeout != 5*time.Second || !cfg.Pool.HealthCheck {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.RateLimit.Capacity != 100 {
		t.Errorf("Breaker = %+v, RateLimit = %+v", cfg.Breaker, cfg.RateLimit)
	}
	if tc, err := cfg.TLSConfig(); tc != nil || err != nil {
		t.Errorf("TLSConfig() = %v, %v, want nil, nil", tc, err)
	}
	if u, err := cfg.HTTPTargetURL(); u != nil || err != nil {
		t.Errorf("HTTPTargetURL() = %v, %v, want nil, nil", u, err)
	}
}

func TestNewConfig_Environment(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{
		"PROTOMUX_ADDRESS":              ":1884",
		"PROTOMUX_HTTP_TARGET":          "backend:8080",
		"PROTOMUX_WS_TARGET":            "wss://broker:8443/mqtt",
		"PROTOMUX_MQTT_TARGET":          "tls://broker:8883",
		"PROTOMUX_POOL_MAX_PER_KEY":     "8",
		"PROTOMUX_POOL_IDLE_TIMEOUT":    "1m",
		"PROTOMUX_BREAKER_MAX_FAILURES": "2",
		"PROTOMUX_RATE_LIMIT_CAPACITY":  "0",
		"PROTOMUX_SOCKS5_ENABLED":       "true",
		"PROTOMUX_LOG_LEVEL":            "debug",
	}})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Address != ":1884" || !cfg.SOCKS5Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Pool.MaxPerKey != 8 || cfg.Pool.IdleTimeout != time.Minute {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.Breaker.MaxFailures != 2 || cfg.RateLimit.Capacity != 0 {
		t.Errorf("Breaker = %+v, RateLimit = %+v", cfg.Breaker, cfg.RateLimit)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", cfg.Level())
	}

	u, err := cfg.HTTPTargetURL()
	if err != nil || u.String() != "http://backend:8080" {
		t.Errorf("HTTPTargetURL() = %v, %v", u, err)
	}
	u, err = cfg.WSTargetURL()
	if err != nil || u.String() != "wss://broker:8443/mqtt" {
		t.Errorf("WSTargetURL() = %v, %v", u, err)
	}
	key, err := cfg.MQTTBackend()
	if err != nil {
		t.Fatalf("MQTTBackend() error = %v", err)
	}
	if want := (pool.Key{Scheme: "tls", Host: "broker", Port: 8883}); key != want {
		t.Errorf("MQTTBackend() = %+v, want %+v", key, want)
	}
}

func TestNewConfig_Prefix(t *testing.T) {
	cfg, err := NewConfig(env.Options{
		Prefix:      "EDGE_",
		Environment: map[string]string{"EDGE_ADDRESS": ":9999", "PROTOMUX_ADDRESS": ":1"},
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Address != ":9999" {
		t.Errorf("Address = %q, want %q", cfg.Address, ":9999")
	}
}

func TestNewConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"cert without key": {"PROTOMUX_CERT_FILE": "cert.pem"},
		"bad duration":     {"PROTOMUX_PEEK_TIMEOUT": "soon"},
		"bad bool":         {"PROTOMUX_SOCKS5_ENABLED": "maybe"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewConfig(env.Options{Environment: environ}); err == nil {
				t.Error("NewConfig() error = nil, want error")
			}
		})
	}
}

func TestTLSConfig_MissingFiles(t *testing.T) {
	cfg := Config{CertFile: "missing-cert.pem", KeyFile: "missing-key.pem"}
	if _, err := cfg.TLSConfig(); err == nil {
		t.Error("TLSConfig() error = nil, want error")
	}
}

func TestTargetURL(t *testing.T) {
	if _, err := targetURL("http://", "http"); err == nil {
		t.Error("targetURL without host: error = nil")
	}
}
