// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for protomux.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional Metrics in their configuration without guarding every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for protomux.
type Metrics struct {
	// Listener metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Router metrics
	RoutesSelected *prometheus.CounterVec
	RouteNoMatch   *prometheus.CounterVec
	PeekDuration   *prometheus.HistogramVec
	PeekBytes      *prometheus.HistogramVec

	// Pool metrics
	PoolActive       *prometheus.GaugeVec
	PoolIdle         *prometheus.GaugeVec
	PoolCreated      *prometheus.CounterVec
	PoolReused       *prometheus.CounterVec
	PoolEvicted      *prometheus.CounterVec
	PoolErrors       *prometheus.CounterVec
	PoolWaitDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Protocol-specific metrics
	MQTTPackets     *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	WebSocketFrames *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "protomux"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"listener"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"listener", "status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"listener", "error_class"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		RoutesSelected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routes_selected_total",
				Help:      "Total number of connections dispatched per route",
			},
			[]string{"router", "route"},
		),
		RouteNoMatch: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_no_match_total",
				Help:      "Total number of connections closed because no route matched",
			},
			[]string{"router"},
		),
		PeekDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "peek_duration_seconds",
				Help:      "Time spent waiting for the bytes needed to route a connection",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"router"},
		),
		PeekBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "peek_bytes",
				Help:      "Number of bytes buffered to route a connection",
				Buckets:   []float64{1, 4, 8, 16, 32, 64, 256, 1024, 4096, 16389},
			},
			[]string{"router"},
		),
		PoolActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_active_connections",
				Help:      "Number of pooled connections checked out",
			},
			[]string{"key"},
		),
		PoolIdle: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_idle_connections",
				Help:      "Number of idle pooled connections",
			},
			[]string{"key"},
		),
		PoolCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_connections_created_total",
				Help:      "Total number of outbound connections dialed by the pool",
			},
			[]string{"key"},
		),
		PoolReused: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_connections_reused_total",
				Help:      "Total number of checkouts served from the idle set",
			},
			[]string{"key"},
		),
		PoolEvicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_connections_evicted_total",
				Help:      "Total number of pooled connections closed by the pool",
			},
			[]string{"key", "reason"},
		),
		PoolErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_errors_total",
				Help:      "Total number of failed acquisitions",
			},
			[]string{"key", "error_class"},
		),
		PoolWaitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_wait_duration_seconds",
				Help:      "Time acquirers spent queued at the per-key limit",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"key"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"protocol", "limiter_type"},
		),
		AuthAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authentication attempts",
			},
			[]string{"protocol", "type"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of authentication failures",
			},
			[]string{"protocol", "type", "reason"},
		),
		MQTTPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mqtt_packets_total",
				Help:      "Total number of MQTT packets",
			},
			[]string{"packet_type", "direction"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of proxied HTTP requests",
			},
			[]string{"method", "status"},
		),
		WebSocketFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_frames_total",
				Help:      "Total number of WebSocket frames",
			},
			[]string{"frame_type", "direction"},
		),
	}

	return m
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(listener string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveConnections.WithLabelValues(listener).Inc()
	defer m.ActiveConnections.WithLabelValues(listener).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(listener, status).Inc()

	return err
}

// ConnectionError counts a connection that ended with an error of class.
func (m *Metrics) ConnectionError(listener, class string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(listener, class).Inc()
}

// ObservePeek records how long and how much a router peeked.
func (m *Metrics) ObservePeek(router string, d time.Duration, n int) {
	if m == nil {
		return
	}
	m.PeekDuration.WithLabelValues(router).Observe(d.Seconds())
	m.PeekBytes.WithLabelValues(router).Observe(float64(n))
}

// RouteSelected counts a dispatch to route.
func (m *Metrics) RouteSelected(router, route string) {
	if m == nil {
		return
	}
	m.RoutesSelected.WithLabelValues(router, route).Inc()
}

// NoMatch counts a connection closed without a route.
func (m *Metrics) NoMatch(router string) {
	if m == nil {
		return
	}
	m.RouteNoMatch.WithLabelValues(router).Inc()
}

// PoolGauges sets the active and idle gauges of key.
func (m *Metrics) PoolGauges(key string, active, idle int) {
	if m == nil {
		return
	}
	m.PoolActive.WithLabelValues(key).Set(float64(active))
	m.PoolIdle.WithLabelValues(key).Set(float64(idle))
}

// PoolCreate counts a dial by the pool.
func (m *Metrics) PoolCreate(key string) {
	if m == nil {
		return
	}
	m.PoolCreated.WithLabelValues(key).Inc()
}

// PoolReuse counts a checkout served from the idle set.
func (m *Metrics) PoolReuse(key string) {
	if m == nil {
		return
	}
	m.PoolReused.WithLabelValues(key).Inc()
}

// PoolEvict counts a pooled connection closed for reason.
func (m *Metrics) PoolEvict(key, reason string) {
	if m == nil {
		return
	}
	m.PoolEvicted.WithLabelValues(key, reason).Inc()
}

// PoolError counts a failed acquisition.
func (m *Metrics) PoolError(key, class string) {
	if m == nil {
		return
	}
	m.PoolErrors.WithLabelValues(key, class).Inc()
}

// PoolWait records time spent queued for a connection.
func (m *Metrics) PoolWait(key string, d time.Duration) {
	if m == nil {
		return
	}
	m.PoolWaitDuration.WithLabelValues(key).Observe(d.Seconds())
}

// BreakerState publishes a breaker state transition.
func (m *Metrics) BreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// RateLimited counts a request rejected by a limiter.
func (m *Metrics) RateLimited(protocol, limiter string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(protocol, limiter).Inc()
}

// Auth counts an authorization decision. An empty reason is a success.
func (m *Metrics) Auth(protocol, kind, reason string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(protocol, kind).Inc()
	if reason != "" {
		m.AuthFailures.WithLabelValues(protocol, kind, reason).Inc()
	}
}

// MQTTPacket counts an inspected MQTT packet.
func (m *Metrics) MQTTPacket(packetType, direction string) {
	if m == nil {
		return
	}
	m.MQTTPackets.WithLabelValues(packetType, direction).Inc()
}

// HTTPRequest counts a proxied HTTP request.
func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
}

// WebSocketFrame counts a bridged WebSocket frame.
func (m *Metrics) WebSocketFrame(frameType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketFrames.WithLabelValues(frameType, direction).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
