// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides circuit breaker pattern for resilient backend calls.
package breaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/service"
)

// ErrCircuitOpen is returned when the circuit breaker is open. It matches
// errors.ErrBackendUnavailable.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", errors.ErrBackendUnavailable)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// before closing. It also bounds concurrent trial calls in HalfOpen.
	SuccessThreshold int
	// IsFailure decides which errors count against the circuit. By default
	// every error except a cancellation by the caller does.
	IsFailure func(err error) bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func defaultIsFailure(err error) bool {
	return !stderrors.Is(err, context.Canceled)
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	trials          int
	lastFailureTime time.Time
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes the given function if the circuit breaker allows it.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err)
	return err
}

// beforeCall checks if the call is allowed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		// Check if we should transition to HalfOpen
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.trials++
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.trials >= cb.config.SuccessThreshold {
			return ErrCircuitOpen
		}
		cb.trials++
		return nil

	case StateClosed:
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterCall records the result of the call.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
	if err != nil && cb.config.IsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure handles a failed call.
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		cb.setState(StateOpen)
	}
}

// onSuccess handles a successful call.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes the circuit breaker state.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	// Reset counters on state change
	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.trials = 0
	}

	cb.config.Metrics.BreakerState(cb.config.Name, int(newState), newState == StateOpen)
	cb.config.Logger.Info("circuit breaker state changed",
		slog.String("breaker", cb.config.Name),
		slog.String("from", oldState.String()),
		slog.String("to", newState.String()),
	)

	// Notify state change
	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}

// Layer guards every call of the inner service with cb.
func Layer[In, Out any](cb *CircuitBreaker) service.Layer[In, Out] {
	return service.LayerFunc[In, Out](func(inner service.Service[In, Out]) service.Service[In, Out] {
		return service.Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			var out Out
			err := cb.Call(func() error {
				var err error
				out, err = inner.Serve(ctx, in)
				return err
			})
			return out, err
		})
	})
}

// Group holds one breaker per name, created on first use with a shared
// configuration.
type Group struct {
	config   Config
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates an empty group. Config.Name is replaced by each
// breaker's name.
func NewGroup(config Config) *Group {
	return &Group{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[name]
	if !ok {
		cfg := g.config
		cfg.Name = name
		cb = New(cfg)
		g.breakers[name] = cb
	}
	return cb
}

// States returns the state of every breaker in g.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.breakers))
	for name, cb := range g.breakers {
		out[name] = cb.State()
	}
	return out
}

// KeyedLayer guards each call with the breaker of g named by name(in), so
// one failing backend does not open the circuit for the others.
func KeyedLayer[In, Out any](g *Group, name func(In) string) service.Layer[In, Out] {
	return service.LayerFunc[In, Out](func(inner service.Service[In, Out]) service.Service[In, Out] {
		return service.Func[In, Out](func(ctx context.Context, in In) (Out, error) {
			return Layer[In, Out](g.Get(name(in))).Layer(inner).Serve(ctx, in)
		})
	})
}
