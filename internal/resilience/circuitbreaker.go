// Package resilience keeps the voice pipeline alive when a provider fleet
// degrades. [CircuitBreaker] is a three-state breaker (closed, open,
// half-open) that stops hammering a failing STT/LLM/TTS backend;
// [FallbackGroup] chains several providers of one kind behind per-provider
// breakers so a live call silently moves to the next healthy backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] while the breaker is
// open and the cool-off has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cool-off
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through; their
	// outcome decides between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker tuning. Zero values take the defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs, usually the provider name.
	Name string

	// Trip is how many consecutive failures open the breaker. Default 5.
	Trip int

	// CoolOff is how long the breaker stays open before probing. Default 30s.
	CoolOff time.Duration

	// Probes is how many half-open calls must succeed to close again.
	// Default 3.
	Probes int

	Logger *slog.Logger
}

// CircuitBreaker is a classic three-state breaker around one provider.
type CircuitBreaker struct {
	name    string
	trip    int
	coolOff time.Duration
	probes  int
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	lastFail   time.Time
	probeCalls int
	probeFails int
}

// NewCircuitBreaker creates a breaker from cfg, filling defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:    cfg.Name,
		trip:    cfg.Trip,
		coolOff: cfg.CoolOff,
		probes:  cfg.Probes,
		logger:  cfg.Logger.With("component", "resilience", "breaker", cfg.Name),
	}
}

// Do runs fn when the breaker allows it. An open breaker rejects with
// [ErrCircuitOpen]; a half-open breaker admits at most the probe budget.
func (cb *CircuitBreaker) Do(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFail) < cb.coolOff {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probeCalls, cb.probeFails = 0, 0
		cb.logger.Info("breaker probing")

	case StateHalfOpen:
		if cb.probeCalls >= cb.probes {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.probeCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure must run with cb.mu held.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.lastFail = time.Now()

	if probing {
		// One failed probe re-opens immediately.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.trip
		cb.logger.Warn("breaker re-opened")
		return
	}

	cb.failures++
	if cb.failures >= cb.trip {
		cb.state = StateOpen
		cb.logger.Warn("breaker opened", "consecutive_failures", cb.failures)
	}
}

// onSuccess must run with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	if cb.probeCalls-cb.probeFails >= cb.probes {
		cb.state = StateClosed
		cb.failures, cb.probeCalls, cb.probeFails = 0, 0, 0
		cb.logger.Info("breaker closed")
	}
}

// State reports the breaker's mode. An open breaker whose cool-off has
// elapsed reports half-open; the transition itself happens on the next Do.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFail) >= cb.coolOff {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures, cb.probeCalls, cb.probeFails = 0, 0, 0
}
