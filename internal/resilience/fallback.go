package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] failed
// or sat behind an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig shapes the per-provider breakers a group creates. The
// Name field of Breaker is overwritten with each provider's name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary and any number of fallbacks of one
// provider kind. Calls walk the chain in registration order, skipping open
// breakers, until one provider succeeds.
type FallbackGroup[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	cfg     FallbackConfig
	logger  *slog.Logger
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	logger := cfg.Breaker.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &FallbackGroup[T]{
		cfg:    cfg,
		logger: logger.With("component", "resilience"),
	}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends one more provider, tried after everything already
// registered.
func (g *FallbackGroup[T]) AddFallback(name string, fallback T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(name, fallback)
}

func (g *FallbackGroup[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Do tries fn against each provider in order until one succeeds. Every
// failure is wrapped into [ErrAllFailed] when the chain is exhausted.
func (g *FallbackGroup[T]) Do(fn func(T) error) error {
	_, err := DoWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// DoWithResult is [FallbackGroup.Do] for calls that return a value. It is a
// package-level function because methods cannot introduce type parameters.
func DoWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	g.mu.RLock()
	entries := g.entries
	g.mu.RUnlock()

	var (
		lastErr error
		zero    R
	)
	for i := range entries {
		e := &entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.logger.Debug("provider skipped, breaker open", "provider", e.name)
			continue
		}
		g.logger.Warn("provider failed, trying next", "provider", e.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
