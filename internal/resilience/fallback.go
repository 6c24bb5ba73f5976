package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all alternatives failed")

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds alternatives of the same type, each behind its own
// circuit breaker, and tries them in the order they were added.
type FallbackGroup[T any] struct {
	cfg     CircuitBreakerConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup returns an empty group. cfg is the template for every
// entry's breaker; its Name is replaced by the entry name.
func NewFallbackGroup[T any](cfg CircuitBreakerConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends an alternative. Add must not be called concurrently with
// Execute.
func (fg *FallbackGroup[T]) Add(name string, v T) {
	cfg := fg.cfg
	cfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of alternatives.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute calls fn on each entry until one succeeds and returns the result
// together with the name of the entry that produced it. When every entry
// fails, the error wraps [ErrAllFailed] and every individual failure.
// This is a function because methods cannot have type parameters.
func Execute[T, R any](fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var innerErr error
			res, innerErr = fn(e.name, e.value)
			return innerErr
		})
		if err == nil {
			return res, e.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping alternative (circuit open)", "name", e.name)
		} else {
			slog.Warn("alternative failed, trying next", "name", e.name, "err", err)
		}
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("%w: group is empty", ErrAllFailed)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
