// Package backoff provides retry delay generators and the retry loop used by
// every remote call. A Strategy carries per-operation state, so callers create
// a fresh one for each operation and never share it.
package backoff

import (
	"math"
	"time"
)

const (
	DefaultInitial        = time.Second
	DefaultExponentialMax = 10 * time.Minute
)

// Strategy yields successive retry delays. It only computes them; the
// blocking, cancellable wait is Retrier.Wait, driven by Retrier.Do.
type Strategy interface {
	// Next returns the delay to wait before the next attempt.
	Next() time.Duration
	// Reset restores the strategy to its initial delay.
	Reset()
}

// Simple doubles the delay on every call, starting at Initial.
type Simple struct {
	Initial time.Duration
	Max     time.Duration // zero means uncapped
	current time.Duration
}

// NewSimple returns a doubling strategy starting at initial.
func NewSimple(initial time.Duration) *Simple {
	if initial <= 0 {
		initial = DefaultInitial
	}
	return &Simple{Initial: initial}
}

func (s *Simple) Next() time.Duration {
	if s.current == 0 {
		s.current = s.initial()
	}
	d := s.current

	if s.current > math.MaxInt64/2 {
		s.current = math.MaxInt64
	} else {
		s.current *= 2
	}
	if s.Max > 0 && s.current > s.Max {
		s.current = s.Max
	}
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	return d
}

func (s *Simple) Reset() {
	s.current = s.initial()
}

func (s *Simple) initial() time.Duration {
	if s.Initial <= 0 {
		return DefaultInitial
	}
	return s.Initial
}

// Exponential starts at one second, jumps to two seconds, then multiplies the
// delay by its own length in seconds (2s, 4s, 16s, 256s, ...) up to Max.
type Exponential struct {
	Max     time.Duration
	current time.Duration
}

// NewExponential returns a fast-escalating strategy capped at DefaultExponentialMax.
func NewExponential() *Exponential {
	return &Exponential{Max: DefaultExponentialMax}
}

func (e *Exponential) Next() time.Duration {
	if e.current == 0 {
		e.current = time.Second
	}
	d := e.current

	if e.current <= time.Second {
		e.current = 2 * time.Second
	} else {
		grown := float64(e.current) * e.current.Seconds()
		if grown > float64(e.max()) {
			e.current = e.max()
		} else {
			e.current = time.Duration(grown)
		}
	}
	return d
}

func (e *Exponential) Reset() {
	e.current = time.Second
}

func (e *Exponential) max() time.Duration {
	if e.Max <= 0 {
		return DefaultExponentialMax
	}
	return e.Max
}

var (
	_ Strategy = (*Simple)(nil)
	_ Strategy = (*Exponential)(nil)
)
